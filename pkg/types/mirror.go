package types

// MirrorRef addresses a mirror record in its type's top-level partition.
type MirrorRef struct {
	Type ChildType `json:"type"`
	ID   string    `json:"id"`
}

// MirrorRecord is a denormalized copy of a child record. OwnerID and ChildID
// point back at the source of truth; Child holds the copied fields.
type MirrorRecord struct {
	ID      string       `json:"id"`
	OwnerID string       `json:"ownerId"`
	ChildID string       `json:"childId"`
	Child   *ChildRecord `json:"child"`
}

func (m *MirrorRecord) Ref() *MirrorRef {
	return &MirrorRef{Type: m.Child.Type, ID: m.ID}
}
