package types

import (
	"errors"
	"fmt"
)

var (
	ErrStoreUnavailable = errors.New("record store unavailable")
	ErrNotFound         = errors.New("record not found")
	ErrPermissionDenied = errors.New("permission denied")

	ErrOwnerNotFound    = fmt.Errorf("owner: %w", ErrNotFound)
	ErrInvalidChildType = errors.New("invalid child type")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrInvalidRecord    = errors.New("invalid record")
)

type WriteOp string

const (
	WriteOpStatus WriteOp = "status"
	WriteOpCreate WriteOp = "create"
	WriteOpDelete WriteOp = "delete"
)

// PartialWriteError is returned when the authoritative write succeeded but
// the mirror write did not. It carries what a caller needs to retry the
// mirror alone. MirrorID is empty when the mirror was never created.
type PartialWriteError struct {
	Op        WriteOp
	OwnerID   string
	ChildType ChildType
	ChildID   string
	MirrorID  string
	Status    Status
	Err       error
}

func (e *PartialWriteError) Error() string {
	path := ChildPath(e.OwnerID, e.ChildType, e.ChildID)
	switch e.Op {
	case WriteOpCreate:
		return fmt.Sprintf("partial write: %s created but its mirror was not: %v", path, e.Err)
	case WriteOpDelete:
		return fmt.Sprintf("partial write: %s deleted but mirror %s was not: %v", path, e.MirrorID, e.Err)
	}
	return fmt.Sprintf("partial write: %s updated to %q but mirror %s was not: %v", path, e.Status, e.MirrorID, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

// Mirror returns the mirror reference, or nil if none exists yet.
func (e *PartialWriteError) Mirror() *MirrorRef {
	if e.MirrorID == "" {
		return nil
	}
	return &MirrorRef{Type: e.ChildType, ID: e.MirrorID}
}
