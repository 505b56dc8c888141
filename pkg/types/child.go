package types

import (
	"fmt"
	"strings"
	"time"
)

type ChildType string

const (
	ChildTypeAppointment ChildType = "appointments"
	ChildTypeReferral    ChildType = "referrals"
	ChildTypeTaxDocument ChildType = "taxDocuments"
)

var ChildTypes = []ChildType{ChildTypeAppointment, ChildTypeReferral, ChildTypeTaxDocument}

type Status string

const (
	StatusPending           Status = "Pending"
	StatusConfirmed         Status = "Confirmed"
	StatusCompleted         Status = "Completed"
	StatusCancelled         Status = "Cancelled"
	StatusExpired           Status = "Expired"
	StatusVerified          Status = "Verified"
	StatusRequiresAttention Status = "Requires Attention"
)

var childStatuses = map[ChildType][]Status{
	ChildTypeAppointment: {StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled},
	ChildTypeReferral:    {StatusPending, StatusCompleted, StatusExpired},
	ChildTypeTaxDocument: {StatusPending, StatusVerified, StatusRequiresAttention},
}

// ParseChildType accepts the canonical collection name as well as the
// singular forms used in URLs ("appointment", "referral", "document").
func ParseChildType(raw string) (ChildType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "appointments", "appointment":
		return ChildTypeAppointment, nil
	case "referrals", "referral":
		return ChildTypeReferral, nil
	case "taxdocuments", "taxdocument", "documents", "document":
		return ChildTypeTaxDocument, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChildType, raw)
}

func (t ChildType) Valid() bool {
	_, ok := childStatuses[t]
	return ok
}

// Statuses returns the closed status set for the type in display order.
func (t ChildType) Statuses() []Status {
	out := make([]Status, len(childStatuses[t]))
	copy(out, childStatuses[t])
	return out
}

func (t ChildType) ValidStatus(s Status) bool {
	for _, v := range childStatuses[t] {
		if v == s {
			return true
		}
	}
	return false
}

// NextStatuses lists every status the record can be moved to. Transitions
// are unconstrained, so this is the type's set minus the current value.
func (t ChildType) NextStatuses(current Status) []Status {
	out := make([]Status, 0, len(childStatuses[t]))
	for _, v := range childStatuses[t] {
		if v != current {
			out = append(out, v)
		}
	}
	return out
}

// Mirrored reports whether records of this type keep a copy in a top-level
// partition. Tax documents are only reachable through their owner.
func (t ChildType) Mirrored() bool {
	return t == ChildTypeAppointment || t == ChildTypeReferral
}

// HasBlob reports whether records of this type carry an uploaded file.
func (t ChildType) HasBlob() bool {
	return t == ChildTypeTaxDocument
}

// ChildRecord is a record owned by exactly one Owner. Exactly one of the
// variant fields is set and it must match Type.
type ChildRecord struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Type      ChildType `json:"type"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Owner display fields, attached at read time.
	OwnerName  string `json:"ownerName,omitempty"`
	OwnerEmail string `json:"ownerEmail,omitempty"`

	// MirrorID is set on records that have a copy in the top-level partition.
	MirrorID string `json:"mirrorId,omitempty"`

	Appointment *AppointmentFields `json:"appointment,omitempty"`
	Referral    *ReferralFields    `json:"referral,omitempty"`
	Document    *TaxDocumentFields `json:"document,omitempty"`
}

type AppointmentFields struct {
	FullName    string    `json:"fullName"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone,omitempty"`
	Service     string    `json:"service,omitempty"`
	RequestDate time.Time `json:"requestDate"`
	Notes       string    `json:"notes,omitempty"`
}

type ReferralFields struct {
	ReferrerName  string    `json:"referrerName"`
	ReferrerEmail string    `json:"referrerEmail"`
	ReferredName  string    `json:"referredName"`
	ReferredEmail string    `json:"referredEmail"`
	ReferralDate  time.Time `json:"referralDate"`
}

type TaxDocumentFields struct {
	DocumentName string `json:"documentName"`
	DocumentType string `json:"documentType"`
	Category     string `json:"category,omitempty"`
	TaxYear      int    `json:"taxYear"`
	MimeType     string `json:"mimeType,omitempty"`
	SizeBytes    int64  `json:"sizeBytes"`
	FileURL      string `json:"fileUrl"`
	StoragePath  string `json:"storagePath"`
	Uploader     string `json:"uploader"`
}

const (
	UploaderCustomer = "customer"
	UploaderAdmin    = "admin"
)

// Validate checks the record against its type's closed field set and status
// enum. Store adapters call it before handing records to the rest of the
// system and before writing them.
func (c *ChildRecord) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidChildType, c.Type)
	}
	if !c.Type.ValidStatus(c.Status) {
		return fmt.Errorf("%w: %q is not a %s status", ErrInvalidStatus, c.Status, c.Type)
	}

	set := 0
	if c.Appointment != nil {
		set++
	}
	if c.Referral != nil {
		set++
	}
	if c.Document != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: %s record must carry exactly one variant, has %d", ErrInvalidRecord, c.Type, set)
	}

	switch c.Type {
	case ChildTypeAppointment:
		if c.Appointment == nil {
			return fmt.Errorf("%w: appointment fields missing", ErrInvalidRecord)
		}
		if strings.TrimSpace(c.Appointment.FullName) == "" {
			return fmt.Errorf("%w: appointment requires a full name", ErrInvalidRecord)
		}
	case ChildTypeReferral:
		if c.Referral == nil {
			return fmt.Errorf("%w: referral fields missing", ErrInvalidRecord)
		}
		if strings.TrimSpace(c.Referral.ReferredEmail) == "" {
			return fmt.Errorf("%w: referral requires the referred email", ErrInvalidRecord)
		}
	case ChildTypeTaxDocument:
		if c.Document == nil {
			return fmt.Errorf("%w: document fields missing", ErrInvalidRecord)
		}
		if strings.TrimSpace(c.Document.DocumentName) == "" {
			return fmt.Errorf("%w: document requires a name", ErrInvalidRecord)
		}
		if strings.TrimSpace(c.Document.StoragePath) == "" {
			return fmt.Errorf("%w: document requires a storage path", ErrInvalidRecord)
		}
	}

	return nil
}

// Clone returns a deep copy so cached records can be handed out without
// sharing variant pointers.
func (c *ChildRecord) Clone() *ChildRecord {
	if c == nil {
		return nil
	}
	out := *c
	if c.Appointment != nil {
		a := *c.Appointment
		out.Appointment = &a
	}
	if c.Referral != nil {
		r := *c.Referral
		out.Referral = &r
	}
	if c.Document != nil {
		d := *c.Document
		out.Document = &d
	}
	return &out
}

// Path is the record's address in the document store.
func (c *ChildRecord) Path() string {
	return ChildPath(c.OwnerID, c.Type, c.ID)
}

func ChildPath(ownerID string, childType ChildType, childID string) string {
	return fmt.Sprintf("%s/%s/%s", ownerID, childType, childID)
}

// ChildPatch is the closed set of fields a view entry can be patched with.
// Nil fields are left untouched.
type ChildPatch struct {
	Status     *Status
	OwnerName  *string
	OwnerEmail *string
}
