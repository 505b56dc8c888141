package surreal

import (
	"encoding/json"
	"fmt"
	"time"

	"taxdesk/pkg/types"

	"github.com/surrealdb/surrealdb.go/pkg/models"
)

const (
	ownerTable = "customers"

	// siteTable holds single records of site-wide settings.
	siteTable     = "site_settings"
	taxFormsRecID = "taxForms"
)

// childTables maps each child type onto its owner-partitioned table. Rows are
// keyed by [owner_id, child_id] record ids.
var childTables = map[types.ChildType]string{
	types.ChildTypeAppointment: "customer_appointments",
	types.ChildTypeReferral:    "customer_referrals",
	types.ChildTypeTaxDocument: "customer_tax_documents",
}

// mirrorTables holds the top-level copies. Tax documents have none.
var mirrorTables = map[types.ChildType]string{
	types.ChildTypeAppointment: "appointments",
	types.ChildTypeReferral:    "referrals",
}

func childTable(t types.ChildType) (string, error) {
	table, ok := childTables[t]
	if !ok {
		return "", fmt.Errorf("%w: %q", types.ErrInvalidChildType, t)
	}
	return table, nil
}

func mirrorTable(t types.ChildType) (string, error) {
	table, ok := mirrorTables[t]
	if !ok {
		return "", fmt.Errorf("%w: %s has no mirror table", types.ErrInvalidChildType, t)
	}
	return table, nil
}

func childRecordID(table, ownerID, childID string) models.RecordID {
	return models.NewRecordID(table, []any{ownerID, childID})
}

// Timestamps are stored as unix milliseconds so the documents round trip
// through the default codec without datetime tags.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

type ownerDoc struct {
	ID         *models.RecordID `json:"id,omitempty"`
	OwnerID    string           `json:"owner_id"`
	FirstName  string           `json:"first_name"`
	LastName   string           `json:"last_name"`
	Email      string           `json:"email"`
	Phone      string           `json:"phone"`
	Role       string           `json:"role"`
	Line1      string           `json:"address_line1"`
	Line2      string           `json:"address_line2"`
	City       string           `json:"address_city"`
	State      string           `json:"address_state"`
	Zip        string           `json:"address_zip"`
	SignupDate int64            `json:"signup_date"`
	UpdatedAt  int64            `json:"updated_at"`

	CurrentYearForm string `json:"current_year_form_url,omitempty"`
	PriorYearForm   string `json:"prior_year_form_url,omitempty"`
}

func toOwnerDoc(o *types.Owner) map[string]any {
	return map[string]any{
		"owner_id":      o.ID,
		"first_name":    o.FirstName,
		"last_name":     o.LastName,
		"email":         o.Email,
		"phone":         o.Phone,
		"role":          o.Role,
		"address_line1": o.Line1,
		"address_line2": o.Line2,
		"address_city":  o.City,
		"address_state": o.State,
		"address_zip":   o.Zip,
		"signup_date":   millis(o.SignupDate),
		"updated_at":    millis(o.UpdatedAt),

		"current_year_form_url": o.CurrentYearFormURL,
		"prior_year_form_url":   o.PriorYearFormURL,
	}
}

func (d *ownerDoc) owner() *types.Owner {
	return &types.Owner{
		ID:         d.OwnerID,
		FirstName:  d.FirstName,
		LastName:   d.LastName,
		Email:      d.Email,
		Phone:      d.Phone,
		Role:       d.Role,
		SignupDate: fromMillis(d.SignupDate),
		UpdatedAt:  fromMillis(d.UpdatedAt),

		CurrentYearFormURL: d.CurrentYearForm,
		PriorYearFormURL:   d.PriorYearForm,
		Address: types.Address{
			Line1: d.Line1,
			Line2: d.Line2,
			City:  d.City,
			State: d.State,
			Zip:   d.Zip,
		},
	}
}

type taxFormsDoc struct {
	ID              *models.RecordID `json:"id,omitempty"`
	CurrentYearForm string           `json:"current_year_form_url,omitempty"`
	PriorYearForm   string           `json:"prior_year_form_url,omitempty"`
	UpdatedAt       int64            `json:"updated_at"`
}

func (d *taxFormsDoc) forms() *types.TaxForms {
	return &types.TaxForms{
		CurrentYearFormURL: d.CurrentYearForm,
		PriorYearFormURL:   d.PriorYearForm,
		UpdatedAt:          fromMillis(d.UpdatedAt),
	}
}

// taxFormPatch is merged into the site record so setting one form keeps
// the other.
func taxFormPatch(kind types.TaxFormKind, url string, now time.Time) (map[string]any, error) {
	var field string
	switch kind {
	case types.TaxFormCurrentYear:
		field = "current_year_form_url"
	case types.TaxFormPriorYear:
		field = "prior_year_form_url"
	default:
		return nil, fmt.Errorf("%w: unknown tax form %q", types.ErrInvalidRecord, kind)
	}
	return map[string]any{field: url, "updated_at": millis(now)}, nil
}

// childDoc is a child row. The variant is kept as a plain map so nested
// dates travel as RFC 3339 strings.
type childDoc struct {
	ID        *models.RecordID `json:"id,omitempty"`
	OwnerID   string           `json:"owner_id"`
	ChildID   string           `json:"child_id"`
	Status    string           `json:"status"`
	MirrorID  string           `json:"mirror_id,omitempty"`
	Fields    map[string]any   `json:"fields"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
}

func variantOf(c *types.ChildRecord) any {
	switch c.Type {
	case types.ChildTypeAppointment:
		return c.Appointment
	case types.ChildTypeReferral:
		return c.Referral
	case types.ChildTypeTaxDocument:
		return c.Document
	}
	return nil
}

func fieldsMap(c *types.ChildRecord) (map[string]any, error) {
	raw, err := json.Marshal(variantOf(c))
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s fields: %w", c.Type, err)
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode %s fields: %w", c.Type, err)
	}
	return fields, nil
}

func decodeFields(t types.ChildType, fields map[string]any, into *types.ChildRecord) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	switch t {
	case types.ChildTypeAppointment:
		into.Appointment = new(types.AppointmentFields)
		return json.Unmarshal(raw, into.Appointment)
	case types.ChildTypeReferral:
		into.Referral = new(types.ReferralFields)
		return json.Unmarshal(raw, into.Referral)
	case types.ChildTypeTaxDocument:
		into.Document = new(types.TaxDocumentFields)
		return json.Unmarshal(raw, into.Document)
	}
	return fmt.Errorf("%w: %q", types.ErrInvalidChildType, t)
}

func toChildDoc(c *types.ChildRecord) (map[string]any, error) {
	fields, err := fieldsMap(c)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{
		"owner_id":   c.OwnerID,
		"child_id":   c.ID,
		"status":     string(c.Status),
		"fields":     fields,
		"created_at": millis(c.CreatedAt),
		"updated_at": millis(c.UpdatedAt),
	}
	if c.MirrorID != "" {
		doc["mirror_id"] = c.MirrorID
	}
	return doc, nil
}

func (d *childDoc) record(t types.ChildType) (*types.ChildRecord, error) {
	child := &types.ChildRecord{
		ID:        d.ChildID,
		OwnerID:   d.OwnerID,
		Type:      t,
		Status:    types.Status(d.Status),
		MirrorID:  d.MirrorID,
		CreatedAt: fromMillis(d.CreatedAt),
		UpdatedAt: fromMillis(d.UpdatedAt),
	}
	if err := decodeFields(t, d.Fields, child); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", child.Path(), err)
	}
	return child, child.Validate()
}

type mirrorDoc struct {
	ID        *models.RecordID `json:"id,omitempty"`
	MirrorID  string           `json:"mirror_id"`
	OwnerID   string           `json:"owner_id"`
	ChildID   string           `json:"child_id"`
	Status    string           `json:"status"`
	Fields    map[string]any   `json:"fields"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
}

func (d *mirrorDoc) mirror(t types.ChildType) (*types.MirrorRecord, error) {
	child := &types.ChildRecord{
		ID:        d.ChildID,
		OwnerID:   d.OwnerID,
		Type:      t,
		Status:    types.Status(d.Status),
		MirrorID:  d.MirrorID,
		CreatedAt: fromMillis(d.CreatedAt),
		UpdatedAt: fromMillis(d.UpdatedAt),
	}
	if err := decodeFields(t, d.Fields, child); err != nil {
		return nil, fmt.Errorf("failed to decode mirror %s: %w", d.MirrorID, err)
	}
	if err := child.Validate(); err != nil {
		return nil, fmt.Errorf("mirror %s: %w", d.MirrorID, err)
	}
	return &types.MirrorRecord{
		ID:      d.MirrorID,
		OwnerID: d.OwnerID,
		ChildID: d.ChildID,
		Child:   child,
	}, nil
}
