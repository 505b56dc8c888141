package surreal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"taxdesk/internal/store"
	"taxdesk/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildBatch(t *testing.T) {
	updates := []store.StatusUpdate{
		{OwnerID: "cust1", ChildType: types.ChildTypeAppointment, ChildID: "A", Status: types.StatusConfirmed},
		{Mirror: &types.MirrorRef{Type: types.ChildTypeAppointment, ID: "m1"}, Status: types.StatusConfirmed},
	}

	sql, vars, err := buildBatch(updates, 1700000000000)
	require.NoError(t, err)

	assert.Contains(t, sql, "BEGIN TRANSACTION;")
	assert.Contains(t, sql, "COMMIT TRANSACTION;")
	assert.Contains(t, sql, "LET $r0 = (UPDATE type::table($tb0) SET status = $s0, updated_at = $now WHERE owner_id = $o0 AND child_id = $c0)")
	assert.Contains(t, sql, "LET $r1 = (UPDATE type::table($tb1) SET status = $s1, updated_at = $now WHERE mirror_id = $m1)")
	assert.Contains(t, sql, `THROW string::concat("record not found: ", $tg1)`)

	assert.Equal(t, "customer_appointments", vars["tb0"])
	assert.Equal(t, "appointments", vars["tb1"])
	assert.Equal(t, "cust1", vars["o0"])
	assert.Equal(t, "A", vars["c0"])
	assert.Equal(t, "m1", vars["m1"])
	assert.Equal(t, "Confirmed", vars["s1"])
	assert.Equal(t, int64(1700000000000), vars["now"])
	assert.Equal(t, "cust1/appointments/A", vars["tg0"])

	// values never reach the statement text
	assert.NotContains(t, sql, "cust1")
}

func TestBuildBatchRejectsDocumentMirror(t *testing.T) {
	_, _, err := buildBatch([]store.StatusUpdate{
		{Mirror: &types.MirrorRef{Type: types.ChildTypeTaxDocument, ID: "m1"}, Status: types.StatusVerified},
	}, 0)
	assert.ErrorIs(t, err, types.ErrInvalidChildType)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"thrown missing record", errors.New("An error occurred: record not found: cust1/appointments/A"), types.ErrNotFound},
		{"iam", errors.New("IAM error: Not enough permissions to perform this action"), types.ErrPermissionDenied},
		{"network", timeoutErr{}, types.ErrStoreUnavailable},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), types.ErrStoreUnavailable},
		{"closed socket", errors.New("websocket: connection closed"), types.ErrStoreUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyError(tt.err, "op"), tt.want)
		})
	}

	assert.NoError(t, classifyError(nil, "op"))

	other := classifyError(errors.New("parse error"), "op")
	assert.NotErrorIs(t, other, types.ErrNotFound)
	assert.NotErrorIs(t, other, types.ErrStoreUnavailable)
}

func TestChildDocRoundTrip(t *testing.T) {
	created := time.Date(2024, 2, 1, 15, 4, 5, 0, time.UTC)
	child := &types.ChildRecord{
		ID:        "A",
		OwnerID:   "cust1",
		Type:      types.ChildTypeAppointment,
		Status:    types.StatusPending,
		CreatedAt: created,
		UpdatedAt: created,
		Appointment: &types.AppointmentFields{
			FullName:    "Alice Johnson",
			Email:       "alice@example.com",
			Service:     "Individual Tax Return",
			RequestDate: created.Add(48 * time.Hour),
		},
	}

	doc, err := toChildDoc(child)
	require.NoError(t, err)

	fields, ok := doc["fields"].(map[string]any)
	require.True(t, ok)

	decoded := &childDoc{
		OwnerID:   doc["owner_id"].(string),
		ChildID:   doc["child_id"].(string),
		Status:    doc["status"].(string),
		Fields:    fields,
		CreatedAt: doc["created_at"].(int64),
		UpdatedAt: doc["updated_at"].(int64),
	}

	got, err := decoded.record(types.ChildTypeAppointment)
	require.NoError(t, err)
	assert.Equal(t, child, got)
}

func TestOwnerDocRoundTrip(t *testing.T) {
	owner := &types.Owner{
		ID:         "cust1",
		FirstName:  "Alice",
		LastName:   "Johnson",
		Email:      "alice@example.com",
		SignupDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		UpdatedAt:  time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC),
		Address:    types.Address{City: "Springfield", State: "IL"},

		CurrentYearFormURL: "https://files.example.com/customers/cust1/tax_information/currentYear_1040.pdf",
	}

	m := toOwnerDoc(owner)
	doc := &ownerDoc{
		OwnerID:    m["owner_id"].(string),
		FirstName:  m["first_name"].(string),
		LastName:   m["last_name"].(string),
		Email:      m["email"].(string),
		City:       m["address_city"].(string),
		State:      m["address_state"].(string),
		SignupDate: m["signup_date"].(int64),
		UpdatedAt:  m["updated_at"].(int64),

		CurrentYearForm: m["current_year_form_url"].(string),
		PriorYearForm:   m["prior_year_form_url"].(string),
	}
	assert.Equal(t, owner, doc.owner())
}

func TestTaxFormPatch(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	patch, err := taxFormPatch(types.TaxFormPriorYear, "https://files.example.com/prior.pdf", now)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"prior_year_form_url": "https://files.example.com/prior.pdf",
		"updated_at":          now.UnixMilli(),
	}, patch)

	_, err = taxFormPatch("nextYear", "x", now)
	assert.ErrorIs(t, err, types.ErrInvalidRecord)

	doc := &taxFormsDoc{PriorYearForm: patch["prior_year_form_url"].(string), UpdatedAt: now.UnixMilli()}
	assert.Equal(t, &types.TaxForms{PriorYearFormURL: "https://files.example.com/prior.pdf", UpdatedAt: now}, doc.forms())
}
