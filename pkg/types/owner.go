package types

import (
	"strings"
	"time"
)

const OwnerRoleAdmin = "admin"

// Owner is a customer. Children live in partitions keyed by the owner id.
type Owner struct {
	ID         string    `db:"id" json:"id"`
	FirstName  string    `db:"first_name" json:"firstName"`
	LastName   string    `db:"last_name" json:"lastName"`
	Email      string    `db:"email" json:"email"`
	Phone      string    `db:"phone" json:"phone,omitempty"`
	Role       string    `db:"role" json:"role,omitempty"`
	SignupDate time.Time `db:"signup_date" json:"signupDate"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`

	// Forms prepared for this customer, stored under tax_information/.
	CurrentYearFormURL string `db:"current_year_form_url" json:"currentYearFormUrl,omitempty"`
	PriorYearFormURL   string `db:"prior_year_form_url" json:"priorYearFormUrl,omitempty"`

	Address
}

type Address struct {
	Line1 string `db:"address_line1" json:"line1,omitempty" form:"line1"`
	Line2 string `db:"address_line2" json:"line2,omitempty" form:"line2"`
	City  string `db:"address_city" json:"city,omitempty" form:"city"`
	State string `db:"address_state" json:"state,omitempty" form:"state"`
	Zip   string `db:"address_zip" json:"zip,omitempty" form:"zip"`
}

func (o *Owner) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(o.FirstName) + " " + strings.TrimSpace(o.LastName))
	if name != "" {
		return name
	}
	if at := strings.Index(o.Email, "@"); at > 0 {
		return o.Email[:at]
	}
	return o.ID
}

func (o *Owner) IsAdmin() bool {
	return o.Role == OwnerRoleAdmin
}

// SetTaxForm records the link to a form prepared for this customer.
func (o *Owner) SetTaxForm(kind TaxFormKind, url string) {
	switch kind {
	case TaxFormCurrentYear:
		o.CurrentYearFormURL = url
	case TaxFormPriorYear:
		o.PriorYearFormURL = url
	}
}

// TaxForms returns the customer's own forms.
func (o *Owner) TaxForms() *TaxForms {
	return &TaxForms{
		CurrentYearFormURL: o.CurrentYearFormURL,
		PriorYearFormURL:   o.PriorYearFormURL,
		UpdatedAt:          o.UpdatedAt,
	}
}
