package types

import (
	"fmt"
	"strings"
	"time"
)

// TaxFormKind names one of the two blank forms customers download.
type TaxFormKind string

const (
	TaxFormCurrentYear TaxFormKind = "currentYear"
	TaxFormPriorYear   TaxFormKind = "priorYear"
)

func ParseTaxFormKind(raw string) (TaxFormKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "currentyear", "current":
		return TaxFormCurrentYear, nil
	case "prioryear", "prior":
		return TaxFormPriorYear, nil
	}
	return "", fmt.Errorf("%w: unknown tax form %q", ErrInvalidRecord, raw)
}

// TaxForms holds the download links for the current and prior year forms.
// The site keeps one pair for everyone, and an owner record may carry a
// pair prepared for that customer.
type TaxForms struct {
	CurrentYearFormURL string    `json:"currentYearFormUrl,omitempty"`
	PriorYearFormURL   string    `json:"priorYearFormUrl,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func (f *TaxForms) Set(kind TaxFormKind, url string) {
	switch kind {
	case TaxFormCurrentYear:
		f.CurrentYearFormURL = url
	case TaxFormPriorYear:
		f.PriorYearFormURL = url
	}
}

func (f *TaxForms) URL(kind TaxFormKind) string {
	switch kind {
	case TaxFormCurrentYear:
		return f.CurrentYearFormURL
	case TaxFormPriorYear:
		return f.PriorYearFormURL
	}
	return ""
}
