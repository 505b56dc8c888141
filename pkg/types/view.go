package types

import "time"

type ViewSource string

const (
	ViewSourceFanOut ViewSource = "fanout"
	ViewSourceMirror ViewSource = "mirror"
)

// AggregateView is a point-in-time, owner-enriched list of child records.
// Partial is set when one or more owners could not be read.
type AggregateView struct {
	Type         ChildType      `json:"type"`
	Source       ViewSource     `json:"source"`
	Entries      []*ChildRecord `json:"entries"`
	Partial      bool           `json:"partial"`
	FailedOwners []string       `json:"failedOwners,omitempty"`
	FetchedAt    time.Time      `json:"fetchedAt"`
}

func (v *AggregateView) Clone() *AggregateView {
	if v == nil {
		return nil
	}
	out := *v
	out.Entries = make([]*ChildRecord, len(v.Entries))
	for i, e := range v.Entries {
		out.Entries[i] = e.Clone()
	}
	if v.FailedOwners != nil {
		out.FailedOwners = append([]string(nil), v.FailedOwners...)
	}
	return &out
}

// CountByStatus tallies entries per status.
func (v *AggregateView) CountByStatus() map[Status]int {
	counts := make(map[Status]int, len(v.Entries))
	for _, e := range v.Entries {
		counts[e.Status]++
	}
	return counts
}

type DashboardSummary struct {
	Counts             map[ChildType]map[Status]int `json:"counts"`
	RecentAppointments []*ChildRecord               `json:"recentAppointments"`
	RecentOwners       []*Owner                     `json:"recentOwners"`
	ActiveReferrals    int                          `json:"activeReferrals"`
	Partial            bool                         `json:"partial"`
}
