package reconcile

import (
	"strings"
	"time"

	"taxdesk/pkg/types"

	"github.com/google/uuid"
)

const EventTypeMirrorDrift = "mirror.drift"

// Event asks the reconciler to bring one mirror back in line with its
// authoritative record.
type Event struct {
	EventID   string          `json:"eventId"`
	Op        types.WriteOp   `json:"op"`
	OwnerID   string          `json:"ownerId"`
	ChildType types.ChildType `json:"childType"`
	ChildID   string          `json:"childId"`
	MirrorID  string          `json:"mirrorId,omitempty"`
	Status    types.Status    `json:"status,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	FlaggedAt time.Time       `json:"flaggedAt"`
}

func EventFromPartialWrite(pw *types.PartialWriteError, now time.Time) *Event {
	ev := &Event{
		EventID:   uuid.NewString(),
		Op:        pw.Op,
		OwnerID:   pw.OwnerID,
		ChildType: pw.ChildType,
		ChildID:   pw.ChildID,
		MirrorID:  pw.MirrorID,
		Status:    pw.Status,
		FlaggedAt: now.UTC(),
	}
	if pw.Err != nil {
		ev.Reason = pw.Err.Error()
	}
	return ev
}

// Key routes every event for one child record to the same partition.
func (e *Event) Key() string {
	return types.ChildPath(e.OwnerID, e.ChildType, e.ChildID)
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
