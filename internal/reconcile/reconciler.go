package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"taxdesk/pkg/types"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Reader is the part of kafka.Reader the reconciler uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MirrorReconciler copies authoritative state onto a mirror.
type MirrorReconciler interface {
	Reconcile(ctx context.Context, ownerID string, childType types.ChildType, childID, mirrorID string) error
}

func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// Reconciler consumes drift events and retries the mirror write. This is
// the only place mirror writes are retried.
type Reconciler struct {
	reader  Reader
	mirrors MirrorReconciler
	logger  *logrus.Logger

	retries int
	backoff time.Duration
}

func NewReconciler(reader Reader, mirrors MirrorReconciler, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		reader:  reader,
		mirrors: mirrors,
		logger:  logger,
		retries: 5,
		backoff: time.Second,
	}
}

func (r *Reconciler) WithRetries(n int, backoff time.Duration) *Reconciler {
	if n > 0 {
		r.retries = n
	}
	r.backoff = backoff
	return r
}

// Run processes events until ctx is cancelled. Events are committed once
// handled or given up on so one bad record never stalls its partition.
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.reader.Close()

	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.WithError(err).Error("kafka fetch error")
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		r.handle(ctx, msg)
		if ctx.Err() != nil {
			// left uncommitted so the next consumer picks it up
			return nil
		}

		if err := r.reader.CommitMessages(ctx, msg); err != nil {
			r.logger.WithError(err).WithField("offset", msg.Offset).Error("failed to commit offset")
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, msg kafka.Message) {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.logger.WithError(err).WithField("offset", msg.Offset).Error("dropping malformed reconcile event")
		return
	}

	entry := r.logger.WithFields(logrus.Fields{
		"event_id":   ev.EventID,
		"owner_id":   ev.OwnerID,
		"child_type": ev.ChildType,
		"child_id":   ev.ChildID,
		"mirror_id":  ev.MirrorID,
	})

	for attempt := 1; attempt <= r.retries; attempt++ {
		err := r.mirrors.Reconcile(ctx, ev.OwnerID, ev.ChildType, ev.ChildID, ev.MirrorID)
		if err == nil {
			entry.WithField("attempt", attempt).Info("mirror reconciled")
			return
		}

		entry = entry.WithError(err).WithField("attempt", attempt)
		if !retryable(err) {
			entry.Error("mirror reconciliation failed permanently")
			return
		}
		if attempt == r.retries {
			break
		}

		entry.Warn("mirror reconciliation failed, retrying")
		if !sleep(ctx, r.backoff*time.Duration(attempt)) {
			return
		}
	}

	entry.Error("giving up on mirror reconciliation")
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, types.ErrPermissionDenied),
		errors.Is(err, types.ErrInvalidChildType),
		errors.Is(err, types.ErrInvalidRecord),
		errors.Is(err, types.ErrInvalidStatus):
		return false
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
