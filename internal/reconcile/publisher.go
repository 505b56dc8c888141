package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taxdesk/internal/dualwrite"
	"taxdesk/pkg/types"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Writer is the part of kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher queues partial writes for deferred mirror reconciliation.
type Publisher struct {
	writer Writer
	logger *logrus.Logger
	now    func() time.Time
}

var _ dualwrite.Flagger = (*Publisher)(nil)

const (
	batchTimeout = 10 * time.Millisecond
	flagTimeout  = 10 * time.Second
)

func NewPublisher(brokers []string, topic string, logger *logrus.Logger) *Publisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		// one flag per failed write, so waiting to fill a batch only adds latency
		BatchTimeout: batchTimeout,
	}
	return NewPublisherWithWriter(w, logger)
}

func NewPublisherWithWriter(w Writer, logger *logrus.Logger) *Publisher {
	return &Publisher{writer: w, logger: logger, now: time.Now}
}

// FlagPartialWrite publishes pw even if ctx is already cancelled. The
// authoritative write has landed by now and the event is the only record
// that the mirror needs repair.
func (p *Publisher) FlagPartialWrite(ctx context.Context, pw *types.PartialWriteError) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flagTimeout)
	defer cancel()
	return p.Publish(ctx, EventFromPartialWrite(pw, p.now()))
}

func (p *Publisher) Publish(ctx context.Context, ev *Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode reconcile event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.Key()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.EventID)},
			{Key: "event_type", Value: []byte(EventTypeMirrorDrift)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish reconcile event: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"event_id":   ev.EventID,
		"owner_id":   ev.OwnerID,
		"child_type": ev.ChildType,
		"child_id":   ev.ChildID,
	}).Info("queued mirror reconciliation")
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
