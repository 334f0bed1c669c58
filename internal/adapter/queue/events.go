package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
	"github.com/seu-repo/sigec-chargepoint/internal/ports"
)

// EventPublisher serializes transaction lifecycle events onto a MessageQueue.
// Subjects are "<prefix>.<event type>", e.g. "chargepoint.transaction.confirmed".
type EventPublisher struct {
	queue     MessageQueue
	prefix    string
	chargerID string
	log       *zap.Logger
}

var _ ports.EventPublisher = (*EventPublisher)(nil)

func NewEventPublisher(q MessageQueue, prefix, chargerID string, log *zap.Logger) *EventPublisher {
	if prefix == "" {
		prefix = "chargepoint"
	}
	return &EventPublisher{
		queue:     q,
		prefix:    prefix,
		chargerID: chargerID,
		log:       log,
	}
}

func (p *EventPublisher) Subject(t domain.TransactionEventType) string {
	return p.prefix + "." + string(t)
}

func (p *EventPublisher) PublishTransactionEvent(ctx context.Context, evt domain.TransactionEvent) error {
	if p.queue == nil {
		return nil
	}
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	evt.ChargerID = p.chargerID

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", evt.Type, err)
	}

	subject := p.Subject(evt.Type)
	if err := p.queue.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug("Transaction event published",
		zap.String("subject", subject),
		zap.String("event_id", evt.EventID),
	)
	return nil
}

// SubscribeTransactionEvents decodes every lifecycle event type and hands it to fn.
func (p *EventPublisher) SubscribeTransactionEvents(fn func(domain.TransactionEvent)) error {
	if p.queue == nil {
		return nil
	}
	types := []domain.TransactionEventType{
		domain.EventTransactionConfirmed,
		domain.EventTransactionFailed,
		domain.EventTransactionDeauthorized,
	}
	for _, t := range types {
		err := p.queue.Subscribe(p.Subject(t), func(data []byte) error {
			var evt domain.TransactionEvent
			if err := json.Unmarshal(data, &evt); err != nil {
				return fmt.Errorf("decode transaction event: %w", err)
			}
			fn(evt)
			return nil
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", p.Subject(t), err)
		}
	}
	return nil
}

// Fanout publishes each event to every publisher and joins their errors.
type Fanout []ports.EventPublisher

func (f Fanout) PublishTransactionEvent(ctx context.Context, evt domain.TransactionEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishTransactionEvent(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
