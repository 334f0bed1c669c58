package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/observability/telemetry"
)

const (
	// EventsExchange is the topic exchange every subject is routed through.
	EventsExchange = "sigec.chargepoint.events"

	publishTimeout = 5 * time.Second
	redialWait     = 5 * time.Second
)

type amqpSubscription struct {
	routingKey string
	handler    func(data []byte) error
}

// RabbitMQQueue publishes subjects as routing keys on one durable topic
// exchange. Subscriptions are re-bound after a reconnect.
type RabbitMQQueue struct {
	url string
	log *zap.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	subs    []amqpSubscription

	done      chan struct{}
	closeOnce sync.Once
}

func NewRabbitMQQueue(url string, log *zap.Logger) (MessageQueue, error) {
	q := &RabbitMQQueue{url: url, log: log, done: make(chan struct{})}
	if err := q.connect(); err != nil {
		return nil, err
	}
	go q.watch()

	log.Info("Connected to RabbitMQ", zap.String("exchange", EventsExchange))
	return q, nil
}

func (q *RabbitMQQueue) connect() error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(EventsExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq: declare exchange: %w", err)
	}

	q.mu.Lock()
	q.conn = conn
	q.channel = ch
	subs := append([]amqpSubscription(nil), q.subs...)
	q.mu.Unlock()

	for _, s := range subs {
		if err := q.consume(s); err != nil {
			return err
		}
	}
	return nil
}

func (q *RabbitMQQueue) Publish(subject string, data []byte) error {
	q.mu.RLock()
	ch := q.channel
	q.mu.RUnlock()
	if ch == nil || ch.IsClosed() {
		return telemetry.ObservePublish("rabbitmq", fmt.Errorf("rabbitmq: channel not available"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err := ch.PublishWithContext(ctx, EventsExchange, subject, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         data,
	})
	if err != nil {
		err = fmt.Errorf("rabbitmq: publish %s: %w", subject, err)
	}
	return telemetry.ObservePublish("rabbitmq", err)
}

func (q *RabbitMQQueue) Subscribe(subject string, handler func(data []byte) error) error {
	s := amqpSubscription{routingKey: subject, handler: handler}
	if err := q.consume(s); err != nil {
		return err
	}
	q.mu.Lock()
	q.subs = append(q.subs, s)
	q.mu.Unlock()
	return nil
}

func (q *RabbitMQQueue) consume(s amqpSubscription) error {
	q.mu.RLock()
	ch := q.channel
	q.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("rabbitmq: channel not available")
	}

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: declare queue: %w", err)
	}
	if err := ch.QueueBind(queue.Name, s.routingKey, EventsExchange, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: bind %s: %w", s.routingKey, err)
	}
	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume: %w", err)
	}

	go func() {
		for d := range deliveries {
			if err := s.handler(d.Body); err != nil {
				q.log.Error("Failed to handle RabbitMQ delivery",
					zap.String("routing_key", d.RoutingKey),
					zap.Error(err),
				)
			}
		}
	}()
	q.log.Debug("Bound RabbitMQ consumer", zap.String("routing_key", s.routingKey))
	return nil
}

func (q *RabbitMQQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// watch redials after the broker drops the connection until Close is called.
func (q *RabbitMQQueue) watch() {
	for {
		q.mu.RLock()
		lost := q.conn.NotifyClose(make(chan *amqp.Error, 1))
		q.mu.RUnlock()

		select {
		case <-q.done:
			return
		case reason, ok := <-lost:
			if !ok || reason == nil {
				return
			}
			q.log.Warn("RabbitMQ connection lost", zap.String("reason", reason.Reason))
		}

		for {
			select {
			case <-q.done:
				return
			case <-time.After(redialWait):
			}
			if err := q.connect(); err != nil {
				q.log.Error("RabbitMQ reconnect failed", zap.Error(err))
				continue
			}
			q.log.Info("Reconnected to RabbitMQ")
			break
		}
	}
}
