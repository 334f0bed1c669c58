package queue

import (
	"fmt"

	"go.uber.org/zap"
)

// MessageQueue defines the interface for a message queue adapter
type MessageQueue interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte) error) error
	Close() error
}

// New connects to the broker selected by driver ("nats" or "rabbitmq").
// An empty driver disables event publishing and returns a nil queue.
func New(driver, url string, log *zap.Logger) (MessageQueue, error) {
	switch driver {
	case "":
		log.Info("Event publishing disabled")
		return nil, nil
	case "nats":
		return NewNATSQueue(url, log)
	case "rabbitmq", "amqp":
		return NewRabbitMQQueue(url, log)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", driver)
	}
}
