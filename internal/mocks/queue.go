package mocks

import (
	"encoding/json"
	"sync"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
)

// MockMessageQueue records published payloads per subject and delivers them
// synchronously to subscribers of the same subject.
type MockMessageQueue struct {
	mu          sync.Mutex
	published   map[string][][]byte
	subscribers map[string][]func([]byte) error

	PublishErr error
	Closed     bool
}

func NewMockMessageQueue() *MockMessageQueue {
	return &MockMessageQueue{
		published:   make(map[string][][]byte),
		subscribers: make(map[string][]func([]byte) error),
	}
}

func (m *MockMessageQueue) Publish(subject string, data []byte) error {
	m.mu.Lock()
	if m.PublishErr != nil {
		m.mu.Unlock()
		return m.PublishErr
	}
	m.published[subject] = append(m.published[subject], data)
	handlers := append([]func([]byte) error(nil), m.subscribers[subject]...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (m *MockMessageQueue) Subscribe(subject string, handler func([]byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[subject] = append(m.subscribers[subject], handler)
	return nil
}

func (m *MockMessageQueue) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Published returns the raw payloads sent to subject.
func (m *MockMessageQueue) Published(subject string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.published[subject]...)
}

// Events decodes the payloads sent to subject, skipping undecodable ones.
func (m *MockMessageQueue) Events(subject string) []domain.TransactionEvent {
	var out []domain.TransactionEvent
	for _, raw := range m.Published(subject) {
		var evt domain.TransactionEvent
		if json.Unmarshal(raw, &evt) == nil {
			out = append(out, evt)
		}
	}
	return out
}
