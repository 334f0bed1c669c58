package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
	"github.com/seu-repo/sigec-chargepoint/internal/ports"
)

// SentMessage is one call captured by MockTransport.
type SentMessage struct {
	Handle  string
	Action  string
	Payload []byte
}

// MockTransport is a mock implementation of Transport interface. Handles are
// "h1", "h2", ... in send order.
type MockTransport struct {
	mu       sync.Mutex
	sent     []SentMessage
	SendFunc func(ctx context.Context, action string, payload []byte) (string, error)
}

func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (m *MockTransport) Send(ctx context.Context, action string, payload []byte) (string, error) {
	if m.SendFunc != nil {
		return m.SendFunc(ctx, action, payload)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	handle := fmt.Sprintf("h%d", len(m.sent)+1)
	m.sent = append(m.sent, SentMessage{
		Handle:  handle,
		Action:  action,
		Payload: append([]byte(nil), payload...),
	})
	return handle, nil
}

// Sent returns a copy of every captured call.
func (m *MockTransport) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// Last returns the most recent call, or false if nothing was sent.
func (m *MockTransport) Last() (SentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// MockEventPublisher is a mock implementation of EventPublisher interface
type MockEventPublisher struct {
	mu          sync.Mutex
	events      []domain.TransactionEvent
	PublishFunc func(ctx context.Context, evt domain.TransactionEvent) error
}

func (m *MockEventPublisher) PublishTransactionEvent(ctx context.Context, evt domain.TransactionEvent) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, evt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *MockEventPublisher) Events() []domain.TransactionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TransactionEvent(nil), m.events...)
}

// MockTransactionService is a mock implementation of TransactionService interface
type MockTransactionService struct {
	StartTransactionFunc  func(ctx context.Context, req ports.StartRequest) (*domain.Transaction, error)
	LatestTransactionFunc func(ctx context.Context, connectorID int) (*domain.Transaction, error)
	TransactionByIDFunc   func(ctx context.Context, transactionID int) (*domain.Transaction, error)
	ConnectorStatusFunc   func(ctx context.Context) ([]domain.ConnectorStatus, error)
	MeteringTagFunc       func(ctx context.Context, connectorID int) (*domain.MeteringTag, error)
}

var _ ports.TransactionService = (*MockTransactionService)(nil)

func (m *MockTransactionService) StartTransaction(ctx context.Context, req ports.StartRequest) (*domain.Transaction, error) {
	if m.StartTransactionFunc != nil {
		return m.StartTransactionFunc(ctx, req)
	}
	return &domain.Transaction{
		ConnectorID:        req.ConnectorID,
		IdTag:              req.IdTag,
		MeterStart:         req.MeterStart,
		AuthorizationState: domain.AuthorizationPending,
		SyncState:          domain.SyncStateRequestSent,
	}, nil
}

func (m *MockTransactionService) LatestTransaction(ctx context.Context, connectorID int) (*domain.Transaction, error) {
	if m.LatestTransactionFunc != nil {
		return m.LatestTransactionFunc(ctx, connectorID)
	}
	return nil, nil
}

func (m *MockTransactionService) TransactionByID(ctx context.Context, transactionID int) (*domain.Transaction, error) {
	if m.TransactionByIDFunc != nil {
		return m.TransactionByIDFunc(ctx, transactionID)
	}
	return nil, domain.ErrTransactionNotFound
}

func (m *MockTransactionService) ConnectorStatus(ctx context.Context) ([]domain.ConnectorStatus, error) {
	if m.ConnectorStatusFunc != nil {
		return m.ConnectorStatusFunc(ctx)
	}
	return []domain.ConnectorStatus{}, nil
}

func (m *MockTransactionService) MeteringTag(ctx context.Context, connectorID int) (*domain.MeteringTag, error) {
	if m.MeteringTagFunc != nil {
		return m.MeteringTagFunc(ctx, connectorID)
	}
	return nil, nil
}
