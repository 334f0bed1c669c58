package mocks

import (
	"context"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
	"github.com/seu-repo/sigec-chargepoint/internal/ports"
)

// MockTransactionStore is a mock implementation of TransactionStore. Calls
// without an override go to the wrapped store, so tests can inject a single
// failure into an otherwise real store.
type MockTransactionStore struct {
	ports.TransactionStore
	CommitFunc         func(ctx context.Context, tx *domain.Transaction) error
	LoadFunc           func(ctx context.Context, key domain.LocalKey) (*domain.Transaction, error)
	ListUnfinishedFunc func(ctx context.Context) ([]domain.Transaction, error)
}

func NewMockTransactionStore(delegate ports.TransactionStore) *MockTransactionStore {
	return &MockTransactionStore{TransactionStore: delegate}
}

func (m *MockTransactionStore) Commit(ctx context.Context, tx *domain.Transaction) error {
	if m.CommitFunc != nil {
		return m.CommitFunc(ctx, tx)
	}
	return m.TransactionStore.Commit(ctx, tx)
}

func (m *MockTransactionStore) Load(ctx context.Context, key domain.LocalKey) (*domain.Transaction, error) {
	if m.LoadFunc != nil {
		return m.LoadFunc(ctx, key)
	}
	return m.TransactionStore.Load(ctx, key)
}

func (m *MockTransactionStore) ListUnfinished(ctx context.Context) ([]domain.Transaction, error) {
	if m.ListUnfinishedFunc != nil {
		return m.ListUnfinishedFunc(ctx)
	}
	return m.TransactionStore.ListUnfinished(ctx)
}
