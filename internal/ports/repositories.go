package ports

import (
	"context"
	"time"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
)

// TransactionStore is the durable, keyed collection of transaction records.
// Implementations must make Commit atomic: after a crash either the previous
// or the new state is visible, never a mix.
type TransactionStore interface {
	Create(ctx context.Context, params CreateTransactionParams) (*domain.Transaction, error)
	Commit(ctx context.Context, tx *domain.Transaction) error
	Load(ctx context.Context, key domain.LocalKey) (*domain.Transaction, error)
	Lookup(ctx context.Context, transactionID int) (*domain.Transaction, error)
	LookupPending(ctx context.Context, connectorID int) (*domain.Transaction, error)
	LookupLatest(ctx context.Context, connectorID int) (*domain.Transaction, error)
	ListUnfinished(ctx context.Context) ([]domain.Transaction, error)
	Ping(ctx context.Context) error
	Close() error
}

type CreateTransactionParams struct {
	ConnectorID    int
	IdTag          string
	MeterStart     int
	ReservationID  *int
	StartTimestamp time.Time
	BootNr         int
}

// BootRepository persists the boot epoch counter.
type BootRepository interface {
	NextBootNr(ctx context.Context) (int, error)
}
