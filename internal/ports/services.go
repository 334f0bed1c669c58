package ports

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
)

// Clock provides device time and the boot epoch.
type Clock interface {
	Now() time.Time
	BootNr() int
	IsPreboot(t time.Time) bool
	Synchronized() bool
	AdjustPrebootTimestamp(t time.Time) time.Time
}

// Transport delivers OCPP calls to the CSMS. Send returns an opaque
// correlation handle; the result arrives later through ResponseHandler.
type Transport interface {
	Send(ctx context.Context, action string, payload []byte) (string, error)
}

// ResponseHandler receives asynchronous results for calls made through a Transport.
type ResponseHandler interface {
	OnResponse(handle string, payload json.RawMessage)
	OnCallError(handle string, code, description string)
}

type AuthorizationGate interface {
	Check(ctx context.Context, idTag string) (domain.GateDecision, error)
	MarkPending(ctx context.Context, idTag string) error
	Notify(ctx context.Context, idTag string, info domain.IdTagInfo) error
}

// ErrCacheMiss is returned by Cache.Get for absent or expired keys.
var ErrCacheMiss = errors.New("cache miss")

type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping() error
	Close() error
}

// EventPublisher fans transaction lifecycle events out to downstream consumers.
type EventPublisher interface {
	PublishTransactionEvent(ctx context.Context, evt domain.TransactionEvent) error
}

// StartRequest is a local request to begin charging on a connector.
type StartRequest struct {
	ConnectorID   int
	IdTag         string
	MeterStart    int
	ReservationID *int
}

type TransactionService interface {
	StartTransaction(ctx context.Context, req StartRequest) (*domain.Transaction, error)
	LatestTransaction(ctx context.Context, connectorID int) (*domain.Transaction, error)
	TransactionByID(ctx context.Context, transactionID int) (*domain.Transaction, error)
	ConnectorStatus(ctx context.Context) ([]domain.ConnectorStatus, error)
	MeteringTag(ctx context.Context, connectorID int) (*domain.MeteringTag, error)
}
