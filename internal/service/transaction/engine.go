package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
	"github.com/seu-repo/sigec-chargepoint/internal/observability/telemetry"
	"github.com/seu-repo/sigec-chargepoint/internal/ports"
)

const maxIdTagLength = 20

type Config struct {
	// Connectors is the number of physical connectors, numbered from 1.
	Connectors int
	// ResponseTimeout is how long a request may stay unanswered before it
	// is retransmitted.
	ResponseTimeout time.Duration
	// SweepInterval paces the retry loop.
	SweepInterval time.Duration
	// RetransmitRate and RetransmitBurst bound retransmissions across all connectors.
	RetransmitRate  rate.Limit
	RetransmitBurst int
}

func (c *Config) setDefaults() {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.RetransmitRate <= 0 {
		c.RetransmitRate = rate.Every(2 * time.Second)
	}
	if c.RetransmitBurst <= 0 {
		c.RetransmitBurst = 4
	}
}

// pendingRequest tracks one StartTransaction awaiting its response.
type pendingRequest struct {
	key      domain.LocalKey
	handle   string
	sentAt   time.Time
	attempts int
}

// Engine drives transaction records from Created to Confirmed or Failed.
// The CSMS is the only source of transaction ids; the engine never assigns one.
type Engine struct {
	store     ports.TransactionStore
	clock     ports.Clock
	transport ports.Transport
	gate      ports.AuthorizationGate
	events    ports.EventPublisher
	cfg       Config
	limiter   *rate.Limiter
	tracer    trace.Tracer
	log       *zap.Logger
	now       func() time.Time

	// mu serializes sends and response application, and guards the
	// correlation maps. Old handles stay mapped until the record leaves
	// RequestSent so a late answer to an earlier attempt still lands.
	mu       sync.Mutex
	pending  map[domain.LocalKey]*pendingRequest
	byHandle map[string]domain.LocalKey
}

var (
	_ ports.ResponseHandler    = (*Engine)(nil)
	_ ports.TransactionService = (*Engine)(nil)
)

func NewEngine(
	store ports.TransactionStore,
	clock ports.Clock,
	transport ports.Transport,
	gate ports.AuthorizationGate,
	events ports.EventPublisher,
	cfg Config,
	log *zap.Logger,
) *Engine {
	cfg.setDefaults()
	return &Engine{
		store:     store,
		clock:     clock,
		transport: transport,
		gate:      gate,
		events:    events,
		cfg:       cfg,
		limiter:   rate.NewLimiter(cfg.RetransmitRate, cfg.RetransmitBurst),
		tracer:    telemetry.Tracer(),
		log:       log,
		now:       time.Now,
		pending:   make(map[domain.LocalKey]*pendingRequest),
		byHandle:  make(map[string]domain.LocalKey),
	}
}

// StartTransaction admits idTag on a connector, creates the record and sends
// StartTransaction.req. A transport failure is not returned: the record is
// durable in RequestSent and the retry loop owns it from there.
func (e *Engine) StartTransaction(ctx context.Context, req ports.StartRequest) (*domain.Transaction, error) {
	if e.cfg.Connectors > 0 && (req.ConnectorID < 1 || req.ConnectorID > e.cfg.Connectors) {
		return nil, fmt.Errorf("%w: %d", domain.ErrUnknownConnector, req.ConnectorID)
	}
	if req.IdTag == "" || len(req.IdTag) > maxIdTagLength {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidIdTag, req.IdTag)
	}

	ctx, span := e.tracer.Start(ctx, "transaction.start", trace.WithAttributes(
		attribute.Int("connector_id", req.ConnectorID),
	))
	defer span.End()

	decision, err := e.gate.Check(ctx, req.IdTag)
	if err != nil {
		e.log.Warn("Authorization cache unavailable, admitting provisionally",
			zap.String("id_tag", req.IdTag),
			zap.Error(err),
		)
	}
	if decision == domain.GateDeauthorized {
		telemetry.DeauthorizationsTotal.WithLabelValues("cached", "cache").Inc()
		e.log.Warn("Id tag rejected by authorization cache",
			zap.String("outcome", "deauthorized"),
			zap.String("id_tag", req.IdTag),
			zap.Int("connector_id", req.ConnectorID),
		)
		return nil, domain.ErrDeauthorized
	}

	tx, err := e.store.Create(ctx, ports.CreateTransactionParams{
		ConnectorID:    req.ConnectorID,
		IdTag:          req.IdTag,
		MeterStart:     req.MeterStart,
		ReservationID:  req.ReservationID,
		StartTimestamp: e.clock.Now(),
		BootNr:         e.clock.BootNr(),
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	telemetry.TransactionsStartedTotal.Inc()
	span.SetAttributes(attribute.String("local_key", tx.Key().String()))

	e.log.Info("Transaction created",
		zap.Stringer("key", tx.Key()),
		zap.String("id_tag", tx.IdTag),
		zap.Int("meter_start", tx.MeterStart),
		zap.String("gate", string(decision)),
	)

	if err := e.gate.MarkPending(ctx, tx.IdTag); err != nil {
		e.log.Warn("Failed to mark id tag pending", zap.String("id_tag", tx.IdTag), zap.Error(err))
	}

	tx, err = e.submitCreated(ctx, tx)

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrTransportFailure):
		e.log.Warn("StartTransaction not delivered, will retransmit",
			zap.Stringer("key", tx.Key()),
			zap.Error(err),
		)
	default:
		span.RecordError(err)
		return tx.Clone(), err
	}
	return tx.Clone(), nil
}

// submitCreated sends tx unless a sweep got to it after Create returned.
// The record is reloaded under e.mu so each record is built and sent once.
func (e *Engine) submitCreated(ctx context.Context, created *domain.Transaction) (*domain.Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.store.Load(ctx, created.Key())
	if err != nil {
		return created, err
	}
	if tx == nil {
		return created, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, created.Key())
	}
	if tx.SyncState != domain.SyncStateCreated {
		return tx, nil
	}
	return tx, e.submit(ctx, tx)
}

// Run resumes unfinished records and then retries them every SweepInterval
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Resume(ctx); err != nil {
		e.log.Error("Resume failed", zap.Error(err))
	}

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil {
				e.log.Error("Retry sweep failed", zap.Error(err))
			}
		}
	}
}

// Resume picks up records left unfinished by a previous process: Created
// records are built and sent, RequestSent records are resent verbatim.
func (e *Engine) Resume(ctx context.Context) error {
	if err := e.Sweep(ctx); err != nil {
		return err
	}
	if n := e.PendingCount(); n > 0 {
		e.log.Info("Resumed unfinished transactions", zap.Int("pending", n))
	}
	return nil
}

// OnConnected marks every outstanding request due, since handles from a
// previous connection will never be answered, and sweeps immediately.
func (e *Engine) OnConnected(ctx context.Context) {
	e.mu.Lock()
	for _, p := range e.pending {
		p.sentAt = time.Time{}
	}
	e.mu.Unlock()

	if err := e.Sweep(ctx); err != nil {
		e.log.Error("Sweep after reconnect failed", zap.Error(err))
	}
}

func (e *Engine) LatestTransaction(ctx context.Context, connectorID int) (*domain.Transaction, error) {
	return e.store.LookupLatest(ctx, connectorID)
}

func (e *Engine) TransactionByID(ctx context.Context, transactionID int) (*domain.Transaction, error) {
	tx, err := e.store.Lookup(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: transactionId %d", domain.ErrTransactionNotFound, transactionID)
	}
	return tx, nil
}

func (e *Engine) ConnectorStatus(ctx context.Context) ([]domain.ConnectorStatus, error) {
	statuses := make([]domain.ConnectorStatus, 0, e.cfg.Connectors)
	for id := 1; id <= e.cfg.Connectors; id++ {
		tx, err := e.store.LookupLatest(ctx, id)
		if err != nil {
			return nil, err
		}
		st := domain.ConnectorStatus{ConnectorID: id, Transaction: tx}
		if tx != nil {
			st.Busy = tx.SyncState.Outstanding()
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// MeteringTag returns the id energy accounting must use for connectorID, or
// nil while its latest transaction is not confirmed.
func (e *Engine) MeteringTag(ctx context.Context, connectorID int) (*domain.MeteringTag, error) {
	tx, err := e.store.LookupLatest(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	if tx == nil || tx.SyncState != domain.SyncStateConfirmed || tx.TransactionID == nil {
		return nil, nil
	}
	return &domain.MeteringTag{
		ConnectorID:   connectorID,
		TransactionID: *tx.TransactionID,
		MeterStart:    tx.MeterStart,
	}, nil
}

// PendingCount reports requests waiting for a response.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// forget drops all correlation state for key. Callers hold e.mu.
func (e *Engine) forget(key domain.LocalKey) {
	delete(e.pending, key)
	for h, k := range e.byHandle {
		if k == key {
			delete(e.byHandle, h)
		}
	}
	telemetry.PendingRequests.Set(float64(len(e.pending)))
}
