package transaction

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/adapter/cache"
	v16 "github.com/seu-repo/sigec-chargepoint/internal/adapter/ocpp/v16"
	"github.com/seu-repo/sigec-chargepoint/internal/adapter/storage/sqlite"
	"github.com/seu-repo/sigec-chargepoint/internal/domain"
	"github.com/seu-repo/sigec-chargepoint/internal/mocks"
	"github.com/seu-repo/sigec-chargepoint/internal/ports"
	"github.com/seu-repo/sigec-chargepoint/internal/service/authorization"
	"github.com/seu-repo/sigec-chargepoint/internal/service/clock"
)

type loopback struct {
	engine *Engine
	client *v16.Client
	clock  *clock.Clock
	events *mocks.MockEventPublisher
	run    func()
}

// newLoopback wires the engine to a real OCPP client talking to the loopback
// responder. Nothing runs until run is called.
func newLoopback(t *testing.T, opts ...v16.HandlersOption) *loopback {
	t.Helper()
	log := zap.NewNop()

	srv := httptest.NewServer(v16.NewServer(v16.NewHandlers(log, opts...), log))
	t.Cleanup(srv.Close)

	db, err := sqlite.NewConnection(filepath.Join(t.TempDir(), "cp.db"), log)
	require.NoError(t, err)
	store := sqlite.NewTransactionStore(db, log)
	t.Cleanup(func() { store.Close() })

	bootNr, err := store.NextBootNr(context.Background())
	require.NoError(t, err)
	clk := clock.New(bootNr, log)

	localCache := cache.NewLocalCache(time.Minute, log)
	t.Cleanup(func() { localCache.Close() })

	client := v16.NewClient(v16.ClientConfig{
		URL:           "ws" + strings.TrimPrefix(srv.URL, "http") + "/ocpp",
		ChargerID:     "charger-01",
		Vendor:        "SIGEC",
		Model:         "CP-1",
		CallTimeout:   2 * time.Second,
		ReconnectWait: 50 * time.Millisecond,
	}, clk, log)

	events := &mocks.MockEventPublisher{}
	engine := NewEngine(store, clk, client,
		authorization.NewGate(localCache, authorization.Config{}, log),
		events,
		Config{Connectors: 2, ResponseTimeout: time.Second, SweepInterval: 50 * time.Millisecond},
		log)
	client.SetResponseHandler(engine)
	client.OnConnect(engine.OnConnected)

	lb := &loopback{engine: engine, client: client, clock: clk, events: events}
	lb.run = func() {
		ctx, cancel := context.WithCancel(context.Background())
		clientDone := make(chan struct{})
		engineDone := make(chan struct{})
		go func() { client.Run(ctx); close(clientDone) }()
		go func() { engine.Run(ctx); close(engineDone) }()
		t.Cleanup(func() {
			cancel()
			<-clientDone
			<-engineDone
		})
	}
	return lb
}

func (lb *loopback) waitFor(t *testing.T, connectorID int, state domain.SyncState) *domain.Transaction {
	t.Helper()
	var tx *domain.Transaction
	require.Eventually(t, func() bool {
		latest, err := lb.engine.LatestTransaction(context.Background(), connectorID)
		if err != nil || latest == nil {
			return false
		}
		tx = latest
		return latest.SyncState == state
	}, 5*time.Second, 20*time.Millisecond)
	return tx
}

func TestLoopback_ConfirmedByCentralSystem(t *testing.T) {
	lb := newLoopback(t, v16.WithTransactionIDs(77))
	lb.run()
	require.Eventually(t, lb.client.Connected, 5*time.Second, 10*time.Millisecond)
	assert.True(t, lb.clock.Synchronized())

	_, err := lb.engine.StartTransaction(context.Background(), ports.StartRequest{ConnectorID: 1, IdTag: "ABC123", MeterStart: 500})
	require.NoError(t, err)

	tx := lb.waitFor(t, 1, domain.SyncStateConfirmed)
	require.NotNil(t, tx.TransactionID)
	assert.Equal(t, 77, *tx.TransactionID)
	assert.Equal(t, domain.AuthorizationAuthorized, tx.AuthorizationState)

	byID, err := lb.engine.TransactionByID(context.Background(), 77)
	require.NoError(t, err)
	assert.Equal(t, tx.Key(), byID.Key())
}

func TestLoopback_SentinelIDIsRejected(t *testing.T) {
	lb := newLoopback(t)
	lb.run()
	require.Eventually(t, lb.client.Connected, 5*time.Second, 10*time.Millisecond)

	_, err := lb.engine.StartTransaction(context.Background(), ports.StartRequest{ConnectorID: 1, IdTag: "ABC123"})
	require.NoError(t, err)

	tx := lb.waitFor(t, 1, domain.SyncStateFailed)
	assert.Nil(t, tx.TransactionID)

	tag, err := lb.engine.MeteringTag(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, tag)
}

func TestLoopback_OfflineStartSentAfterBoot(t *testing.T) {
	lb := newLoopback(t, v16.WithTransactionIDs(5))

	tx, err := lb.engine.StartTransaction(context.Background(), ports.StartRequest{ConnectorID: 2, IdTag: "ABC123"})
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateCreated, tx.SyncState)
	assert.True(t, tx.StartTimestamp.Before(clock.MinTime))

	lb.run()

	confirmed := lb.waitFor(t, 2, domain.SyncStateConfirmed)
	assert.True(t, confirmed.TimestampAdjusted)
	assert.False(t, confirmed.StartTimestamp.Before(clock.MinTime))
	require.NotNil(t, confirmed.TransactionID)
	assert.Equal(t, 5, *confirmed.TransactionID)
}
