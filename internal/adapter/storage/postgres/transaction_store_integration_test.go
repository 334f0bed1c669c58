//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
	"github.com/seu-repo/sigec-chargepoint/internal/ports"
)

// databaseURL returns DATABASE_URL when set (CI), otherwise starts a
// throwaway postgres container.
func databaseURL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("sigec_cp_test"),
		tcpostgres.WithUsername("sigec"),
		tcpostgres.WithPassword("sigec_test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("Failed to terminate postgres container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}
	return url
}

func newIntegrationStore(t *testing.T, chargePointID string) (*TransactionStore, string) {
	t.Helper()
	url := databaseURL(t)
	db, err := NewConnection(url, ConnectionOptions{MaxOpenConns: 5}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, RunMigrations(db))
	require.NoError(t, db.Exec("DELETE FROM cp_transactions WHERE charge_point_id = ?", chargePointID).Error)
	require.NoError(t, db.Exec("DELETE FROM cp_boot_info WHERE charge_point_id = ?", chargePointID).Error)

	store := NewTransactionStore(db, chargePointID, zap.NewNop())
	t.Cleanup(func() { store.Close() })
	return store, url
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	store, url := newIntegrationStore(t, "CP-IT-1")
	ctx := context.Background()

	bootNr, err := store.NextBootNr(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, bootNr)

	tx, err := store.Create(ctx, ports.CreateTransactionParams{
		ConnectorID:    1,
		IdTag:          "ABC123",
		MeterStart:     500,
		StartTimestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		BootNr:         bootNr,
	})
	require.NoError(t, err)

	_, err = store.Create(ctx, ports.CreateTransactionParams{ConnectorID: 1, IdTag: "OTHER", BootNr: bootNr,
		StartTimestamp: time.Now()})
	assert.ErrorIs(t, err, domain.ErrConnectorBusy)

	require.NoError(t, tx.MarkRequestSent([]byte(`{"connectorId":1}`)))
	require.NoError(t, store.Commit(ctx, tx))
	require.NoError(t, tx.Authorize(nil))
	require.NoError(t, tx.Confirm(77))
	require.NoError(t, store.Commit(ctx, tx))

	byID, err := store.Lookup(ctx, 77)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, tx.Key(), byID.Key())

	// verify the durable row with a plain driver
	raw, err := sql.Open("postgres", url)
	require.NoError(t, err)
	defer raw.Close()

	var state string
	var txID sql.NullInt64
	err = raw.QueryRowContext(ctx,
		"SELECT sync_state, transaction_id FROM cp_transactions WHERE charge_point_id = $1 AND seq_no = $2",
		"CP-IT-1", tx.SeqNo,
	).Scan(&state, &txID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.SyncStateConfirmed), state)
	assert.Equal(t, int64(77), txID.Int64)
}

func TestPostgresStore_ScopedByChargePoint(t *testing.T) {
	a, _ := newIntegrationStore(t, "CP-IT-A")
	b, _ := newIntegrationStore(t, "CP-IT-B")
	ctx := context.Background()

	params := ports.CreateTransactionParams{ConnectorID: 1, IdTag: "TAG", BootNr: 1, StartTimestamp: time.Now()}
	_, err := a.Create(ctx, params)
	require.NoError(t, err)
	_, err = b.Create(ctx, params)
	require.NoError(t, err)

	unfinished, err := a.ListUnfinished(ctx)
	require.NoError(t, err)
	assert.Len(t, unfinished, 1)
}

func TestPostgresStore_DuplicateTransactionID(t *testing.T) {
	store, _ := newIntegrationStore(t, "CP-IT-DUP")
	ctx := context.Background()

	confirm := func(connectorID, id int) (*domain.Transaction, error) {
		tx, err := store.Create(ctx, ports.CreateTransactionParams{
			ConnectorID:    connectorID,
			IdTag:          "ABC123",
			StartTimestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			BootNr:         1,
		})
		require.NoError(t, err)
		require.NoError(t, tx.MarkRequestSent([]byte(`{}`)))
		require.NoError(t, store.Commit(ctx, tx))
		require.NoError(t, tx.Authorize(nil))
		require.NoError(t, tx.Confirm(id))
		return tx, store.Commit(ctx, tx)
	}

	_, err := confirm(1, 501)
	require.NoError(t, err)

	second, err := confirm(2, 501)
	assert.ErrorIs(t, err, domain.ErrDuplicateTransactionID)

	loaded, err := store.Load(ctx, second.Key())
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateRequestSent, loaded.SyncState)
}
