package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
	"github.com/seu-repo/sigec-chargepoint/internal/observability/telemetry"
	"github.com/seu-repo/sigec-chargepoint/internal/ports"
)

const transactionColumns = `seq_no, connector_id, id_tag, meter_start, reservation_id,
	start_timestamp, start_boot_nr, transaction_id, parent_id_tag,
	authorization_state, sync_state, request, request_token,
	timestamp_adjusted, timestamp_uncorrectable, failure_reason,
	created_at, updated_at`

type TransactionStore struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

func NewTransactionStore(db *sql.DB, log *zap.Logger) *TransactionStore {
	return &TransactionStore{
		db:  db,
		log: log,
		now: time.Now,
	}
}

var (
	_ ports.TransactionStore = (*TransactionStore)(nil)
	_ ports.BootRepository   = (*TransactionStore)(nil)
)

func (s *TransactionStore) Create(ctx context.Context, p ports.CreateTransactionParams) (*domain.Transaction, error) {
	defer telemetry.ObserveStore("create", time.Now())
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", domain.ErrPersistence, err)
	}
	defer sqlTx.Rollback()

	var outstanding int
	err = sqlTx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE connector_id = ? AND sync_state IN (?, ?)`,
		p.ConnectorID, domain.SyncStateCreated, domain.SyncStateRequestSent,
	).Scan(&outstanding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if outstanding > 0 {
		return nil, domain.ErrConnectorBusy
	}

	now := s.now().UTC()
	tx := &domain.Transaction{
		ConnectorID:        p.ConnectorID,
		IdTag:              p.IdTag,
		MeterStart:         p.MeterStart,
		ReservationID:      p.ReservationID,
		StartTimestamp:     p.StartTimestamp.UTC(),
		StartBootNr:        p.BootNr,
		AuthorizationState: domain.AuthorizationPending,
		SyncState:          domain.SyncStateCreated,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	res, err := sqlTx.ExecContext(ctx,
		`INSERT INTO transactions (connector_id, id_tag, meter_start, reservation_id,
			start_timestamp, start_boot_nr, authorization_state, sync_state,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ConnectorID, tx.IdTag, tx.MeterStart, nullInt(tx.ReservationID),
		tx.StartTimestamp.UnixNano(), tx.StartBootNr, tx.AuthorizationState, tx.SyncState,
		now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrConnectorBusy
		}
		return nil, fmt.Errorf("%w: insert: %v", domain.ErrPersistence, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	tx.SeqNo = seq

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", domain.ErrPersistence, err)
	}
	return tx, nil
}

// Commit writes the mutable part of the record in a single statement. The
// immutable key columns take part in the WHERE clause so a stale or foreign
// record cannot overwrite another one.
func (s *TransactionStore) Commit(ctx context.Context, tx *domain.Transaction) error {
	defer telemetry.ObserveStore("commit", time.Now())
	tx.UpdatedAt = s.now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET
			start_timestamp = ?, transaction_id = ?, parent_id_tag = ?,
			authorization_state = ?, sync_state = ?, request = ?, request_token = ?,
			timestamp_adjusted = ?, timestamp_uncorrectable = ?, failure_reason = ?,
			updated_at = ?
		WHERE seq_no = ? AND connector_id = ? AND start_boot_nr = ?
			AND (transaction_id IS NULL OR transaction_id = ?)`,
		tx.StartTimestamp.UTC().UnixNano(), nullInt(tx.TransactionID), nullString(tx.ParentIdTag),
		tx.AuthorizationState, tx.SyncState, tx.Request, tx.RequestToken,
		tx.TimestampAdjusted, tx.TimestampUncorrectable, tx.FailureReason,
		tx.UpdatedAt.UnixNano(),
		tx.SeqNo, tx.ConnectorID, tx.StartBootNr, nullInt(tx.TransactionID),
	)
	if err != nil {
		if isUniqueViolation(err) && strings.Contains(err.Error(), "transactions.transaction_id") {
			return fmt.Errorf("%w: %d", domain.ErrDuplicateTransactionID, derefInt(tx.TransactionID))
		}
		return fmt.Errorf("%w: update %s: %v", domain.ErrPersistence, tx.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, tx.Key())
	}
	return nil
}

func (s *TransactionStore) Load(ctx context.Context, key domain.LocalKey) (*domain.Transaction, error) {
	return s.queryOne(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE seq_no = ? AND connector_id = ? AND start_boot_nr = ?`,
		key.SeqNo, key.ConnectorID, key.BootNr,
	)
}

func (s *TransactionStore) Lookup(ctx context.Context, transactionID int) (*domain.Transaction, error) {
	return s.queryOne(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE transaction_id = ?`,
		transactionID,
	)
}

func (s *TransactionStore) LookupPending(ctx context.Context, connectorID int) (*domain.Transaction, error) {
	return s.queryOne(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE connector_id = ? AND sync_state IN (?, ?)`,
		connectorID, domain.SyncStateCreated, domain.SyncStateRequestSent,
	)
}

func (s *TransactionStore) LookupLatest(ctx context.Context, connectorID int) (*domain.Transaction, error) {
	return s.queryOne(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE connector_id = ? ORDER BY seq_no DESC LIMIT 1`,
		connectorID,
	)
}

func (s *TransactionStore) ListUnfinished(ctx context.Context) ([]domain.Transaction, error) {
	defer telemetry.ObserveStore("list_unfinished", time.Now())
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE sync_state IN (?, ?) ORDER BY seq_no`,
		domain.SyncStateCreated, domain.SyncStateRequestSent,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return txs, nil
}

// NextBootNr increments the persisted boot counter and returns the new value.
func (s *TransactionStore) NextBootNr(ctx context.Context) (int, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx,
		`INSERT INTO boot_info (id, boot_nr) VALUES (1, 1)
		ON CONFLICT(id) DO UPDATE SET boot_nr = boot_nr + 1`,
	); err != nil {
		return 0, fmt.Errorf("%w: boot counter: %v", domain.ErrPersistence, err)
	}
	var bootNr int
	if err := sqlTx.QueryRowContext(ctx, `SELECT boot_nr FROM boot_info WHERE id = 1`).Scan(&bootNr); err != nil {
		return 0, fmt.Errorf("%w: boot counter: %v", domain.ErrPersistence, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return bootNr, nil
}

func (s *TransactionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *TransactionStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *TransactionStore) queryOne(ctx context.Context, query string, args ...interface{}) (*domain.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return tx, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tx             domain.Transaction
		reservationID  sql.NullInt64
		transactionID  sql.NullInt64
		parentIdTag    sql.NullString
		startTimestamp int64
		createdAt      int64
		updatedAt      int64
	)
	err := row.Scan(
		&tx.SeqNo, &tx.ConnectorID, &tx.IdTag, &tx.MeterStart, &reservationID,
		&startTimestamp, &tx.StartBootNr, &transactionID, &parentIdTag,
		&tx.AuthorizationState, &tx.SyncState, &tx.Request, &tx.RequestToken,
		&tx.TimestampAdjusted, &tx.TimestampUncorrectable, &tx.FailureReason,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scan: %v", domain.ErrPersistence, err)
	}

	if reservationID.Valid {
		v := int(reservationID.Int64)
		tx.ReservationID = &v
	}
	if transactionID.Valid {
		v := int(transactionID.Int64)
		tx.TransactionID = &v
	}
	if parentIdTag.Valid {
		v := parentIdTag.String
		tx.ParentIdTag = &v
	}
	tx.StartTimestamp = time.Unix(0, startTimestamp).UTC()
	tx.CreatedAt = time.Unix(0, createdAt).UTC()
	tx.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &tx, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
