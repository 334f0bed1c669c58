package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
	"github.com/seu-repo/sigec-chargepoint/internal/observability/telemetry"
	"github.com/seu-repo/sigec-chargepoint/internal/ports"
)

type transactionModel struct {
	SeqNo                  int64     `gorm:"column:seq_no;primaryKey;autoIncrement"`
	ChargePointID          string    `gorm:"column:charge_point_id;not null;index:ix_cp_transactions_connector,priority:1;uniqueIndex:ux_cp_transactions_txid,priority:1"`
	ConnectorID            int       `gorm:"column:connector_id;not null;index:ix_cp_transactions_connector,priority:2"`
	IdTag                  string    `gorm:"column:id_tag;not null"`
	MeterStart             int       `gorm:"column:meter_start;not null"`
	ReservationID          *int      `gorm:"column:reservation_id"`
	StartTimestamp         time.Time `gorm:"column:start_timestamp;not null"`
	StartBootNr            int       `gorm:"column:start_boot_nr;not null"`
	TransactionID          *int      `gorm:"column:transaction_id;uniqueIndex:ux_cp_transactions_txid,priority:2"`
	ParentIdTag            *string   `gorm:"column:parent_id_tag"`
	AuthorizationState     string    `gorm:"column:authorization_state;not null"`
	SyncState              string    `gorm:"column:sync_state;not null"`
	Request                []byte    `gorm:"column:request"`
	RequestToken           string    `gorm:"column:request_token;not null;default:''"`
	TimestampAdjusted      bool      `gorm:"column:timestamp_adjusted;not null;default:false"`
	TimestampUncorrectable bool      `gorm:"column:timestamp_uncorrectable;not null;default:false"`
	FailureReason          string    `gorm:"column:failure_reason;not null;default:''"`
	CreatedAt              time.Time `gorm:"column:created_at"`
	UpdatedAt              time.Time `gorm:"column:updated_at"`
}

func (transactionModel) TableName() string { return "cp_transactions" }

type bootInfoModel struct {
	ChargePointID string `gorm:"column:charge_point_id;primaryKey"`
	BootNr        int    `gorm:"column:boot_nr;not null"`
}

func (bootInfoModel) TableName() string { return "cp_boot_info" }

// TransactionStore keeps charge point transactions in PostgreSQL. Several
// charge points behind one site controller share the tables, so every
// query is scoped by charge point id.
type TransactionStore struct {
	db            *gorm.DB
	chargePointID string
	log           *zap.Logger
}

func NewTransactionStore(db *gorm.DB, chargePointID string, log *zap.Logger) *TransactionStore {
	return &TransactionStore{
		db:            db,
		chargePointID: chargePointID,
		log:           log,
	}
}

var (
	_ ports.TransactionStore = (*TransactionStore)(nil)
	_ ports.BootRepository   = (*TransactionStore)(nil)
)

func (s *TransactionStore) Create(ctx context.Context, p ports.CreateTransactionParams) (*domain.Transaction, error) {
	defer telemetry.ObserveStore("create", time.Now())
	var created transactionModel
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var outstanding int64
		if err := db.Model(&transactionModel{}).
			Where("charge_point_id = ? AND connector_id = ? AND sync_state IN ?", s.chargePointID, p.ConnectorID, outstandingStates()).
			Count(&outstanding).Error; err != nil {
			return err
		}
		if outstanding > 0 {
			return domain.ErrConnectorBusy
		}

		created = transactionModel{
			ChargePointID:      s.chargePointID,
			ConnectorID:        p.ConnectorID,
			IdTag:              p.IdTag,
			MeterStart:         p.MeterStart,
			ReservationID:      p.ReservationID,
			StartTimestamp:     p.StartTimestamp.UTC(),
			StartBootNr:        p.BootNr,
			AuthorizationState: string(domain.AuthorizationPending),
			SyncState:          string(domain.SyncStateCreated),
		}
		return db.Create(&created).Error
	})
	if err != nil {
		if errors.Is(err, domain.ErrConnectorBusy) || errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, domain.ErrConnectorBusy
		}
		return nil, fmt.Errorf("%w: create: %v", domain.ErrPersistence, err)
	}
	return created.toDomain(), nil
}

func (s *TransactionStore) Commit(ctx context.Context, tx *domain.Transaction) error {
	defer telemetry.ObserveStore("commit", time.Now())
	tx.UpdatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&transactionModel{}).
		Where("seq_no = ? AND charge_point_id = ? AND connector_id = ? AND start_boot_nr = ?",
			tx.SeqNo, s.chargePointID, tx.ConnectorID, tx.StartBootNr).
		Where("(transaction_id IS NULL OR transaction_id = ?)", tx.TransactionID).
		Updates(map[string]interface{}{
			"start_timestamp":         tx.StartTimestamp.UTC(),
			"transaction_id":          tx.TransactionID,
			"parent_id_tag":           tx.ParentIdTag,
			"authorization_state":     string(tx.AuthorizationState),
			"sync_state":              string(tx.SyncState),
			"request":                 tx.Request,
			"request_token":           tx.RequestToken,
			"timestamp_adjusted":      tx.TimestampAdjusted,
			"timestamp_uncorrectable": tx.TimestampUncorrectable,
			"failure_reason":          tx.FailureReason,
			"updated_at":              tx.UpdatedAt,
		})
	if res.Error != nil {
		// transaction_id is the only unique column an update can collide on.
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) && tx.TransactionID != nil {
			return fmt.Errorf("%w: %d", domain.ErrDuplicateTransactionID, *tx.TransactionID)
		}
		return fmt.Errorf("%w: update %s: %v", domain.ErrPersistence, tx.Key(), res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, tx.Key())
	}
	return nil
}

func (s *TransactionStore) Load(ctx context.Context, key domain.LocalKey) (*domain.Transaction, error) {
	return s.first(s.scoped(ctx).
		Where("seq_no = ? AND connector_id = ? AND start_boot_nr = ?", key.SeqNo, key.ConnectorID, key.BootNr))
}

func (s *TransactionStore) Lookup(ctx context.Context, transactionID int) (*domain.Transaction, error) {
	return s.first(s.scoped(ctx).Where("transaction_id = ?", transactionID))
}

func (s *TransactionStore) LookupPending(ctx context.Context, connectorID int) (*domain.Transaction, error) {
	return s.first(s.scoped(ctx).
		Where("connector_id = ? AND sync_state IN ?", connectorID, outstandingStates()))
}

func (s *TransactionStore) LookupLatest(ctx context.Context, connectorID int) (*domain.Transaction, error) {
	return s.first(s.scoped(ctx).Where("connector_id = ?", connectorID).Order("seq_no desc"))
}

func (s *TransactionStore) ListUnfinished(ctx context.Context) ([]domain.Transaction, error) {
	defer telemetry.ObserveStore("list_unfinished", time.Now())
	var models []transactionModel
	err := s.scoped(ctx).
		Where("sync_state IN ?", outstandingStates()).
		Order("seq_no").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	txs := make([]domain.Transaction, 0, len(models))
	for i := range models {
		txs = append(txs, *models[i].toDomain())
	}
	return txs, nil
}

func (s *TransactionStore) NextBootNr(ctx context.Context) (int, error) {
	var info bootInfoModel
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&info, "charge_point_id = ?", s.chargePointID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			info = bootInfoModel{ChargePointID: s.chargePointID, BootNr: 1}
			return db.Create(&info).Error
		case err != nil:
			return err
		}
		info.BootNr++
		return db.Save(&info).Error
	})
	if err != nil {
		return 0, fmt.Errorf("%w: boot counter: %v", domain.ErrPersistence, err)
	}
	return info.BootNr, nil
}

func (s *TransactionStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *TransactionStore) Close() error {
	return Close(s.db)
}

func (s *TransactionStore) scoped(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Where("charge_point_id = ?", s.chargePointID)
}

func (s *TransactionStore) first(q *gorm.DB) (*domain.Transaction, error) {
	var m transactionModel
	if err := q.First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return m.toDomain(), nil
}

func outstandingStates() []string {
	return []string{string(domain.SyncStateCreated), string(domain.SyncStateRequestSent)}
}

func (m *transactionModel) toDomain() *domain.Transaction {
	return &domain.Transaction{
		SeqNo:                  m.SeqNo,
		ConnectorID:            m.ConnectorID,
		IdTag:                  m.IdTag,
		MeterStart:             m.MeterStart,
		ReservationID:          m.ReservationID,
		StartTimestamp:         m.StartTimestamp.UTC(),
		StartBootNr:            m.StartBootNr,
		TransactionID:          m.TransactionID,
		ParentIdTag:            m.ParentIdTag,
		AuthorizationState:     domain.AuthorizationState(m.AuthorizationState),
		SyncState:              domain.SyncState(m.SyncState),
		Request:                m.Request,
		RequestToken:           m.RequestToken,
		TimestampAdjusted:      m.TimestampAdjusted,
		TimestampUncorrectable: m.TimestampUncorrectable,
		FailureReason:          m.FailureReason,
		CreatedAt:              m.CreatedAt.UTC(),
		UpdatedAt:              m.UpdatedAt.UTC(),
	}
}
