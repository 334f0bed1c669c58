package domain

import (
	"fmt"
	"time"
)

type AuthorizationState string

const (
	AuthorizationPending      AuthorizationState = "Pending"
	AuthorizationAuthorized   AuthorizationState = "Authorized"
	AuthorizationDeauthorized AuthorizationState = "Deauthorized"
)

type SyncState string

const (
	SyncStateCreated     SyncState = "Created"
	SyncStateRequestSent SyncState = "RequestSent"
	SyncStateConfirmed   SyncState = "Confirmed"
	SyncStateFailed      SyncState = "Failed"
)

// Outstanding reports whether the state still waits for the CSMS.
func (s SyncState) Outstanding() bool {
	return s == SyncStateCreated || s == SyncStateRequestSent
}

// Terminal reports whether no further sync transition is possible.
func (s SyncState) Terminal() bool {
	return s == SyncStateConfirmed || s == SyncStateFailed
}

// LocalKey identifies a transaction before the CSMS has assigned an id.
type LocalKey struct {
	ConnectorID int   `json:"connector_id"`
	BootNr      int   `json:"boot_nr"`
	SeqNo       int64 `json:"seq_no"`
}

func (k LocalKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.ConnectorID, k.BootNr, k.SeqNo)
}

// Transaction is one charging session as seen by the charge point, together
// with its synchronization state towards the CSMS.
type Transaction struct {
	SeqNo          int64     `json:"seq_no"`
	ConnectorID    int       `json:"connector_id"`
	IdTag          string    `json:"id_tag"`
	MeterStart     int       `json:"meter_start"` // Wh
	ReservationID  *int      `json:"reservation_id,omitempty"`
	StartTimestamp time.Time `json:"start_timestamp"`
	StartBootNr    int       `json:"start_boot_nr"`

	// TransactionID stays nil until the CSMS assigns one.
	TransactionID *int    `json:"transaction_id,omitempty"`
	ParentIdTag   *string `json:"parent_id_tag,omitempty"`

	AuthorizationState AuthorizationState `json:"authorization_state"`
	SyncState          SyncState          `json:"sync_state"`

	// Request holds the exact StartTransaction payload once built, so a
	// retransmission after restart sends the same bytes.
	Request      []byte `json:"-"`
	RequestToken string `json:"request_token,omitempty"`

	TimestampAdjusted      bool   `json:"timestamp_adjusted"`
	TimestampUncorrectable bool   `json:"timestamp_uncorrectable"`
	FailureReason          string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *Transaction) Key() LocalKey {
	return LocalKey{ConnectorID: t.ConnectorID, BootNr: t.StartBootNr, SeqNo: t.SeqNo}
}

func (t *Transaction) HasTransactionID() bool {
	return t.TransactionID != nil
}

// Clone returns a deep copy so callers can mutate without touching the
// store's view of the record.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.ReservationID != nil {
		v := *t.ReservationID
		c.ReservationID = &v
	}
	if t.TransactionID != nil {
		v := *t.TransactionID
		c.TransactionID = &v
	}
	if t.ParentIdTag != nil {
		v := *t.ParentIdTag
		c.ParentIdTag = &v
	}
	if t.Request != nil {
		c.Request = append([]byte(nil), t.Request...)
	}
	return &c
}

// MarkRequestSent moves a freshly created record to RequestSent and stores
// the payload that went out.
func (t *Transaction) MarkRequestSent(payload []byte) error {
	if t.SyncState != SyncStateCreated {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.SyncState, SyncStateRequestSent)
	}
	t.Request = append([]byte(nil), payload...)
	t.SyncState = SyncStateRequestSent
	return nil
}

// AdjustStartTimestamp replaces a pre-boot start timestamp. It may only happen once.
func (t *Transaction) AdjustStartTimestamp(ts time.Time) error {
	if t.TimestampAdjusted {
		return fmt.Errorf("%w: start timestamp already adjusted", ErrInvalidTransition)
	}
	t.StartTimestamp = ts
	t.TimestampAdjusted = true
	return nil
}

func (t *Transaction) Authorize(parentIdTag *string) error {
	if t.AuthorizationState != AuthorizationPending {
		return fmt.Errorf("%w: authorization %s -> %s", ErrInvalidTransition, t.AuthorizationState, AuthorizationAuthorized)
	}
	t.AuthorizationState = AuthorizationAuthorized
	if parentIdTag != nil && t.ParentIdTag == nil {
		v := *parentIdTag
		t.ParentIdTag = &v
	}
	return nil
}

func (t *Transaction) Deauthorize() error {
	if t.AuthorizationState != AuthorizationPending {
		return fmt.Errorf("%w: authorization %s -> %s", ErrInvalidTransition, t.AuthorizationState, AuthorizationDeauthorized)
	}
	t.AuthorizationState = AuthorizationDeauthorized
	return nil
}

// Confirm assigns the CSMS transaction id. Only positive ids are valid.
func (t *Transaction) Confirm(transactionID int) error {
	if t.SyncState != SyncStateRequestSent {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.SyncState, SyncStateConfirmed)
	}
	if transactionID <= 0 {
		return fmt.Errorf("%w: transactionId %d", ErrProtocolViolation, transactionID)
	}
	id := transactionID
	t.TransactionID = &id
	t.SyncState = SyncStateConfirmed
	return nil
}

func (t *Transaction) Fail(reason string) error {
	if t.SyncState.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.SyncState, SyncStateFailed)
	}
	t.TransactionID = nil
	t.SyncState = SyncStateFailed
	t.FailureReason = reason
	return nil
}

// MeteringTag is what energy accounting attaches to meter samples. It only
// exists for confirmed transactions.
type MeteringTag struct {
	ConnectorID   int `json:"connector_id"`
	TransactionID int `json:"transaction_id"`
	MeterStart    int `json:"meter_start"`
}

// ConnectorStatus is the latest known transaction of one connector.
type ConnectorStatus struct {
	ConnectorID int          `json:"connector_id"`
	Busy        bool         `json:"busy"`
	Transaction *Transaction `json:"transaction,omitempty"`
}
