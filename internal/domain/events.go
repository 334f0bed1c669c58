package domain

import "time"

type TransactionEventType string

const (
	EventTransactionConfirmed    TransactionEventType = "transaction.confirmed"
	EventTransactionFailed       TransactionEventType = "transaction.failed"
	EventTransactionDeauthorized TransactionEventType = "transaction.deauthorized"
)

// TransactionEvent is published once a StartTransaction response has been
// applied. Metering consumers key on TransactionID and ignore events without one.
type TransactionEvent struct {
	EventID        string               `json:"event_id"`
	Type           TransactionEventType `json:"type"`
	ChargerID      string               `json:"charger_id"`
	ConnectorID    int                  `json:"connector_id"`
	BootNr         int                  `json:"boot_nr"`
	SeqNo          int64                `json:"seq_no"`
	IdTag          string               `json:"id_tag"`
	MeterStart     int                  `json:"meter_start"`
	StartTimestamp time.Time            `json:"start_timestamp"`
	TransactionID  *int                 `json:"transaction_id,omitempty"`
	Status         string               `json:"status,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	OccurredAt     time.Time            `json:"occurred_at"`
}
