package v16

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
)

// SentinelTransactionID is what a responder without an id source answers.
// Confirmations carrying it are protocol violations on the receiving side.
const SentinelTransactionID = -1

// Handlers answers OCPP 1.6 calls on the loopback responder.
type Handlers struct {
	log       *zap.Logger
	now       func() time.Time
	heartbeat int

	mu      sync.Mutex
	blocked map[string]string
	nextID  int // 0 means no id source
}

type HandlersOption func(*Handlers)

// WithTransactionIDs makes the responder assign increasing transaction ids
// starting at first instead of the sentinel.
func WithTransactionIDs(first int) HandlersOption {
	return func(h *Handlers) { h.nextID = first }
}

// WithDeniedTag answers StartTransaction and Authorize for idTag with status.
func WithDeniedTag(idTag, status string) HandlersOption {
	return func(h *Handlers) { h.blocked[idTag] = status }
}

func WithHeartbeatInterval(seconds int) HandlersOption {
	return func(h *Handlers) { h.heartbeat = seconds }
}

func NewHandlers(log *zap.Logger, opts ...HandlersOption) *Handlers {
	h := &Handlers{
		log:       log,
		now:       time.Now,
		heartbeat: 300,
		blocked:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleMessage routes an OCPP 1.6 action to the appropriate handler. A nil
// result with errNotImplemented becomes a NotImplemented CallError.
func (h *Handlers) HandleMessage(chargePointID, action string, payload json.RawMessage) (interface{}, error) {
	switch action {
	case ActionBootNotification:
		return h.handleBootNotification(chargePointID, payload)
	case ActionHeartbeat:
		return HeartbeatResponse{CurrentTime: h.timestamp()}, nil
	case ActionStatusNotification:
		return h.handleStatusNotification(chargePointID, payload)
	case ActionAuthorize:
		return h.handleAuthorize(chargePointID, payload)
	case ActionStartTransaction:
		return h.handleStartTransaction(chargePointID, payload)
	case ActionStopTransaction, ActionMeterValues:
		h.log.Debug("OCPP 1.6 "+action, zap.String("charge_point_id", chargePointID))
		return struct{}{}, nil
	default:
		h.log.Warn("Unknown OCPP 1.6 action", zap.String("action", action))
		return nil, errNotImplemented
	}
}

var errNotImplemented = errors.New("not implemented")

func (h *Handlers) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}

func (h *Handlers) handleBootNotification(chargePointID string, payload json.RawMessage) (interface{}, error) {
	var req BootNotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid BootNotification: %w", err)
	}

	h.log.Info("OCPP 1.6 BootNotification",
		zap.String("charge_point_id", chargePointID),
		zap.String("vendor", req.ChargePointVendor),
		zap.String("model", req.ChargePointModel),
	)

	return BootNotificationResponse{
		Status:      "Accepted",
		CurrentTime: h.timestamp(),
		Interval:    h.heartbeat,
	}, nil
}

func (h *Handlers) handleStatusNotification(chargePointID string, payload json.RawMessage) (interface{}, error) {
	var req StatusNotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid StatusNotification: %w", err)
	}

	h.log.Info("OCPP 1.6 StatusNotification",
		zap.String("charge_point_id", chargePointID),
		zap.Int("connector_id", req.ConnectorId),
		zap.String("status", req.Status),
		zap.String("error_code", req.ErrorCode),
	)
	return struct{}{}, nil
}

func (h *Handlers) handleAuthorize(chargePointID string, payload json.RawMessage) (interface{}, error) {
	var req AuthorizeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid Authorize: %w", err)
	}

	h.log.Info("OCPP 1.6 Authorize",
		zap.String("charge_point_id", chargePointID),
		zap.String("id_tag", req.IdTag),
	)
	return AuthorizeResponse{IdTagInfo: h.idTagInfo(req.IdTag)}, nil
}

func (h *Handlers) handleStartTransaction(chargePointID string, payload json.RawMessage) (interface{}, error) {
	// Decode loosely so a stray transactionId in the request is visible.
	var req struct {
		StartTransactionRequest
		TransactionId *int `json:"transactionId,omitempty"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid StartTransaction: %w", err)
	}
	if req.TransactionId != nil {
		h.log.Error("StartTransaction request carries a transactionId",
			zap.String("charge_point_id", chargePointID),
			zap.Int("transaction_id", *req.TransactionId),
		)
	}

	h.log.Info("OCPP 1.6 StartTransaction",
		zap.String("charge_point_id", chargePointID),
		zap.Int("connector_id", req.ConnectorId),
		zap.String("id_tag", req.IdTag),
		zap.Int("meter_start", req.MeterStart),
	)

	id := h.assignID()
	if id == SentinelTransactionID {
		h.log.Error("Responder has no transaction id source, answering with sentinel",
			zap.String("charge_point_id", chargePointID),
			zap.Int("transaction_id", id),
		)
	}

	return StartTransactionResponse{
		IdTagInfo:     h.idTagInfo(req.IdTag),
		TransactionId: &id,
	}, nil
}

func (h *Handlers) assignID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.nextID <= 0 {
		return SentinelTransactionID
	}
	id := h.nextID
	h.nextID++
	return id
}

func (h *Handlers) idTagInfo(idTag string) domain.IdTagInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	if status, ok := h.blocked[idTag]; ok {
		return domain.IdTagInfo{Status: status}
	}
	return domain.IdTagInfo{Status: domain.AuthorizationStatusAccepted}
}
