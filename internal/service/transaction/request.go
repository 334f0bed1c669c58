package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	v16 "github.com/seu-repo/sigec-chargepoint/internal/adapter/ocpp/v16"
	"github.com/seu-repo/sigec-chargepoint/internal/domain"
	"github.com/seu-repo/sigec-chargepoint/internal/observability/telemetry"
)

// timestampLayout is ISO 8601 with milliseconds, as sent by the charge point firmware.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// submit builds the request for a Created record, commits it as RequestSent
// and transmits it. Callers hold e.mu.
func (e *Engine) submit(ctx context.Context, tx *domain.Transaction) error {
	payload, ready, err := e.buildRequest(ctx, tx)
	if err != nil || !ready {
		return err
	}
	if err := e.store.Commit(ctx, tx); err != nil {
		return err
	}
	return e.transmit(ctx, tx, payload)
}

// buildRequest moves tx to RequestSent in memory and returns the payload.
// ready is false while a pre-boot timestamp of this boot epoch waits for
// clock synchronization.
func (e *Engine) buildRequest(ctx context.Context, tx *domain.Transaction) ([]byte, bool, error) {
	_, span := e.tracer.Start(ctx, "transaction.build_request", trace.WithAttributes(
		attribute.String("local_key", tx.Key().String()),
	))
	defer span.End()

	if e.clock.IsPreboot(tx.StartTimestamp) {
		switch {
		case tx.StartBootNr != e.clock.BootNr():
			if !tx.TimestampUncorrectable {
				tx.TimestampUncorrectable = true
				telemetry.UncorrectableTimestampsTotal.Inc()
			}
			e.log.Warn("Pre-boot start timestamp from an earlier boot cannot be corrected",
				zap.Stringer("key", tx.Key()),
				zap.Int("start_boot_nr", tx.StartBootNr),
				zap.Int("boot_nr", e.clock.BootNr()),
				zap.Time("start_timestamp", tx.StartTimestamp),
			)
		case !e.clock.Synchronized():
			e.log.Debug("Deferring StartTransaction until clock is synchronized",
				zap.Stringer("key", tx.Key()),
			)
			return nil, false, nil
		default:
			adjusted := e.clock.AdjustPrebootTimestamp(tx.StartTimestamp)
			if err := tx.AdjustStartTimestamp(adjusted); err != nil {
				return nil, false, err
			}
			e.log.Debug("Adjusted pre-boot start timestamp",
				zap.Stringer("key", tx.Key()),
				zap.Time("start_timestamp", adjusted),
			)
		}
	}

	payload, err := json.Marshal(v16.StartTransactionRequest{
		ConnectorId:   tx.ConnectorID,
		IdTag:         tx.IdTag,
		MeterStart:    tx.MeterStart,
		ReservationId: tx.ReservationID,
		Timestamp:     tx.StartTimestamp.UTC().Format(timestampLayout),
	})
	if err != nil {
		return nil, false, fmt.Errorf("marshal StartTransaction: %w", err)
	}
	if err := tx.MarkRequestSent(payload); err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// transmit sends payload for a RequestSent record and registers the handle.
// A send failure leaves the request due for the next sweep. Callers hold e.mu.
func (e *Engine) transmit(ctx context.Context, tx *domain.Transaction, payload []byte) error {
	key := tx.Key()
	p, ok := e.pending[key]
	if !ok {
		p = &pendingRequest{key: key}
		e.pending[key] = p
	}
	p.attempts++
	defer func() { telemetry.PendingRequests.Set(float64(len(e.pending))) }()

	handle, err := e.transport.Send(ctx, v16.ActionStartTransaction, payload)
	if err != nil {
		p.sentAt = e.now().Add(-e.cfg.ResponseTimeout)
		if !errors.Is(err, domain.ErrTransportFailure) {
			err = fmt.Errorf("%w: %v", domain.ErrTransportFailure, err)
		}
		return err
	}
	p.handle = handle
	p.sentAt = e.now()
	e.byHandle[handle] = key

	e.log.Debug("StartTransaction sent",
		zap.Stringer("key", key),
		zap.String("handle", handle),
		zap.Int("attempt", p.attempts),
	)

	// The persisted token is diagnostic only; correlation uses e.byHandle,
	// so a failed write leaves a stale token and nothing else.
	tx.RequestToken = handle
	if err := e.store.Commit(ctx, tx); err != nil {
		e.log.Warn("Failed to record request token", zap.Stringer("key", key), zap.Error(err))
	}
	return nil
}

// Sweep sends every Created record and retransmits RequestSent records whose
// last attempt is older than ResponseTimeout, within the rate limit.
func (e *Engine) Sweep(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	txs, err := e.store.ListUnfinished(ctx)
	if err != nil {
		return err
	}

	now := e.now()
	for i := range txs {
		tx := &txs[i]
		key := tx.Key()

		switch tx.SyncState {
		case domain.SyncStateCreated:
			if err := e.submit(ctx, tx); err != nil {
				e.log.Warn("Failed to send created transaction",
					zap.Stringer("key", key),
					zap.Error(err),
				)
			}

		case domain.SyncStateRequestSent:
			if p, ok := e.pending[key]; ok && now.Sub(p.sentAt) < e.cfg.ResponseTimeout {
				continue
			}
			if len(tx.Request) == 0 {
				e.log.Error("RequestSent record has no stored request", zap.Stringer("key", key))
				continue
			}
			if !e.limiter.Allow() {
				e.log.Debug("Retransmission rate limit reached, deferring", zap.Stringer("key", key))
				continue
			}

			telemetry.RetransmissionsTotal.Inc()
			attempts := 0
			if p, ok := e.pending[key]; ok {
				attempts = p.attempts
			}
			e.log.Info("Retransmitting StartTransaction",
				zap.Stringer("key", key),
				zap.Int("previous_attempts", attempts),
			)
			if err := e.transmit(ctx, tx, tx.Request); err != nil {
				e.log.Warn("Retransmission failed", zap.Stringer("key", key), zap.Error(err))
			}
		}
	}
	return nil
}
