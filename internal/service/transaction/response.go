package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	v16 "github.com/seu-repo/sigec-chargepoint/internal/adapter/ocpp/v16"
	"github.com/seu-repo/sigec-chargepoint/internal/domain"
	"github.com/seu-repo/sigec-chargepoint/internal/observability/telemetry"
)

const applyTimeout = 10 * time.Second

// OnResponse is called by the transport for every CallResult it cannot
// correlate itself.
func (e *Engine) OnResponse(handle string, payload json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	if err := e.ApplyResponse(ctx, handle, payload); err != nil && !errors.Is(err, domain.ErrProtocolViolation) {
		e.log.Error("Failed to apply StartTransaction response",
			zap.String("handle", handle),
			zap.Error(err),
		)
	}
}

// OnCallError treats a CallError as a transport failure: the record stays
// RequestSent and is retransmitted on the next sweep.
func (e *Engine) OnCallError(handle string, code, description string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key, ok := e.byHandle[handle]
	if !ok {
		e.log.Warn("Ignoring CallError for unknown request",
			zap.String("handle", handle),
			zap.String("code", code),
		)
		return
	}
	delete(e.byHandle, handle)
	if p, ok := e.pending[key]; ok && p.handle == handle {
		p.sentAt = time.Time{}
	}

	e.log.Warn("StartTransaction answered with CallError, will retransmit",
		zap.Stringer("key", key),
		zap.String("code", code),
		zap.String("description", description),
		zap.Error(domain.ErrTransportFailure),
	)
}

// ApplyResponse resolves the record correlated with handle. It returns an
// error wrapping ErrProtocolViolation when the CSMS accepted the request
// without a usable transaction id, and the store error when the commit
// failed; in the latter case the handle stays pending.
func (e *Engine) ApplyResponse(ctx context.Context, handle string, payload json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key, ok := e.byHandle[handle]
	if !ok {
		e.log.Warn("Ignoring response for unknown request", zap.String("handle", handle))
		return nil
	}

	ctx, span := e.tracer.Start(ctx, "transaction.apply_response", trace.WithAttributes(
		attribute.String("local_key", key.String()),
		attribute.String("handle", handle),
	))
	defer span.End()

	tx, err := e.store.Load(ctx, key)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if tx == nil {
		e.forget(key)
		return fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, key)
	}
	if tx.SyncState != domain.SyncStateRequestSent {
		e.log.Warn("Ignoring response for transaction no longer awaiting one",
			zap.Stringer("key", key),
			zap.String("sync_state", string(tx.SyncState)),
		)
		e.forget(key)
		return nil
	}

	info, violation := applyConfirmation(tx, payload)

	err = e.store.Commit(ctx, tx)
	if errors.Is(err, domain.ErrDuplicateTransactionID) {
		dup := *tx.TransactionID
		tx, err = e.failDuplicate(ctx, tx, dup)
		violation = fmt.Errorf("%w: duplicate transactionId %d", domain.ErrProtocolViolation, dup)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		e.log.Error("Commit failed, transaction stays RequestSent",
			zap.Stringer("key", key),
			zap.Error(err),
		)
		return err
	}
	e.forget(key)

	e.report(ctx, tx, info, violation)
	if violation != nil {
		span.RecordError(violation)
		span.SetStatus(codes.Error, "protocol violation")
	}
	span.SetAttributes(attribute.String("sync_state", string(tx.SyncState)))

	if tx.SyncState == domain.SyncStateConfirmed {
		if err := e.gate.Notify(ctx, tx.IdTag, info); err != nil {
			e.log.Warn("Failed to update authorization cache",
				zap.String("id_tag", tx.IdTag),
				zap.Error(err),
			)
		}
	}
	e.publish(ctx, tx, info)
	return violation
}

// failDuplicate fails a record whose confirmation reused a transaction id
// held by another record. The id is not stored; the authorization outcome is.
func (e *Engine) failDuplicate(ctx context.Context, confirmed *domain.Transaction, dup int) (*domain.Transaction, error) {
	tx, err := e.store.Load(ctx, confirmed.Key())
	if err != nil {
		return confirmed, err
	}
	if tx == nil {
		return confirmed, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, confirmed.Key())
	}
	tx.AuthorizationState = confirmed.AuthorizationState
	tx.ParentIdTag = confirmed.ParentIdTag

	if err := tx.Fail(fmt.Sprintf("duplicate transactionId %d", dup)); err != nil {
		return tx, err
	}
	if err := e.store.Commit(ctx, tx); err != nil {
		return tx, err
	}
	return tx, nil
}

// applyConfirmation applies a StartTransaction.conf to a RequestSent record.
// A missing or non-positive transaction id fails the record; no substitute
// id is ever assigned.
func applyConfirmation(tx *domain.Transaction, payload json.RawMessage) (domain.IdTagInfo, error) {
	var resp v16.StartTransactionResponse
	if err := json.Unmarshal(payload, &resp); err != nil || resp.IdTagInfo.Status == "" {
		reason := "malformed StartTransaction response"
		if err != nil {
			reason = fmt.Sprintf("%s: %v", reason, err)
		}
		_ = tx.Fail(reason)
		return domain.IdTagInfo{}, fmt.Errorf("%w: %s", domain.ErrProtocolViolation, reason)
	}

	if resp.IdTagInfo.Accepted() {
		_ = tx.Authorize(resp.IdTagInfo.ParentIdTag)
	} else {
		_ = tx.Deauthorize()
	}

	if resp.TransactionId == nil {
		reason := "missing transactionId"
		_ = tx.Fail(reason)
		return resp.IdTagInfo, fmt.Errorf("%w: %s", domain.ErrProtocolViolation, reason)
	}
	if err := tx.Confirm(*resp.TransactionId); err != nil {
		_ = tx.Fail(fmt.Sprintf("invalid transactionId %d", *resp.TransactionId))
		return resp.IdTagInfo, err
	}
	return resp.IdTagInfo, nil
}

// report logs and counts the outcome. Denials and protocol violations are
// kept apart: the first is a business outcome, the second a CSMS bug.
func (e *Engine) report(ctx context.Context, tx *domain.Transaction, info domain.IdTagInfo, violation error) {
	fields := []zap.Field{
		zap.Stringer("key", tx.Key()),
		zap.String("id_tag", tx.IdTag),
		zap.String("status", info.Status),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}

	if tx.AuthorizationState == domain.AuthorizationDeauthorized {
		telemetry.DeauthorizationsTotal.WithLabelValues(info.Status, "csms").Inc()
		e.log.Warn("Id tag deauthorized by central system",
			append(fields, zap.String("outcome", "deauthorized"))...)
	}

	switch tx.SyncState {
	case domain.SyncStateConfirmed:
		telemetry.TransactionSyncTotal.WithLabelValues("confirmed").Inc()
		e.log.Info("Transaction confirmed",
			append(fields, zap.Int("transaction_id", *tx.TransactionID), zap.String("outcome", "confirmed"))...)
	case domain.SyncStateFailed:
		telemetry.TransactionSyncTotal.WithLabelValues("failed").Inc()
		if violation != nil {
			telemetry.ProtocolViolationsTotal.Inc()
			e.log.Error("Central system response violates protocol, transaction failed",
				append(fields, zap.String("outcome", "protocol_violation"), zap.Error(violation))...)
		}
	}
}

func (e *Engine) publish(ctx context.Context, tx *domain.Transaction, info domain.IdTagInfo) {
	if e.events == nil {
		return
	}

	evtType := domain.EventTransactionConfirmed
	switch {
	case tx.AuthorizationState == domain.AuthorizationDeauthorized:
		evtType = domain.EventTransactionDeauthorized
	case tx.SyncState == domain.SyncStateFailed:
		evtType = domain.EventTransactionFailed
	}

	err := e.events.PublishTransactionEvent(ctx, domain.TransactionEvent{
		Type:           evtType,
		ConnectorID:    tx.ConnectorID,
		BootNr:         tx.StartBootNr,
		SeqNo:          tx.SeqNo,
		IdTag:          tx.IdTag,
		MeterStart:     tx.MeterStart,
		StartTimestamp: tx.StartTimestamp,
		TransactionID:  tx.TransactionID,
		Status:         info.Status,
		Reason:         tx.FailureReason,
	})
	if err != nil {
		e.log.Warn("Failed to publish transaction event",
			zap.String("type", string(evtType)),
			zap.Stringer("key", tx.Key()),
			zap.Error(err),
		)
	}
}
