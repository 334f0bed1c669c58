package v16

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
	"github.com/seu-repo/sigec-chargepoint/internal/observability/telemetry"
	"github.com/seu-repo/sigec-chargepoint/internal/ports"
)

const writeWait = 10 * time.Second

// ErrNotConnected is returned while no accepted session with the CSMS exists.
var ErrNotConnected = errors.New("ocpp: not connected")

// CallError is a CallError frame received in answer to a synchronous Call.
type CallError struct {
	Code        string
	Description string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("ocpp call error %s: %s", e.Code, e.Description)
}

// TimeSetter receives the CSMS wall clock.
type TimeSetter interface {
	SetTime(real time.Time) bool
}

type ClientConfig struct {
	URL              string
	ChargerID        string
	Vendor           string
	Model            string
	SerialNumber     string
	FirmwareVersion  string
	CallTimeout      time.Duration
	ReconnectWait    time.Duration
	HandshakeTimeout time.Duration
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// Client is the charge point side of an OCPP 1.6-J connection. Calls made
// through Send are answered asynchronously via the registered
// ports.ResponseHandler; Call blocks for its own answer.
type Client struct {
	cfg     ClientConfig
	log     *zap.Logger
	breaker *gobreaker.CircuitBreaker
	clock   TimeSetter

	// mu guards conn and serializes writes.
	mu       sync.Mutex
	conn     *websocket.Conn
	accepted atomic.Bool

	hooksMu   sync.RWMutex
	handler   ports.ResponseHandler
	onConnect []func(ctx context.Context)

	callsMu sync.Mutex
	calls   map[string]chan callResult
}

var _ ports.Transport = (*Client)(nil)

func NewClient(cfg ClientConfig, clock TimeSetter, log *zap.Logger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ocpp-" + cfg.ChargerID,
		MaxRequests: 1,
		Timeout:     cfg.ReconnectWait,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("OCPP circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		cfg:     cfg,
		log:     log,
		breaker: breaker,
		clock:   clock,
		calls:   make(map[string]chan callResult),
	}
}

// Endpoint is the websocket URL: the central system URL with the charger id appended.
func (c *Client) Endpoint() string {
	return strings.TrimRight(c.cfg.URL, "/") + "/" + c.cfg.ChargerID
}

func (c *Client) SetResponseHandler(h ports.ResponseHandler) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.handler = h
}

// OnConnect registers fn to run after every accepted BootNotification.
func (c *Client) OnConnect(fn func(ctx context.Context)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

func (c *Client) Connected() bool {
	return c.accepted.Load()
}

// Run keeps a session open until ctx is cancelled, reconnecting after
// ReconnectWait whenever the connection drops.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("OCPP connection lost, reconnecting",
			zap.String("url", c.Endpoint()),
			zap.Duration("wait", c.cfg.ReconnectWait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectWait):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	telemetry.OCPPConnected.Set(1)

	defer func() {
		c.accepted.Store(false)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		telemetry.OCPPConnected.Set(0)
		c.failCalls(ErrNotConnected)
	}()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.session(sessionCtx)

	select {
	case err := <-readErr:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	url := c.Endpoint()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	if conn.Subprotocol() != Subprotocol {
		c.log.Warn("Central system did not confirm subprotocol",
			zap.String("requested", Subprotocol),
			zap.String("got", conn.Subprotocol()),
		)
	}

	c.log.Info("Connected to central system",
		zap.String("url", url),
		zap.String("charger_id", c.cfg.ChargerID),
	)
	return conn, nil
}

// session registers with the CSMS, runs the connect hooks and then keeps
// the heartbeat going for the lifetime of the connection.
func (c *Client) session(ctx context.Context) {
	interval, ok := c.boot(ctx)
	if !ok {
		return
	}
	c.accepted.Store(true)

	c.hooksMu.RLock()
	hooks := append([]func(context.Context){}, c.onConnect...)
	c.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var resp HeartbeatResponse
			if err := c.Call(ctx, ActionHeartbeat, struct{}{}, &resp); err != nil {
				c.log.Warn("Heartbeat failed", zap.Error(err))
				continue
			}
			c.syncClock(resp.CurrentTime)
		}
	}
}

func (c *Client) boot(ctx context.Context) (time.Duration, bool) {
	req := BootNotificationRequest{
		ChargePointVendor:       c.cfg.Vendor,
		ChargePointModel:        c.cfg.Model,
		ChargePointSerialNumber: c.cfg.SerialNumber,
		FirmwareVersion:         c.cfg.FirmwareVersion,
	}

	for {
		var resp BootNotificationResponse
		err := c.Call(ctx, ActionBootNotification, req, &resp)

		retry := c.cfg.ReconnectWait
		switch {
		case err != nil:
			c.log.Error("BootNotification failed", zap.Error(err))
		case resp.Status == "Accepted":
			c.syncClock(resp.CurrentTime)
			interval := time.Duration(resp.Interval) * time.Second
			if interval <= 0 {
				interval = 5 * time.Minute
			}
			c.log.Info("BootNotification accepted",
				zap.String("current_time", resp.CurrentTime),
				zap.Duration("heartbeat_interval", interval),
			)
			return interval, true
		default:
			c.log.Warn("BootNotification not accepted", zap.String("status", resp.Status))
			c.syncClock(resp.CurrentTime)
			if resp.Interval > 0 {
				retry = time.Duration(resp.Interval) * time.Second
			}
		}

		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(retry):
		}
	}
}

func (c *Client) syncClock(currentTime string) {
	if c.clock == nil || currentTime == "" {
		return
	}
	t, err := time.Parse(time.RFC3339, currentTime)
	if err != nil {
		c.log.Warn("Unparseable currentTime from central system",
			zap.String("current_time", currentTime),
			zap.Error(err),
		)
		return
	}
	c.clock.SetTime(t)
}

// Send transmits a pre-serialized payload and returns its unique message id.
// Only BootNotification may go out before the CSMS accepted the session.
func (c *Client) Send(ctx context.Context, action string, payload []byte) (string, error) {
	if action != ActionBootNotification && !c.accepted.Load() {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrTransportFailure, action, ErrNotConnected)
	}

	uniqueID := uuid.NewString()
	frame, err := EncodeCall(uniqueID, action, payload)
	if err != nil {
		return "", err
	}
	if err := c.write(ctx, frame); err != nil {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrTransportFailure, action, err)
	}

	telemetry.OCPPMessagesTotal.WithLabelValues(action, "out").Inc()
	c.log.Debug("OCPP call sent",
		zap.String("action", action),
		zap.String("unique_id", uniqueID),
	)
	return uniqueID, nil
}

// Call sends req and waits for the matching CallResult, decoding it into resp.
func (c *Client) Call(ctx context.Context, action string, req, resp interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", action, err)
	}

	uniqueID := uuid.NewString()
	ch := make(chan callResult, 1)
	c.callsMu.Lock()
	c.calls[uniqueID] = ch
	c.callsMu.Unlock()
	defer func() {
		c.callsMu.Lock()
		delete(c.calls, uniqueID)
		c.callsMu.Unlock()
	}()

	frame, err := EncodeCall(uniqueID, action, payload)
	if err != nil {
		return err
	}
	if err := c.write(ctx, frame); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrTransportFailure, action, err)
	}
	telemetry.OCPPMessagesTotal.WithLabelValues(action, "out").Inc()

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if resp == nil {
			return nil
		}
		if err := json.Unmarshal(r.payload, resp); err != nil {
			return fmt.Errorf("decode %s response: %w", action, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s timed out after %s", domain.ErrTransportFailure, action, c.cfg.CallTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// write goes through the breaker only while a connection exists, so an
// offline period does not trip it.
func (c *Client) write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.conn == nil {
			return nil, ErrNotConnected
		}
		deadline := time.Now().Add(writeWait)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		c.conn.SetWriteDeadline(deadline)
		return nil, c.conn.WriteMessage(websocket.TextMessage, frame)
	})
	return err
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error("WebSocket read error", zap.Error(err))
			}
			return err
		}

		frame, err := ParseFrame(data)
		if err != nil {
			c.log.Warn("Dropping malformed OCPP frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case CallResultMessage:
			c.dispatchResult(frame)
		case CallErrorMessage:
			c.dispatchError(frame)
		case CallMessage:
			c.rejectCall(frame)
		}
	}
}

func (c *Client) dispatchResult(f *Frame) {
	if ch, ok := c.takeCall(f.UniqueID); ok {
		ch <- callResult{payload: f.Payload}
		return
	}

	c.hooksMu.RLock()
	h := c.handler
	c.hooksMu.RUnlock()
	if h == nil {
		c.log.Warn("No handler for CallResult", zap.String("unique_id", f.UniqueID))
		return
	}
	h.OnResponse(f.UniqueID, f.Payload)
}

func (c *Client) dispatchError(f *Frame) {
	if ch, ok := c.takeCall(f.UniqueID); ok {
		ch <- callResult{err: &CallError{Code: f.ErrorCode, Description: f.ErrorDescription}}
		return
	}

	c.hooksMu.RLock()
	h := c.handler
	c.hooksMu.RUnlock()
	if h == nil {
		c.log.Warn("No handler for CallError",
			zap.String("unique_id", f.UniqueID),
			zap.String("code", f.ErrorCode),
		)
		return
	}
	h.OnCallError(f.UniqueID, f.ErrorCode, f.ErrorDescription)
}

// rejectCall answers CSMS-initiated operations, none of which this charge point implements.
func (c *Client) rejectCall(f *Frame) {
	telemetry.OCPPMessagesTotal.WithLabelValues(f.Action, "in").Inc()
	c.log.Info("Rejecting central system call",
		zap.String("action", f.Action),
		zap.String("unique_id", f.UniqueID),
	)

	resp, err := EncodeCallError(f.UniqueID, ErrorNotImplemented, "action "+f.Action+" not implemented")
	if err != nil {
		return
	}
	if err := c.write(context.Background(), resp); err != nil {
		c.log.Warn("Failed to send CallError", zap.Error(err))
	}
}

func (c *Client) takeCall(uniqueID string) (chan callResult, bool) {
	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	ch, ok := c.calls[uniqueID]
	if ok {
		delete(c.calls, uniqueID)
	}
	return ch, ok
}

func (c *Client) failCalls(err error) {
	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	for id, ch := range c.calls {
		ch <- callResult{err: err}
		delete(c.calls, id)
	}
}
