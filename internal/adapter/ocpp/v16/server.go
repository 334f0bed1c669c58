package v16

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/observability/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return true },
	Subprotocols: []string{Subprotocol},
}

// Server is a loopback OCPP 1.6 responder for development without a CSMS.
// The charge point id is the last path segment of the websocket URL.
type Server struct {
	handlers *Handlers
	clients  map[string]*websocket.Conn
	mu       sync.RWMutex
	httpSrv  *http.Server
	log      *zap.Logger
}

func NewServer(handlers *Handlers, log *zap.Logger) *Server {
	return &Server{
		handlers: handlers,
		clients:  make(map[string]*websocket.Conn),
		log:      log,
	}
}

// Start listens on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpSrv
	s.mu.Unlock()

	s.log.Info("Starting OCPP 1.6 loopback responder", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully closes all client connections
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for id, conn := range s.clients {
		conn.Close()
		delete(s.clients, id)
	}
	srv := s.httpSrv
	s.mu.Unlock()

	s.log.Info("OCPP 1.6 responder stopped")
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	chargePointID := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	if chargePointID == "" {
		http.Error(w, "missing charge point ID", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	if old, ok := s.clients[chargePointID]; ok {
		old.Close()
	}
	s.clients[chargePointID] = conn
	s.mu.Unlock()

	s.log.Info("OCPP 1.6 charge point connected",
		zap.String("charge_point_id", chargePointID),
		zap.String("subprotocol", conn.Subprotocol()),
	)

	defer func() {
		conn.Close()
		s.mu.Lock()
		if s.clients[chargePointID] == conn {
			delete(s.clients, chargePointID)
		}
		s.mu.Unlock()
		s.log.Info("OCPP 1.6 charge point disconnected",
			zap.String("charge_point_id", chargePointID),
		)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		response := s.processMessage(chargePointID, message)
		if response == nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, response); err != nil {
			s.log.Error("Failed to send response", zap.Error(err))
			return
		}
	}
}

// processMessage answers Call frames; results and errors from the charge
// point are logged and dropped since the responder never calls it.
func (s *Server) processMessage(chargePointID string, raw []byte) []byte {
	frame, err := ParseFrame(raw)
	if err != nil {
		s.log.Error("Failed to process OCPP 1.6 message",
			zap.String("charge_point_id", chargePointID),
			zap.Error(err),
		)
		return nil
	}
	if frame.Type != CallMessage {
		s.log.Debug("Ignoring non-call frame",
			zap.String("charge_point_id", chargePointID),
			zap.Int("type", frame.Type),
		)
		return nil
	}

	telemetry.OCPPMessagesTotal.WithLabelValues(frame.Action, "in").Inc()
	s.log.Debug("Received OCPP 1.6 message",
		zap.String("charge_point_id", chargePointID),
		zap.String("action", frame.Action),
		zap.String("unique_id", frame.UniqueID),
	)

	payload, err := s.handlers.HandleMessage(chargePointID, frame.Action, frame.Payload)
	var out []byte
	switch {
	case errors.Is(err, errNotImplemented):
		out, err = EncodeCallError(frame.UniqueID, ErrorNotImplemented, "action "+frame.Action+" not implemented")
	case err != nil:
		out, err = EncodeCallError(frame.UniqueID, ErrorFormationViolation, err.Error())
	default:
		out, err = EncodeCallResult(frame.UniqueID, payload)
	}
	if err != nil {
		s.log.Error("Failed to encode response", zap.Error(err))
		return nil
	}
	return out
}
