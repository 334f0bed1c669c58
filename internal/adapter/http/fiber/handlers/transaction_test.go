package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/adapter/http/fiber/handlers"
	"github.com/seu-repo/sigec-chargepoint/internal/adapter/http/fiber/middleware"
	"github.com/seu-repo/sigec-chargepoint/internal/domain"
	"github.com/seu-repo/sigec-chargepoint/internal/mocks"
	"github.com/seu-repo/sigec-chargepoint/internal/ports"
	"github.com/seu-repo/sigec-chargepoint/internal/service/health"
)

func newTestApp(service ports.TransactionService, checks map[string]func(context.Context) error) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          middleware.ErrorHandler(zap.NewNop()),
	})
	healthService := health.NewService(health.Config{Version: "test"}, zap.NewNop())
	for name, ping := range checks {
		healthService.RegisterPing(name, ping)
	}
	healthService.RegisterDegradable("central_system", func() bool { return true })

	handlers.RegisterRoutes(app,
		handlers.NewTransactionHandler(service, zap.NewNop()),
		handlers.NewHealthHandler(healthService),
	)
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestAuthorize_Accepted(t *testing.T) {
	var got ports.StartRequest
	service := &mocks.MockTransactionService{
		StartTransactionFunc: func(ctx context.Context, req ports.StartRequest) (*domain.Transaction, error) {
			got = req
			return &domain.Transaction{
				ConnectorID:        req.ConnectorID,
				IdTag:              req.IdTag,
				MeterStart:         req.MeterStart,
				AuthorizationState: domain.AuthorizationPending,
				SyncState:          domain.SyncStateRequestSent,
			}, nil
		},
	}
	app := newTestApp(service, nil)

	code, body := doRequest(t, app, http.MethodPost, "/api/v1/connectors/2/authorize",
		`{"id_tag":"ABC123","meter_start":500}`)

	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, ports.StartRequest{ConnectorID: 2, IdTag: "ABC123", MeterStart: 500}, got)
	assert.Equal(t, "RequestSent", body["sync_state"])
	assert.NotContains(t, body, "transaction_id")
}

func TestAuthorize_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrConnectorBusy, http.StatusConflict},
		{domain.ErrDeauthorized, http.StatusForbidden},
		{fmt.Errorf("%w: 9", domain.ErrUnknownConnector), http.StatusBadRequest},
		{fmt.Errorf("%w: \"\"", domain.ErrInvalidIdTag), http.StatusBadRequest},
		{fmt.Errorf("%w: disk full", domain.ErrPersistence), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			service := &mocks.MockTransactionService{
				StartTransactionFunc: func(ctx context.Context, req ports.StartRequest) (*domain.Transaction, error) {
					return nil, tt.err
				},
			}
			app := newTestApp(service, nil)

			code, body := doRequest(t, app, http.MethodPost, "/api/v1/connectors/1/authorize", `{"id_tag":"ABC123"}`)
			assert.Equal(t, tt.want, code)
			assert.Equal(t, tt.err.Error(), body["error"])
		})
	}
}

func TestAuthorize_BadInput(t *testing.T) {
	app := newTestApp(&mocks.MockTransactionService{}, nil)

	code, _ := doRequest(t, app, http.MethodPost, "/api/v1/connectors/x/authorize", `{"id_tag":"ABC123"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doRequest(t, app, http.MethodPost, "/api/v1/connectors/1/authorize", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetConnectorTransaction(t *testing.T) {
	id := 77
	service := &mocks.MockTransactionService{
		LatestTransactionFunc: func(ctx context.Context, connectorID int) (*domain.Transaction, error) {
			if connectorID != 1 {
				return nil, nil
			}
			return &domain.Transaction{
				ConnectorID:   1,
				IdTag:         "ABC123",
				TransactionID: &id,
				SyncState:     domain.SyncStateConfirmed,
				Request:       []byte(`{"connectorId":1}`),
			}, nil
		},
	}
	app := newTestApp(service, nil)

	code, body := doRequest(t, app, http.MethodGet, "/api/v1/connectors/1/transaction", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(77), body["transaction_id"])
	assert.NotContains(t, body, "Request")

	code, _ = doRequest(t, app, http.MethodGet, "/api/v1/connectors/2/transaction", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGetMetering(t *testing.T) {
	service := &mocks.MockTransactionService{
		MeteringTagFunc: func(ctx context.Context, connectorID int) (*domain.MeteringTag, error) {
			if connectorID != 1 {
				return nil, nil
			}
			return &domain.MeteringTag{ConnectorID: 1, TransactionID: 77, MeterStart: 500}, nil
		},
	}
	app := newTestApp(service, nil)

	code, body := doRequest(t, app, http.MethodGet, "/api/v1/connectors/1/metering", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(77), body["transaction_id"])

	code, _ = doRequest(t, app, http.MethodGet, "/api/v1/connectors/2/metering", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGetTransaction(t *testing.T) {
	app := newTestApp(&mocks.MockTransactionService{}, nil)

	code, _ := doRequest(t, app, http.MethodGet, "/api/v1/transactions/404", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = doRequest(t, app, http.MethodGet, "/api/v1/transactions/-1", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStatus(t *testing.T) {
	service := &mocks.MockTransactionService{
		ConnectorStatusFunc: func(ctx context.Context) ([]domain.ConnectorStatus, error) {
			return []domain.ConnectorStatus{
				{ConnectorID: 1},
				{ConnectorID: 2, Busy: true, Transaction: &domain.Transaction{ConnectorID: 2, IdTag: "ABC123"}},
			}, nil
		},
	}
	app := newTestApp(service, nil)

	code, body := doRequest(t, app, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusOK, code)
	connectors, ok := body["connectors"].([]interface{})
	require.True(t, ok)
	assert.Len(t, connectors, 2)
}

func TestHealth(t *testing.T) {
	healthy := newTestApp(&mocks.MockTransactionService{}, map[string]func(context.Context) error{
		"store": func(ctx context.Context) error { return nil },
	})
	code, body := doRequest(t, healthy, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ready"])
	checks, ok := body["checks"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, checks, "store")
	assert.Contains(t, checks, "central_system")

	code, _ = doRequest(t, healthy, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, code)

	failing := newTestApp(&mocks.MockTransactionService{}, map[string]func(context.Context) error{
		"cache": func(ctx context.Context) error { return errors.New("connection refused") },
	})
	code, body = doRequest(t, failing, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
}
