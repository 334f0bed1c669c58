package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
	"github.com/seu-repo/sigec-chargepoint/pkg/config"
)

func newBreakerApp(handler fiber.Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          ErrorHandler(zap.NewNop()),
	})
	app.Use(CircuitBreaker(config.CircuitBreakerConfig{
		Enabled:          true,
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 0.5,
	}, zap.NewNop()))
	app.Get("/", handler)
	return app
}

func status(t *testing.T, app *fiber.App) int {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestCircuitBreaker_OpensOnServerErrors(t *testing.T) {
	app := newBreakerApp(func(c *fiber.Ctx) error {
		return errors.New("store unavailable")
	})

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusInternalServerError, status(t, app))
	}
	assert.Equal(t, http.StatusServiceUnavailable, status(t, app))
}

func TestCircuitBreaker_IgnoresClientErrors(t *testing.T) {
	app := newBreakerApp(func(c *fiber.Ctx) error {
		return domain.ErrConnectorBusy
	})

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusConflict, status(t, app))
	}
}
