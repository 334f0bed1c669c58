package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
	"github.com/seu-repo/sigec-chargepoint/internal/ports"
)

type TransactionHandler struct {
	service ports.TransactionService
	log     *zap.Logger
}

func NewTransactionHandler(service ports.TransactionService, log *zap.Logger) *TransactionHandler {
	return &TransactionHandler{
		service: service,
		log:     log,
	}
}

// AuthorizeRequest is an idTag presented at a connector, e.g. an RFID swipe.
type AuthorizeRequest struct {
	IdTag         string `json:"id_tag"`
	MeterStart    int    `json:"meter_start"`
	ReservationID *int   `json:"reservation_id,omitempty"`
}

// Authorize starts a transaction on the connector. The response is 202: the
// central system has not confirmed it yet.
func (h *TransactionHandler) Authorize(c *fiber.Ctx) error {
	connectorID, err := connectorParam(c)
	if err != nil {
		return err
	}

	var req AuthorizeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid body")
	}

	tx, err := h.service.StartTransaction(c.UserContext(), ports.StartRequest{
		ConnectorID:   connectorID,
		IdTag:         req.IdTag,
		MeterStart:    req.MeterStart,
		ReservationID: req.ReservationID,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(tx)
}

func (h *TransactionHandler) GetConnectorTransaction(c *fiber.Ctx) error {
	connectorID, err := connectorParam(c)
	if err != nil {
		return err
	}

	tx, err := h.service.LatestTransaction(c.UserContext(), connectorID)
	if err != nil {
		return err
	}
	if tx == nil {
		return fiber.NewError(fiber.StatusNotFound, "No transaction on connector")
	}
	return c.JSON(tx)
}

// GetMetering returns the transaction id energy readings are tagged with,
// 404 until the central system has confirmed one.
func (h *TransactionHandler) GetMetering(c *fiber.Ctx) error {
	connectorID, err := connectorParam(c)
	if err != nil {
		return err
	}

	tag, err := h.service.MeteringTag(c.UserContext(), connectorID)
	if err != nil {
		return err
	}
	if tag == nil {
		return fiber.NewError(fiber.StatusNotFound, "No confirmed transaction on connector")
	}
	return c.JSON(tag)
}

func (h *TransactionHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil || id <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid transaction id")
	}

	tx, err := h.service.TransactionByID(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(tx)
}

func (h *TransactionHandler) Status(c *fiber.Ctx) error {
	statuses, err := h.service.ConnectorStatus(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"connectors": statuses})
}

func connectorParam(c *fiber.Ctx) (int, error) {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "Invalid connector id")
	}
	return id, nil
}

// StatusFor maps service errors to HTTP status codes.
func StatusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, domain.ErrUnknownConnector), errors.Is(err, domain.ErrInvalidIdTag):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrDeauthorized):
		return fiber.StatusForbidden
	case errors.Is(err, domain.ErrTransactionNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrConnectorBusy):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrPersistence):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
