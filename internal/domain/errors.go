package domain

import "errors"

var (
	// ErrConnectorBusy is returned when a connector already has an
	// unconfirmed transaction outstanding.
	ErrConnectorBusy = errors.New("connector busy: unconfirmed transaction outstanding")

	// ErrProtocolViolation marks a CSMS response that accepted a session
	// without a valid transaction id.
	ErrProtocolViolation = errors.New("ocpp protocol violation")

	// ErrDeauthorized is a business outcome, not a fault: the CSMS (or the
	// local cache) denied the id tag.
	ErrDeauthorized = errors.New("id tag deauthorized")

	// ErrDuplicateTransactionID is returned by a store when a confirmation
	// carries a transaction id another record already holds.
	ErrDuplicateTransactionID = errors.New("transaction id already assigned")

	ErrTransportFailure    = errors.New("transport failure")
	ErrPersistence         = errors.New("persistence failure")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrUnknownConnector    = errors.New("unknown connector")
	ErrInvalidIdTag        = errors.New("invalid id tag")
)
