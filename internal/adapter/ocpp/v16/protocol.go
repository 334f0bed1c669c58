package v16

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Subprotocol negotiated on the websocket handshake.
const Subprotocol = "ocpp1.6"

// OCPP 1.6 message types
const (
	CallMessage       = 2
	CallResultMessage = 3
	CallErrorMessage  = 4
)

// CallError codes used by this charge point.
const (
	ErrorNotImplemented       = "NotImplemented"
	ErrorNotSupported         = "NotSupported"
	ErrorInternalError        = "InternalError"
	ErrorFormationViolation   = "FormationViolation"
	ErrorProtocolError        = "ProtocolError"
	ErrorOccurrenceConstraint = "OccurrenceConstraintViolation"
)

var errMalformedFrame = errors.New("malformed OCPP frame")

// Frame is a decoded OCPP-J message. Only the fields relevant to Type are set.
type Frame struct {
	Type             int
	UniqueID         string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
}

// ParseFrame decodes one of:
//
//	[2, "<id>", "<action>", {payload}]
//	[3, "<id>", {payload}]
//	[4, "<id>", "<code>", "<description>", {details}]
func ParseFrame(raw []byte) (*Frame, error) {
	var msg []json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	if len(msg) < 3 {
		return nil, fmt.Errorf("%w: %d elements", errMalformedFrame, len(msg))
	}

	f := &Frame{}
	if err := json.Unmarshal(msg[0], &f.Type); err != nil {
		return nil, fmt.Errorf("%w: message type: %v", errMalformedFrame, err)
	}
	if err := json.Unmarshal(msg[1], &f.UniqueID); err != nil {
		return nil, fmt.Errorf("%w: unique id: %v", errMalformedFrame, err)
	}

	switch f.Type {
	case CallMessage:
		if len(msg) < 4 {
			return nil, fmt.Errorf("%w: call without payload", errMalformedFrame)
		}
		if err := json.Unmarshal(msg[2], &f.Action); err != nil {
			return nil, fmt.Errorf("%w: action: %v", errMalformedFrame, err)
		}
		f.Payload = msg[3]
	case CallResultMessage:
		f.Payload = msg[2]
	case CallErrorMessage:
		if err := json.Unmarshal(msg[2], &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("%w: error code: %v", errMalformedFrame, err)
		}
		if len(msg) > 3 {
			_ = json.Unmarshal(msg[3], &f.ErrorDescription)
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", errMalformedFrame, f.Type)
	}
	return f, nil
}

// EncodeCall frames a pre-serialized payload. The payload bytes are embedded
// as-is so a retransmission carries exactly what was first sent.
func EncodeCall(uniqueID, action string, payload []byte) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: invalid %s payload", errMalformedFrame, action)
	}
	return json.Marshal([]interface{}{CallMessage, uniqueID, action, json.RawMessage(payload)})
}

func EncodeCallResult(uniqueID string, payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{CallResultMessage, uniqueID, payload})
}

func EncodeCallError(uniqueID, code, description string) ([]byte, error) {
	return json.Marshal([]interface{}{CallErrorMessage, uniqueID, code, description, map[string]string{}})
}
