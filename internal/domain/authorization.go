package domain

import "time"

// AuthorizationStatus values as sent by the CSMS in idTagInfo.status.
const (
	AuthorizationStatusAccepted     = "Accepted"
	AuthorizationStatusBlocked      = "Blocked"
	AuthorizationStatusExpired      = "Expired"
	AuthorizationStatusInvalid      = "Invalid"
	AuthorizationStatusConcurrentTx = "ConcurrentTx"
)

// IdTagInfo is the authorization result attached to CSMS responses.
type IdTagInfo struct {
	Status      string     `json:"status"`
	ParentIdTag *string    `json:"parentIdTag,omitempty"`
	ExpiryDate  *time.Time `json:"expiryDate,omitempty"`
}

func (i IdTagInfo) Accepted() bool {
	return i.Status == AuthorizationStatusAccepted
}

// GateDecision is what the local authorization gate knows about an id tag.
type GateDecision string

const (
	GateUnknown      GateDecision = "Unknown"
	GatePending      GateDecision = "Pending"
	GateAuthorized   GateDecision = "Authorized"
	GateDeauthorized GateDecision = "Deauthorized"
)
