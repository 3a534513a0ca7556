// Package audit contains domain types for audit logging.
package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of an audit event.
type Kind string

// Event kinds.
const (
	KindAuthorizationIssued Kind = "authorization.issued"
	KindAuthorizationDenied Kind = "authorization.denied"
	KindTokenIssued         Kind = "token.issued"
	KindTokenRefreshed      Kind = "token.refreshed"
	KindGrantRevoked        Kind = "grant.revoked"
	KindToolInvoked         Kind = "tool.invoked"
	KindToolFailed          Kind = "tool.failed"
)

// Kinds lists every event kind.
func Kinds() []Kind {
	return []Kind{
		KindAuthorizationIssued,
		KindAuthorizationDenied,
		KindTokenIssued,
		KindTokenRefreshed,
		KindGrantRevoked,
		KindToolInvoked,
		KindToolFailed,
	}
}

// Critical reports whether losing an event of this kind would hide a change
// in who can act for a user.
func (k Kind) Critical() bool {
	return k == KindGrantRevoked
}

// Revocation reasons.
const (
	ReasonUserRequest       = "user_request"
	ReasonAdminRequest      = "admin_request"
	ReasonMembershipRemoved = "membership_removed"
	ReasonRefreshTokenReuse = "refresh_token_reuse"
)

// Authorization denial reasons.
const (
	ReasonAccessDenied = "access_denied"
	ReasonRateLimited  = "rate_limited"
	ReasonNotMember    = "not_member"
)

// Payload is the kind-specific part of an Event. The set of payload types
// is closed: only types in this package implement it.
type Payload interface {
	Kind() Kind
	isPayload()
}

// AuthorizationIssued records a successfully issued authorization code.
type AuthorizationIssued struct {
	ClientName  string `json:"client_name"`
	RedirectURI string `json:"redirect_uri"`
}

// AuthorizationDenied records a refused authorization request.
type AuthorizationDenied struct {
	ClientName string `json:"client_name"`
	Reason     string `json:"reason"`
}

// TokenIssued records a code exchange.
type TokenIssued struct {
	ClientName   string `json:"client_name"`
	GrantCreated bool   `json:"grant_created"`
	IPAddress    string `json:"ip_address,omitempty"`
}

// TokenRefreshed records a refresh-token exchange.
type TokenRefreshed struct {
	Rotated   bool   `json:"rotated"`
	IPAddress string `json:"ip_address,omitempty"`
}

// GrantRevoked records a grant deactivation.
type GrantRevoked struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"`
}

// ToolInvoked records a successful tool call.
type ToolInvoked struct {
	Tool       string `json:"tool"`
	DurationMS int64  `json:"duration_ms"`
}

// ToolFailed records a failed tool call.
type ToolFailed struct {
	Tool       string `json:"tool"`
	Error      string `json:"error"`
	DurationMS int64  `json:"duration_ms"`
}

func (AuthorizationIssued) Kind() Kind { return KindAuthorizationIssued }
func (AuthorizationDenied) Kind() Kind { return KindAuthorizationDenied }
func (TokenIssued) Kind() Kind         { return KindTokenIssued }
func (TokenRefreshed) Kind() Kind      { return KindTokenRefreshed }
func (GrantRevoked) Kind() Kind        { return KindGrantRevoked }
func (ToolInvoked) Kind() Kind         { return KindToolInvoked }
func (ToolFailed) Kind() Kind          { return KindToolFailed }

func (AuthorizationIssued) isPayload() {}
func (AuthorizationDenied) isPayload() {}
func (TokenIssued) isPayload()         {}
func (TokenRefreshed) isPayload()      {}
func (GrantRevoked) isPayload()        {}
func (ToolInvoked) isPayload()         {}
func (ToolFailed) isPayload()          {}

// Event is one audit log entry.
type Event struct {
	// Timestamp when the event occurred (UTC).
	Timestamp time.Time
	// Subject is the user the event concerns.
	Subject string
	// OrganizationID is the organization scope, if any.
	OrganizationID string
	// GrantID is the grant involved, if any.
	GrantID string
	// ClientID is the client identifier of the grant, if any.
	ClientID string
	// RequestID correlates the event with an HTTP request.
	RequestID string
	// Payload carries the kind-specific detail.
	Payload Payload
}

// Kind returns the kind of the event's payload.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

type eventJSON struct {
	Timestamp      time.Time       `json:"timestamp"`
	Kind           Kind            `json:"kind"`
	Subject        string          `json:"subject,omitempty"`
	OrganizationID string          `json:"organization_id,omitempty"`
	GrantID        string          `json:"grant_id,omitempty"`
	ClientID       string          `json:"client_id,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// MarshalJSON emits the event with its kind and typed payload.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("audit event without payload")
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		Timestamp:      e.Timestamp,
		Kind:           e.Payload.Kind(),
		Subject:        e.Subject,
		OrganizationID: e.OrganizationID,
		GrantID:        e.GrantID,
		ClientID:       e.ClientID,
		RequestID:      e.RequestID,
		Payload:        payload,
	})
}

// UnmarshalJSON decodes an event, selecting the payload type from kind.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var (
		p   Payload
		err error
	)
	switch raw.Kind {
	case KindAuthorizationIssued:
		p, err = decodePayload[AuthorizationIssued](raw.Payload)
	case KindAuthorizationDenied:
		p, err = decodePayload[AuthorizationDenied](raw.Payload)
	case KindTokenIssued:
		p, err = decodePayload[TokenIssued](raw.Payload)
	case KindTokenRefreshed:
		p, err = decodePayload[TokenRefreshed](raw.Payload)
	case KindGrantRevoked:
		p, err = decodePayload[GrantRevoked](raw.Payload)
	case KindToolInvoked:
		p, err = decodePayload[ToolInvoked](raw.Payload)
	case KindToolFailed:
		p, err = decodePayload[ToolFailed](raw.Payload)
	default:
		return fmt.Errorf("unknown audit event kind %q", raw.Kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", raw.Kind, err)
	}

	*e = Event{
		Timestamp:      raw.Timestamp,
		Subject:        raw.Subject,
		OrganizationID: raw.OrganizationID,
		GrantID:        raw.GrantID,
		ClientID:       raw.ClientID,
		RequestID:      raw.RequestID,
		Payload:        p,
	}
	return nil
}

func decodePayload[T Payload](data json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
