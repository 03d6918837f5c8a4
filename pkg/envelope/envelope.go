// Package envelope implements the wire frame codec (§4.A of the reverse-sync
// design): parsing an already-decoded JSON record into a typed envelope, or
// rejecting it outright. Parsing never panics and never returns an error to
// the caller — an invalid record simply fails to produce an envelope, per
// "Fails with EnvelopeInvalid (no throw — returns an absent result)".
package envelope

import "strings"

// Envelope is the closed sum of every wire frame type GatewaySync exchanges
// with the bridge. Exactly one of the typed payload fields is meaningful,
// selected by Type.
type Envelope struct {
	Type           string
	EventID        string
	ClientID       string
	OccurredAt     string
	SchemaVersion  string
	IdempotencyKey string // optional
	CorrelationID  string // optional

	Handshake     *HandshakePayload
	HandshakeAck  *HandshakeAckPayload
	Action        *ActionPayload
	Ack           *AckPayload
	Error         *ErrorPayload
	HeartbeatPong *HeartbeatPongPayload
	// heartbeat_ping carries no extra fields.
}

type HandshakePayload struct {
	SessionID    string
	Token        string
	Capabilities []string
}

type HandshakeAckPayload struct {
	SessionID   string
	Accepted    bool
	HeartbeatMs int
}

type ActionPayload struct {
	Op      string
	Target  string
	Payload map[string]any
}

type AckPayload struct {
	Status       string
	Reason       string
	ResolvedPath string
	ResolvedKey  string
	LegacyStatus string
}

type ErrorPayload struct {
	Code      string
	Message   string
	Retryable bool
	Details   map[string]any
}

type HeartbeatPongPayload struct{}

var validAckStatus = map[string]bool{
	"received": true, "applied": true, "duplicate": true, "skipped": true, "rejected": true,
}

var validLegacyStatus = map[string]bool{
	"applied": true, "duplicate": true, "skipped_ambiguous": true,
	"skipped_unmanaged": true, "rejected_invalid": true,
}

// Parse validates raw against the schema for its declared type and returns
// the typed Envelope. ok is false for any structurally or semantically
// invalid record — missing/blank required fields, wrong types, or an
// unrecognized enum value.
func Parse(raw map[string]any) (env Envelope, ok bool) {
	typ, ok := trimmedString(raw["type"])
	if !ok {
		return Envelope{}, false
	}
	eventID, ok1 := trimmedString(raw["eventId"])
	clientID, ok2 := trimmedString(raw["clientId"])
	occurredAt, ok3 := trimmedString(raw["occurredAt"])
	schemaVersion, ok4 := trimmedString(raw["schemaVersion"])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Envelope{}, false
	}

	env = Envelope{
		Type:          typ,
		EventID:       eventID,
		ClientID:      clientID,
		OccurredAt:    occurredAt,
		SchemaVersion: schemaVersion,
	}
	if v, present := optionalTrimmedString(raw["idempotencyKey"]); present {
		env.IdempotencyKey = v
	}
	if v, present := optionalTrimmedString(raw["correlationId"]); present {
		env.CorrelationID = v
	}

	switch typ {
	case "handshake":
		p, ok := parseHandshake(raw)
		if !ok {
			return Envelope{}, false
		}
		env.Handshake = p
	case "handshake_ack":
		p, ok := parseHandshakeAck(raw)
		if !ok {
			return Envelope{}, false
		}
		env.HandshakeAck = p
	case "action":
		p, ok := parseAction(raw)
		if !ok {
			return Envelope{}, false
		}
		env.Action = p
		if env.IdempotencyKey == "" {
			return Envelope{}, false
		}
	case "ack":
		p, ok := parseAck(raw)
		if !ok {
			return Envelope{}, false
		}
		env.Ack = p
		if env.CorrelationID == "" {
			return Envelope{}, false
		}
	case "error":
		p, ok := parseError(raw)
		if !ok {
			return Envelope{}, false
		}
		env.Error = p
	case "heartbeat_ping":
		// no extra required fields
	case "heartbeat_pong":
		if env.CorrelationID == "" {
			return Envelope{}, false
		}
		env.HeartbeatPong = &HeartbeatPongPayload{}
	default:
		return Envelope{}, false
	}

	return env, true
}

func parseHandshake(raw map[string]any) (*HandshakePayload, bool) {
	sessionID, ok1 := trimmedString(raw["sessionId"])
	token, ok2 := trimmedString(raw["token"])
	if !ok1 || !ok2 {
		return nil, false
	}
	p := &HandshakePayload{SessionID: sessionID, Token: token}
	if capsRaw, present := raw["capabilities"]; present {
		caps, ok := asStringSlice(capsRaw)
		if !ok {
			return nil, false
		}
		p.Capabilities = caps
	}
	return p, true
}

func parseHandshakeAck(raw map[string]any) (*HandshakeAckPayload, bool) {
	sessionID, ok1 := trimmedString(raw["sessionId"])
	accepted, ok2 := raw["accepted"].(bool)
	heartbeatMs, ok3 := asInt(raw["heartbeatMs"])
	if !ok1 || !ok2 || !ok3 {
		return nil, false
	}
	if heartbeatMs < 1000 || heartbeatMs > 120000 {
		return nil, false
	}
	return &HandshakeAckPayload{SessionID: sessionID, Accepted: accepted, HeartbeatMs: heartbeatMs}, true
}

func parseAction(raw map[string]any) (*ActionPayload, bool) {
	op, ok1 := trimmedString(raw["op"])
	target, ok2 := trimmedString(raw["target"])
	payload, ok3 := raw["payload"].(map[string]any)
	if !ok1 || !ok2 || !ok3 {
		return nil, false
	}
	return &ActionPayload{Op: op, Target: target, Payload: payload}, true
}

func parseAck(raw map[string]any) (*AckPayload, bool) {
	status, ok := trimmedString(raw["status"])
	if !ok || !validAckStatus[status] {
		return nil, false
	}
	p := &AckPayload{Status: status}
	if v, present := optionalTrimmedString(raw["reason"]); present {
		p.Reason = v
	}
	if v, present := optionalTrimmedString(raw["resolvedPath"]); present {
		p.ResolvedPath = v
	}
	if v, present := optionalTrimmedString(raw["resolvedKey"]); present {
		p.ResolvedKey = v
	}
	if legacyRaw, present := raw["legacyStatus"]; present {
		legacy, ok := trimmedString(legacyRaw)
		if !ok || !validLegacyStatus[legacy] {
			return nil, false
		}
		p.LegacyStatus = legacy
	}
	return p, true
}

func parseError(raw map[string]any) (*ErrorPayload, bool) {
	code, ok1 := trimmedString(raw["code"])
	message, ok2 := trimmedString(raw["message"])
	retryable, ok3 := raw["retryable"].(bool)
	if !ok1 || !ok2 || !ok3 {
		return nil, false
	}
	p := &ErrorPayload{Code: code, Message: message, Retryable: retryable}
	if detailsRaw, present := raw["details"]; present {
		details, ok := detailsRaw.(map[string]any)
		if !ok {
			return nil, false
		}
		p.Details = details
	}
	return p, true
}

// ToLegacyStatus maps the current ack vocabulary to the legacy one.
func ToLegacyStatus(status string) string {
	switch status {
	case "applied":
		return "applied"
	case "duplicate":
		return "duplicate"
	case "skipped":
		return "skipped_unmanaged"
	default:
		return "rejected_invalid"
	}
}

// FromLegacyStatus maps the legacy ack vocabulary to the current one.
func FromLegacyStatus(legacy string) string {
	switch legacy {
	case "applied":
		return "applied"
	case "duplicate":
		return "duplicate"
	case "skipped_ambiguous", "skipped_unmanaged":
		return "skipped"
	default:
		return "rejected"
	}
}

func trimmedString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}

func optionalTrimmedString(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

func asStringSlice(v any) ([]string, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := trimmedString(item)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
