// Package session implements the WebSocket session manager (§4.I):
// connection lifecycle, handshake, heartbeat, reconnect-with-backoff, and
// the in/out queues that bridge the transport to the reverse-sync pipeline
// and the inbound applier.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Runixs/local-event-gateway/pkg/ack"
	"github.com/Runixs/local-event-gateway/pkg/apply"
	"github.com/Runixs/local-event-gateway/pkg/dedupe"
	"github.com/Runixs/local-event-gateway/pkg/envelope"
	"github.com/Runixs/local-event-gateway/pkg/metrics"
	"github.com/Runixs/local-event-gateway/pkg/timers"
	"github.com/Runixs/local-event-gateway/pkg/types"
)

const (
	maxHeartbeatMs     = 25000
	heartbeatWatchdogX = 2 // local watchdog fires after 2x heartbeat without a pong
	maxBackoff         = 30 * time.Second
	baseBackoff        = 500 * time.Millisecond
	httpFallbackAfter  = 3 // consecutive WS send failures before trying the HTTP fallback
)

// Dialer abstracts gorilla/websocket's client dial so tests can substitute a
// fake transport.
type Dialer interface {
	Dial(urlStr string, header http.Header) (Conn, error)
}

// Conn is the subset of *websocket.Conn the session manager needs.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// GorillaDialer dials with gorilla/websocket.DefaultDialer.
type GorillaDialer struct{}

func (GorillaDialer) Dial(urlStr string, header http.Header) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Applier applies a validated inbound action and returns the ack result to
// send back. Satisfied by *apply.Applier.
type Applier interface {
	Apply(action *envelope.ActionPayload, target string) apply.AckResult
}

// Reconciler bridges an ack envelope into the reverse-queue reconciliation
// path. Implemented by pkg/bridge, which owns the queue and node index.
type Reconciler func(resp ack.BatchAckResponse)

// Config configures a Manager.
type Config struct {
	ClientID    string
	WSURL       string
	HTTPURL     string
	Token       string
	Dialer      Dialer
	Timers      timers.Service
	Applier     Applier
	OnAck       Reconciler
	InboundLog  func(level, summary string)
	now         func() time.Time
}

// Manager owns one WebSocket connection's lifecycle.
type Manager struct {
	cfg Config

	mu             sync.Mutex
	conn           Conn
	status         types.SessionStatus
	sessionID      string
	reconnectAtt   int
	heartbeatMs    int
	lastError      string
	lastConnAt     string
	outboundQueue  [][]byte
	inboundDedupe  *dedupe.Ledger
	cancelReconnect timers.Cancel
	cancelHeartbeat timers.Cancel
	lastPongAt      time.Time
	consecutiveSendFailures int
	now            func() time.Time
}

// New constructs a Manager. dedupeLedger backs inbound idempotency-key
// dedupe and is normally the one embedded in the durable state record.
func New(cfg Config, dedupeLedger *dedupe.Ledger) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = GorillaDialer{}
	}
	if cfg.Timers == nil {
		cfg.Timers = timers.NewReal()
	}
	nowFn := cfg.now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{
		cfg:           cfg,
		status:        types.StatusDisconnected,
		heartbeatMs:   maxHeartbeatMs,
		inboundDedupe: dedupeLedger,
		now:           nowFn,
	}
}

// Status returns a snapshot of the session's persisted state.
func (m *Manager) Status() types.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.SessionState{
		Status:           m.status,
		ActiveClientID:   m.cfg.ClientID,
		WSURL:            m.cfg.WSURL,
		ReconnectAttempt: m.reconnectAtt,
		HeartbeatMs:      m.heartbeatMs,
		LastConnectedAt:  m.lastConnAt,
		LastError:        m.lastError,
		QueuedOutbound:   len(m.outboundQueue),
	}
}

// Ensure connects if not already connected/connecting, per §4.I. reason is
// used only for logging (e.g. "manual", "reconnect_backoff", "startup").
func (m *Manager) Ensure(reason string) {
	m.mu.Lock()
	if m.conn != nil || m.status == types.StatusConnecting || m.status == types.StatusReconnecting {
		m.mu.Unlock()
		return
	}
	if m.cancelReconnect != nil {
		m.cancelReconnect()
		m.cancelReconnect = nil
	}
	m.sessionID = uuid.NewString()
	if m.reconnectAtt > 0 {
		m.status = types.StatusReconnecting
	} else {
		m.status = types.StatusConnecting
	}
	metrics.WSSessionStatus.Set(metrics.SessionStatusValue(string(m.status)))
	url := m.cfg.WSURL
	token := m.cfg.Token
	m.mu.Unlock()

	header := http.Header{}
	conn, err := m.cfg.Dialer.Dial(url, header)
	if err != nil {
		m.markDisconnected("constructor_error", err.Error(), true)
		return
	}

	m.mu.Lock()
	m.conn = conn
	m.status = types.StatusConnected
	m.reconnectAtt = 0
	m.lastConnAt = m.now().UTC().Format(time.RFC3339)
	m.mu.Unlock()
	metrics.WSSessionStatus.Set(metrics.SessionStatusValue(string(types.StatusConnected)))

	_ = token
	m.sendHandshake()
	m.startHeartbeat()
	m.drainOutbound()

	go m.readLoop(conn)
}

func (m *Manager) sendHandshake() {
	m.mu.Lock()
	sessionID := m.sessionID
	token := m.cfg.Token
	m.mu.Unlock()

	env := map[string]any{
		"type":          "handshake",
		"eventId":       uuid.NewString(),
		"clientId":      m.cfg.ClientID,
		"occurredAt":    m.now().UTC().Format(time.RFC3339),
		"schemaVersion": "1.0",
		"sessionId":     sessionID,
		"token":         token,
		"capabilities":  []string{"action", "ack", "heartbeat"},
	}
	m.send(env)
}

func (m *Manager) startHeartbeat() {
	m.mu.Lock()
	interval := time.Duration(minInt(m.heartbeatMs, maxHeartbeatMs)) * time.Millisecond
	m.lastPongAt = m.now()
	m.mu.Unlock()

	cancel := m.cfg.Timers.Every(interval, func() {
		m.mu.Lock()
		connected := m.status == types.StatusConnected
		lastPong := m.lastPongAt
		hbMs := m.heartbeatMs
		m.mu.Unlock()
		if !connected {
			return
		}
		if m.now().Sub(lastPong) > time.Duration(heartbeatWatchdogX*hbMs)*time.Millisecond {
			m.closeLocal(4000, "heartbeat_watchdog")
			return
		}
		env := map[string]any{
			"type":          "heartbeat_ping",
			"eventId":       uuid.NewString(),
			"clientId":      m.cfg.ClientID,
			"occurredAt":    m.now().UTC().Format(time.RFC3339),
			"schemaVersion": "1.0",
		}
		m.send(env)
	})
	m.mu.Lock()
	m.cancelHeartbeat = cancel
	m.mu.Unlock()
}

func (m *Manager) stopHeartbeat() {
	m.mu.Lock()
	cancel := m.cancelHeartbeat
	m.cancelHeartbeat = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SendEnvelope serializes and sends (or queues) an arbitrary wire envelope,
// used by the reverse-flush path to emit one "action" frame per coalesced
// queue item.
func (m *Manager) SendEnvelope(env map[string]any) {
	m.send(env)
}

// send serializes env and writes it if the socket is open; otherwise, or if
// the write fails, it queues it for later delivery.
func (m *Manager) send(env map[string]any) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		m.enqueueOutbound(data)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.enqueueOutbound(data)
		m.recordSendFailure()
		return
	}
	m.resetSendFailures()
}

func (m *Manager) enqueueOutbound(data []byte) {
	m.mu.Lock()
	m.outboundQueue = append(m.outboundQueue, data)
	m.mu.Unlock()
}

func (m *Manager) recordSendFailure() {
	m.mu.Lock()
	m.consecutiveSendFailures++
	m.mu.Unlock()
}

func (m *Manager) resetSendFailures() {
	m.mu.Lock()
	m.consecutiveSendFailures = 0
	m.mu.Unlock()
}

// ShouldUseHTTPFallback reports whether enough consecutive send failures
// have accumulated to justify falling back to the legacy HTTP endpoint,
// per the Open Question resolution recorded in DESIGN.md.
func (m *Manager) ShouldUseHTTPFallback() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveSendFailures >= httpFallbackAfter
}

func (m *Manager) drainOutbound() {
	m.mu.Lock()
	pending := m.outboundQueue
	m.outboundQueue = nil
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		m.mu.Lock()
		m.outboundQueue = pending
		m.mu.Unlock()
		return
	}
	var failed [][]byte
	for _, data := range pending {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			failed = append(failed, data)
		}
	}
	if len(failed) > 0 {
		m.mu.Lock()
		m.outboundQueue = append(failed, m.outboundQueue...)
		m.mu.Unlock()
	}
}

func (m *Manager) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// A conn already detached by closeLocal has been marked
			// disconnected there; only the current conn's failure counts.
			m.mu.Lock()
			current := m.conn == conn
			m.mu.Unlock()
			if current {
				m.stopHeartbeat()
				m.markDisconnected("read_error", err.Error(), true)
			}
			return
		}
		m.handleMessage(data)
	}
}

func (m *Manager) handleMessage(data []byte) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		m.logEvent("warn", "ws_invalid_message: not JSON")
		return
	}
	env, ok := envelope.Parse(raw)
	if !ok {
		m.logEvent("warn", "ws_invalid_message")
		return
	}

	switch env.Type {
	case "handshake_ack":
		m.mu.Lock()
		m.heartbeatMs = clamp(env.HandshakeAck.HeartbeatMs, 1000, 120000)
		m.mu.Unlock()
	case "heartbeat_ping":
		m.send(map[string]any{
			"type":          "heartbeat_pong",
			"eventId":       uuid.NewString(),
			"clientId":      m.cfg.ClientID,
			"occurredAt":    m.now().UTC().Format(time.RFC3339),
			"schemaVersion": "1.0",
			"correlationId": env.EventID,
		})
	case "heartbeat_pong":
		m.mu.Lock()
		m.lastPongAt = m.now()
		m.mu.Unlock()
	case "ack":
		batchID := env.IdempotencyKey
		if batchID == "" {
			batchID = env.CorrelationID
		}
		if batchID == "" {
			batchID = "ws"
		}
		// ack.Reconcile speaks the legacy vocabulary: use the peer's
		// legacyStatus, else map the current status; "received" is not
		// terminal and is passed through, so the item stays queued.
		status := env.Ack.LegacyStatus
		if status == "" && env.Ack.Status != string(types.AckReceived) {
			status = envelope.ToLegacyStatus(env.Ack.Status)
		}
		if status == "" {
			status = env.Ack.Status
		}
		metrics.AckResultsTotal.WithLabelValues(status).Inc()
		if m.cfg.OnAck != nil {
			m.cfg.OnAck(ack.BatchAckResponse{
				BatchID: batchID,
				Results: []ack.Result{{
					EventID:     env.CorrelationID,
					Status:      status,
					ResolvedKey: env.Ack.ResolvedKey,
				}},
			})
		}
	case "error":
		m.logEvent("error", fmt.Sprintf("bridge error %s: %s", env.Error.Code, env.Error.Message))
	case "action":
		key := env.IdempotencyKey
		if key == "" {
			key = env.EventID
		}
		if !m.inboundDedupe.RecordAndCheck(env.ClientID, key, m.now().UnixMilli()) {
			m.logEvent("info", "ws_action_skip: duplicate inbound idempotency key")
			return
		}
		m.applyAndAck(env)
	}
}

func (m *Manager) applyAndAck(env envelope.Envelope) {
	if m.cfg.Applier == nil {
		return
	}
	result := m.cfg.Applier.Apply(env.Action, env.Action.Target)
	metrics.InboundActionsAppliedTotal.WithLabelValues(env.Action.Op).Inc()

	ackEnv := map[string]any{
		"type":          "ack",
		"eventId":       uuid.NewString(),
		"clientId":      m.cfg.ClientID,
		"occurredAt":    m.now().UTC().Format(time.RFC3339),
		"schemaVersion": "1.0",
		"correlationId": env.EventID,
		"status":        normalizeCurrentStatus(result.Status),
		"legacyStatus":  normalizeLegacyStatus(result.Status),
	}
	if result.Reason != "" {
		ackEnv["reason"] = result.Reason
	}
	if result.ResolvedKey != "" {
		ackEnv["resolvedKey"] = result.ResolvedKey
	}
	m.send(ackEnv)
}

func (m *Manager) closeLocal(code int, reason string) {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	m.stopHeartbeat()
	m.markDisconnected(fmt.Sprintf("close_%d", code), reason, true)
}

// markDisconnected records the disconnect, increments reconnectAttempt, and
// optionally arms the backoff timer to re-invoke Ensure.
func (m *Manager) markDisconnected(statusReason, detail string, reschedule bool) {
	m.mu.Lock()
	m.conn = nil
	m.reconnectAtt++
	m.status = types.StatusDisconnected
	m.lastError = fmt.Sprintf("%s:%s", statusReason, detail)
	attempt := m.reconnectAtt
	m.mu.Unlock()
	metrics.WSSessionStatus.Set(metrics.SessionStatusValue(string(types.StatusDisconnected)))
	metrics.WSReconnectAttemptsTotal.Inc()

	if !reschedule {
		return
	}
	backoff := computeBackoff(attempt)
	cancel := m.cfg.Timers.After(backoff, func() {
		m.Ensure("reconnect_backoff")
	})
	m.mu.Lock()
	m.cancelReconnect = cancel
	m.mu.Unlock()
}

func computeBackoff(attempt int) time.Duration {
	capped := attempt
	if capped > 6 {
		capped = 6
	}
	d := time.Duration(float64(baseBackoff) * math.Pow(2, float64(capped)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (m *Manager) logEvent(level, summary string) {
	if m.cfg.InboundLog != nil {
		m.cfg.InboundLog(level, summary)
	}
}

// legacyStatusValues is the set of status strings the applier already emits
// in legacy vocabulary (apply.AckResult uses legacy-shaped reject/skip
// reasons directly). normalizeCurrentStatus/normalizeLegacyStatus make sure
// both ack fields are always populated regardless of which vocabulary the
// applier's result happens to be in.
var legacyStatusValues = map[string]bool{
	"skipped_ambiguous": true, "skipped_unmanaged": true, "rejected_invalid": true,
}

func normalizeCurrentStatus(status string) string {
	if legacyStatusValues[status] {
		return envelope.FromLegacyStatus(status)
	}
	return status
}

func normalizeLegacyStatus(status string) string {
	if legacyStatusValues[status] {
		return status
	}
	return envelope.ToLegacyStatus(status)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// PostReverseBatch sends a reverse batch over the legacy HTTP fallback
// endpoint (§6): POST <bridge>/reverse-sync with the token header. The path
// of httpURL is replaced by /reverse-sync and its query is dropped.
func PostReverseBatch(ctx context.Context, httpURL, token string, body []byte) ([]byte, error) {
	target, err := url.Parse(httpURL)
	if err != nil {
		return nil, err
	}
	target.Path = "/reverse-sync"
	target.RawQuery = ""
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(types.TokenHeader, token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("reverse-sync: bridge returned %d", resp.StatusCode)
	}
	return respBody, nil
}
