package session

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Runixs/local-event-gateway/pkg/apply"
	"github.com/Runixs/local-event-gateway/pkg/dedupe"
	"github.com/Runixs/local-event-gateway/pkg/envelope"
	"github.com/Runixs/local-event-gateway/pkg/timers"
	"github.com/Runixs/local-event-gateway/pkg/types"
)

type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	inbound chan []byte
	closed  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), data...)
	c.written = append(c.written, cp)
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m, ok := <-c.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, m, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *fakeConn) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

// failingConn always fails writes, to exercise the outbound-failure and
// HTTP-fallback-threshold paths.
type failingConn struct{ *fakeConn }

func (c failingConn) WriteMessage(_ int, _ []byte) error {
	return io.ErrClosedPipe
}

type fakeDialer struct {
	conn Conn
	err  error
}

func (d fakeDialer) Dial(string, http.Header) (Conn, error) { return d.conn, d.err }

type fakeTimers struct {
	mu     sync.Mutex
	afters []func()
	everys []func()
}

func (f *fakeTimers) After(_ time.Duration, fn func()) timers.Cancel {
	f.mu.Lock()
	f.afters = append(f.afters, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeTimers) Every(_ time.Duration, fn func()) timers.Cancel {
	f.mu.Lock()
	f.everys = append(f.everys, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeTimers) afterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.afters)
}

func (f *fakeTimers) everyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.everys)
}

// applierFunc adapts a plain function to the Applier interface.
type applierFunc func(action *envelope.ActionPayload, target string) apply.AckResult

func (f applierFunc) Apply(action *envelope.ActionPayload, target string) apply.AckResult {
	return f(action, target)
}

func newTestManager(conn Conn) (*Manager, *fakeTimers) {
	ft := &fakeTimers{}
	ledger := dedupe.New(types.DedupeLedger{})
	m := New(Config{
		ClientID: "client-1",
		WSURL:    "ws://bridge/ws",
		Timers:   ft,
	}, ledger)
	m.conn = conn
	return m, ft
}

func TestEnsureSendsHandshakeOnConnect(t *testing.T) {
	conn := newFakeConn()
	ft := &fakeTimers{}
	ledger := dedupe.New(types.DedupeLedger{})
	m := New(Config{
		ClientID: "client-1",
		WSURL:    "ws://bridge/ws",
		Dialer:   fakeDialer{conn: conn},
		Timers:   ft,
	}, ledger)

	m.Ensure("startup")

	written := conn.snapshot()
	require.Len(t, written, 1)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(written[0], &frame))
	require.Equal(t, "handshake", frame["type"])
	require.Equal(t, "client-1", frame["clientId"])
	require.Equal(t, 0, ft.afterCount(), "no reconnect should be scheduled on a clean connect")
	require.Equal(t, 1, ft.everyCount(), "heartbeat ticker should be armed")
}

func TestHandleMessageHandshakeAckSetsHeartbeat(t *testing.T) {
	conn := newFakeConn()
	m, _ := newTestManager(conn)

	m.handleMessage(mustJSON(map[string]any{
		"type":          "handshake_ack",
		"eventId":       "e1",
		"clientId":      "client-1",
		"occurredAt":    "2026-01-01T00:00:00Z",
		"schemaVersion": "1",
		"sessionId":     "s1",
		"accepted":      true,
		"heartbeatMs":   15000,
	}))

	require.Equal(t, 15000, m.heartbeatMs)
}

func TestHandleMessageActionAppliesAndSendsAck(t *testing.T) {
	conn := newFakeConn()
	m, _ := newTestManager(conn)
	m.cfg.Applier = applierFunc(func(*envelope.ActionPayload, string) apply.AckResult {
		return apply.AckResult{Status: "applied", ResolvedKey: "note:Foo|0"}
	})

	m.handleMessage(mustJSON(map[string]any{
		"type":           "action",
		"eventId":        "e1",
		"clientId":       "bridge-1",
		"occurredAt":     "2026-01-01T00:00:00Z",
		"schemaVersion":  "1",
		"idempotencyKey": "batch-1",
		"op":             "bookmark_created",
		"target":         "note:Foo|0",
		"payload": map[string]any{
			"parentId": "0",
			"title":    "x",
		},
	}))

	written := conn.snapshot()
	require.Len(t, written, 1)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(written[0], &frame))
	require.Equal(t, "ack", frame["type"])
	require.Equal(t, "applied", frame["status"])
	require.Equal(t, "applied", frame["legacyStatus"])
	require.Equal(t, "note:Foo|0", frame["resolvedKey"])
}

func TestHandleMessageActionDuplicateIdempotencyKeyIsSkipped(t *testing.T) {
	conn := newFakeConn()
	m, _ := newTestManager(conn)
	m.cfg.Applier = applierFunc(func(*envelope.ActionPayload, string) apply.AckResult {
		return apply.AckResult{Status: "applied"}
	})

	frame := mustJSON(map[string]any{
		"type":           "action",
		"eventId":        "e1",
		"clientId":       "bridge-1",
		"occurredAt":     "2026-01-01T00:00:00Z",
		"schemaVersion":  "1",
		"idempotencyKey": "batch-1",
		"op":             "bookmark_created",
		"target":         "note:Foo|0",
		"payload":        map[string]any{"parentId": "0", "title": "x"},
	})

	m.handleMessage(frame)
	m.handleMessage(frame)

	require.Len(t, conn.snapshot(), 1)
}

func TestSendQueuesWhenDisconnected(t *testing.T) {
	ft := &fakeTimers{}
	ledger := dedupe.New(types.DedupeLedger{})
	m := New(Config{ClientID: "c1", Timers: ft}, ledger)

	m.send(map[string]any{"type": "heartbeat_ping"})

	require.Len(t, m.outboundQueue, 1)
}

func TestStatusNormalizationAcrossVocabularies(t *testing.T) {
	require.Equal(t, "rejected", normalizeCurrentStatus("rejected_invalid"))
	require.Equal(t, "rejected_invalid", normalizeLegacyStatus("rejected_invalid"))
	require.Equal(t, "applied", normalizeCurrentStatus("applied"))
	require.Equal(t, "applied", normalizeLegacyStatus("applied"))
}

func TestShouldUseHTTPFallbackAfterRepeatedSendFailures(t *testing.T) {
	conn := failingConn{newFakeConn()}
	m, _ := newTestManager(conn)

	for i := 0; i < httpFallbackAfter; i++ {
		m.send(map[string]any{"type": "heartbeat_ping"})
	}

	require.True(t, m.ShouldUseHTTPFallback())
}

func TestMarkDisconnectedSchedulesBackoffReconnect(t *testing.T) {
	ft := &fakeTimers{}
	ledger := dedupe.New(types.DedupeLedger{})
	m := New(Config{ClientID: "c1", Timers: ft}, ledger)

	m.markDisconnected("read_error", "eof", true)

	require.Equal(t, 1, ft.afterCount())
	require.Equal(t, types.StatusDisconnected, m.status)
}

func TestComputeBackoffCapsAtMax(t *testing.T) {
	require.Equal(t, maxBackoff, computeBackoff(20))
	require.Less(t, computeBackoff(1), maxBackoff)
}

func mustJSON(v map[string]any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
