// Package bridge wires the reverse-sync pipeline, the WebSocket session
// manager, the inbound applier, and the ambient stack into a single running
// service. It is the outermost owner of the durable state record: every
// mutation path takes Bridge's mutex before touching state, mirroring the
// teacher's worker.go discipline of a guarded-struct plus a stopCh rather
// than a message-passing actor.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Runixs/local-event-gateway/pkg/ack"
	"github.com/Runixs/local-event-gateway/pkg/apply"
	"github.com/Runixs/local-event-gateway/pkg/bookmarks"
	"github.com/Runixs/local-event-gateway/pkg/capture"
	"github.com/Runixs/local-event-gateway/pkg/config"
	"github.com/Runixs/local-event-gateway/pkg/dedupe"
	"github.com/Runixs/local-event-gateway/pkg/log"
	"github.com/Runixs/local-event-gateway/pkg/metrics"
	"github.com/Runixs/local-event-gateway/pkg/nodeindex"
	"github.com/Runixs/local-event-gateway/pkg/queue"
	"github.com/Runixs/local-event-gateway/pkg/session"
	"github.com/Runixs/local-event-gateway/pkg/storage"
	"github.com/Runixs/local-event-gateway/pkg/suppress"
	"github.com/Runixs/local-event-gateway/pkg/timers"
	"github.com/Runixs/local-event-gateway/pkg/types"
)

const timelineCapacity = 200

// flushInterval is the period of the repeating reverse-queue flush.
const flushInterval = 2 * time.Second

// Deps lets callers substitute collaborators (store, KV, timers, dialer) for
// tests and alternate runtimes. Zero-valued fields get defaults: an
// in-memory bookmark store and KV, real timers, time.Now, and (through the
// session manager) the gorilla/websocket dialer.
type Deps struct {
	KV      storage.KV
	Store   bookmarks.Store
	Timers  timers.Service
	Dialer  session.Dialer
	Now     func() time.Time
}

// Bridge is the top-level orchestrator.
type Bridge struct {
	mu    sync.Mutex
	state types.State

	stateStore   *storage.StateStore
	timelineSt   *storage.TimelineStore
	sessionSt    *storage.SessionSummaryStore
	cfgRes       *config.Resolver
	store        bookmarks.Store
	timerSvc     timers.Service
	now          func() time.Time

	idx      *nodeindex.Index
	engine   *suppress.Engine
	queue    *queue.Queue
	ledger   *dedupe.Ledger
	applier  *apply.Applier
	sessionM *session.Manager
	captureH *capture.Handler

	timeline     []types.DebugEvent
	inFlight     bool
	cancelFlush  timers.Cancel
	stopCapture  chan struct{}
	activeClient string
	activeToken  string
	httpURL      string
	dialer       session.Dialer
}

// New constructs a Bridge from its dependencies. Call Start to load
// persisted state and begin running.
func New(deps Deps) *Bridge {
	if deps.Store == nil {
		deps.Store = bookmarks.NewMemory()
	}
	if deps.Timers == nil {
		deps.Timers = timers.NewReal()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.KV == nil {
		deps.KV = storage.NewMemoryKV()
	}

	b := &Bridge{
		stateStore:  storage.NewStateStore(deps.KV),
		timelineSt:  storage.NewTimelineStore(deps.KV),
		sessionSt:   storage.NewSessionSummaryStore(deps.KV),
		cfgRes:      config.New(deps.KV),
		store:       deps.Store,
		timerSvc:    deps.Timers,
		now:         deps.Now,
		dialer:      deps.Dialer,
		stopCapture: make(chan struct{}),
	}
	return b
}

// Start loads persisted state and config, wires the session manager and
// capture handler, and begins the periodic reverse-flush loop.
func (b *Bridge) Start(ctx context.Context) error {
	state, err := b.stateStore.Load()
	if err != nil {
		return fmt.Errorf("bridge: failed to load state: %w", err)
	}
	b.mu.Lock()
	b.state = state
	b.idx = nodeindex.New(&b.state.NodeIndex)
	b.engine = suppress.New(&b.state.Suppression)
	b.queue = queue.New(&b.state.Queue)
	b.ledger = dedupe.New(b.state.Dedupe)
	b.applier = apply.New(b.store, b.idx, b.engine)
	b.mu.Unlock()

	cfg, err := b.cfgRes.Load()
	if err != nil {
		return fmt.Errorf("bridge: failed to load config: %w", err)
	}
	profile, ok := config.ActiveProfile(cfg)
	wsURL, httpURL, token, clientID := types.DefaultWSURL, types.DefaultHTTPURL, "", "gatewaysync"
	if ok {
		if profile.WSURL != "" {
			wsURL = profile.WSURL
		}
		if profile.URL != "" {
			httpURL = profile.URL
		}
		token = profile.Token
		if profile.ClientID != "" {
			clientID = profile.ClientID
		}
	}
	b.activeClient, b.activeToken, b.httpURL = clientID, token, httpURL
	b.AddEvent("info", fmt.Sprintf("resolved active profile clientId=%s wsUrl=%s token=%s", clientID, redactURL(wsURL), redactToken(token)))

	b.sessionM = session.New(session.Config{
		ClientID: clientID,
		WSURL:    wsURL,
		HTTPURL:  httpURL,
		Token:    token,
		Dialer:   b.dialer,
		Timers:   b.timerSvc,
		Applier:  b.applier,
		OnAck:    b.reconcileAck,
		InboundLog: func(level, summary string) {
			b.AddEvent(level, summary)
		},
	}, b.ledger)

	// persistLocked assumes the caller already holds b.mu — runCaptureLoop
	// takes it before calling into the capture handler, which may persist
	// mid-handle (e.g. after an enqueue).
	b.captureH = capture.New(b.store, b.idx, b.engine, b.queue, b.ledger, &b.state, b.persistLocked)

	go b.runCaptureLoop()

	if cfg.AutoSync {
		b.sessionM.Ensure("startup")
	}

	b.cancelFlush = b.timerSvc.Every(flushInterval, b.tryFlush)

	return nil
}

// Stop halts the capture loop and the periodic flush, then persists once
// more for good measure.
func (b *Bridge) Stop() error {
	close(b.stopCapture)
	if b.cancelFlush != nil {
		b.cancelFlush()
	}
	return b.persist()
}

// runCaptureLoop drains the bookmark store's event channel, taking the
// bridge's mutex for the duration of each handler invocation so capture
// mutations never race the flush or ack-reconciliation paths.
func (b *Bridge) runCaptureLoop() {
	events := b.store.Events()
	for {
		select {
		case <-b.stopCapture:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.mu.Lock()
			b.captureH.Handle(ev)
			b.mu.Unlock()
		}
	}
}

func (b *Bridge) persist() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateStore.Save(b.state)
}

// persistLocked saves the current state and must only be called while b.mu
// is already held by the caller.
func (b *Bridge) persistLocked() error {
	return b.stateStore.Save(b.state)
}

// reconcileAck is the session manager's OnAck callback.
func (b *Bridge) reconcileAck(resp ack.BatchAckResponse) {
	b.mu.Lock()
	ack.Reconcile(b.queue, &b.state.Queue, b.idx, resp)
	b.mu.Unlock()
	if err := b.persist(); err != nil {
		log.WithComponent("bridge").Error().Err(err).Msg("failed to persist after ack reconciliation")
	}
}

// markFailures bumps RetryCount for every item in items, quarantining any
// that cross queue.MaxRetries, and persists the result.
func (b *Bridge) markFailures(items []types.QueueItem, reason string) {
	failed := make(map[string]bool, len(items))
	for _, it := range items {
		failed[it.Event.EventID] = true
	}
	b.mu.Lock()
	b.queue.MarkFailures(failed, reason)
	metrics.ReverseQueueDepth.Set(float64(len(b.state.Queue)))
	b.mu.Unlock()
	if err := b.persist(); err != nil {
		log.WithComponent("bridge").Error().Err(err).Msg("failed to persist after marking failures")
	}
}

// tryFlush enforces the "at most one reverse flush in flight" invariant,
// then sends one action frame per coalesced queue item without holding the
// lock across the network call.
func (b *Bridge) tryFlush() {
	b.mu.Lock()
	if b.inFlight {
		b.mu.Unlock()
		return
	}
	if len(b.state.Queue) == 0 {
		b.mu.Unlock()
		return
	}
	b.inFlight = true
	coalesced := queue.Coalesce(b.state.Queue)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inFlight = false
		b.mu.Unlock()
	}()

	start := time.Now()
	sent := true
	if b.sessionM.ShouldUseHTTPFallback() {
		sent = b.flushOverHTTP(coalesced)
	} else {
		b.flushOverWebSocket(coalesced)
	}
	metrics.ReverseFlushDuration.Observe(time.Since(start).Seconds())

	b.mu.Lock()
	if sent {
		b.queue.SupersededSweep(coalesced)
	}
	metrics.ReverseQueueDepth.Set(float64(len(b.state.Queue)))
	b.mu.Unlock()
	_ = b.persist()
}

// flushOverWebSocket sends one "action" envelope per coalesced item, per
// "flushReverseOverWebSocket" in §4.I. It does not mutate the queue itself;
// drainage happens only through acks.
func (b *Bridge) flushOverWebSocket(items []types.QueueItem) {
	for _, item := range items {
		ev := item.Event
		target := ev.ManagedKey
		if target == "" {
			target = ev.BookmarkID
		}
		payload := map[string]any{
			"bookmarkId": ev.BookmarkID,
			"managedKey": ev.ManagedKey,
			"parentId":   ev.ParentID,
			"title":      ev.Title,
			"url":        ev.URL,
		}
		if ev.MoveIndex != nil {
			payload["moveIndex"] = *ev.MoveIndex
		}
		b.sessionM.SendEnvelope(map[string]any{
			"type": "action",
			// eventId must be the queue item's own EventID, not a fresh one:
			// the bridge echoes it back as the ack's correlationId, and
			// ack.Reconcile matches acks against the queue by EventID.
			"eventId":        ev.EventID,
			"clientId":       b.activeClient,
			"occurredAt":     b.now().UTC().Format(time.RFC3339),
			"schemaVersion":  "1.0",
			"idempotencyKey": ev.BatchID,
			"op":             string(ev.Type),
			"target":         target,
			"payload":        payload,
		})
	}
}

// flushOverHTTP uses the legacy POST fallback for the whole coalesced batch
// at once, matching the §6 wire shape, and reconciles the ack exactly like
// the WebSocket path. A transport failure or an unparseable response body
// counts as a failure for every item in the batch and is fed to
// queue.MarkFailures so §4.F's retry/quarantine bookkeeping still applies
// on this path. It reports whether the batch was delivered and its ack
// reconciled.
func (b *Bridge) flushOverHTTP(items []types.QueueItem) bool {
	events := make([]types.ReverseEvent, 0, len(items))
	for _, it := range items {
		events = append(events, it.Event)
	}
	body, err := json.Marshal(map[string]any{
		"batchId": uuid.NewString(),
		"events":  events,
		"sentAt":  b.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	respBody, err := session.PostReverseBatch(ctx, b.httpURL, b.activeToken, body)
	if err != nil {
		b.AddEvent("warn", fmt.Sprintf("http fallback flush failed: %s", err.Error()))
		b.markFailures(items, "http_fallback_transport_error")
		return false
	}

	var resp ack.BatchAckResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		b.AddEvent("warn", fmt.Sprintf("http fallback flush: unparseable ack response: %s", err.Error()))
		b.markFailures(items, "http_fallback_unparseable_response")
		return false
	}
	for _, r := range resp.Results {
		metrics.AckResultsTotal.WithLabelValues(r.Status).Inc()
	}
	b.reconcileAck(resp)
	return true
}

// ManualSync resolves to ensure(reason="manual") per the §6 CLI surface.
func (b *Bridge) ManualSync() {
	b.sessionM.Ensure("manual")
}

// GetConfig returns the persisted bridge configuration.
func (b *Bridge) GetConfig() (types.BridgeConfig, error) {
	return b.cfgRes.Load()
}

// SetConfig persists cfg (clamping priorities) per the §6 CLI surface.
func (b *Bridge) SetConfig(cfg types.BridgeConfig) error {
	return b.cfgRes.Save(cfg)
}

// Status summarizes the session for the §6 "get session summary" op. The
// session manager reports its own in-flight outbound frame count; this
// overwrites QueuedOutbound with the durable reverse-queue backlog, which is
// the figure a bridge operator actually cares about.
func (b *Bridge) Status() types.SessionState {
	st := b.sessionM.Status()
	b.mu.Lock()
	st.QueuedOutbound = len(b.state.Queue)
	b.mu.Unlock()
	return st
}

// AddEvent appends a redacted entry to the bounded debug timeline and
// persists a snapshot of both the timeline and the session summary, so a
// separate CLI invocation can read the running daemon's last-known state
// without an IPC channel to it.
func (b *Bridge) AddEvent(level, summary string) {
	b.mu.Lock()
	b.timeline = append(b.timeline, types.DebugEvent{
		Time:    b.now(),
		Level:   level,
		Summary: redactSummary(summary),
	})
	if len(b.timeline) > timelineCapacity {
		b.timeline = b.timeline[len(b.timeline)-timelineCapacity:]
	}
	snapshot := append([]types.DebugEvent(nil), b.timeline...)
	sessionM := b.sessionM
	b.mu.Unlock()

	if err := b.timelineSt.Save(snapshot); err != nil {
		log.WithComponent("bridge").Warn().Err(err).Msg("failed to persist debug timeline")
	}
	if sessionM != nil {
		if err := b.sessionSt.Save(sessionM.Status()); err != nil {
			log.WithComponent("bridge").Warn().Err(err).Msg("failed to persist session summary")
		}
	}
}

// Events returns a copy of the current debug timeline (§6 "get debug events").
func (b *Bridge) Events() []types.DebugEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.DebugEvent(nil), b.timeline...)
}

// ClearEvents empties the debug timeline (§6 "clear debug events").
func (b *Bridge) ClearEvents() {
	b.mu.Lock()
	b.timeline = nil
	b.mu.Unlock()
	if err := b.timelineSt.Save(nil); err != nil {
		log.WithComponent("bridge").Warn().Err(err).Msg("failed to persist cleared debug timeline")
	}
}

// LoadPersistedTimeline reads the debug timeline directly from kv, for CLI
// commands that inspect a running daemon's state without starting a Bridge.
func LoadPersistedTimeline(kv storage.KV) ([]types.DebugEvent, error) {
	return storage.NewTimelineStore(kv).Load()
}

// ClearPersistedTimeline clears the persisted debug timeline directly in kv.
func ClearPersistedTimeline(kv storage.KV) error {
	return storage.NewTimelineStore(kv).Save(nil)
}

// LoadPersistedSessionSummary reads the last-known session summary directly
// from kv, for the CLI "status" command.
func LoadPersistedSessionSummary(kv storage.KV) (types.SessionState, error) {
	return storage.NewSessionSummaryStore(kv).Load()
}

func redactSummary(summary string) string {
	// Token values and bridge URLs must never land in the timeline in the
	// clear; callers are expected to pass already-scoped summaries, but any
	// embedded ws://, http://, or https:// URL is still masked defensively.
	return redactEmbeddedURLs(summary)
}
