// Package storage implements the durable KV capability (§6) and the single
// durable state record (§4.C) on top of it, using go.etcd.io/bbolt in the
// style of the teacher's BoltStore, with a single bucket holding all keys.
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/Runixs/local-event-gateway/pkg/types"
)

var bucketGatewaySync = []byte("gatewaysync")

const (
	// KeyState is the storage key for the single managed-state record.
	KeyState = "state"
	// KeyConfig is the storage key for the bridge configuration.
	KeyConfig = "bridge_config"
	// KeyDebugTimeline is the storage key for the bounded debug timeline.
	KeyDebugTimeline = "debug_timeline"
	// KeySessionSummary is the storage key for the session summary.
	KeySessionSummary = "session_summary"
)

// KV is the async get/set-over-string-keys capability described in §6.
// Get returns (nil, nil) for a missing key, mirroring the spec's treatment
// of load() receiving null input.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}

// BoltKV implements KV using a bbolt-backed single bucket.
type BoltKV struct {
	db *bolt.DB
}

// NewBoltKV opens (creating if necessary) a bbolt database under dataDir.
func NewBoltKV(dataDir string) (*BoltKV, error) {
	dbPath := filepath.Join(dataDir, "gatewaysync.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketGatewaySync)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltKV{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltKV) Close() error {
	return s.db.Close()
}

func (s *BoltKV) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGatewaySync)
		v := b.Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *BoltKV) Set(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGatewaySync)
		return b.Put([]byte(key), value)
	})
}

// MemoryKV is an in-memory KV used by tests.
type MemoryKV struct {
	data map[string][]byte
}

// NewMemoryKV returns an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (m *MemoryKV) Set(key string, value []byte) error {
	m.data[key] = value
	return nil
}

// StateStore owns the single managed-state record, loading and migrating
// whatever was persisted and saving it back atomically as one JSON blob.
type StateStore struct {
	kv KV
}

// NewStateStore wraps the given KV capability.
func NewStateStore(kv KV) *StateStore {
	return &StateStore{kv: kv}
}

// Load reads the state record and runs Migrate on whatever bytes (or
// absence of bytes) it finds, always returning a fully-defaulted record.
func (s *StateStore) Load() (types.State, error) {
	raw, err := s.kv.Get(KeyState)
	if err != nil {
		return types.State{}, err
	}
	if raw == nil {
		return types.DefaultState(), nil
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		// Unparseable bytes are treated the same as absent state.
		return Migrate(nil), nil
	}
	return Migrate(generic), nil
}

// Save persists the whole record atomically.
func (s *StateStore) Save(state types.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.kv.Set(KeyState, raw)
}

// TimelineStore persists the bounded debug timeline under KeyDebugTimeline so
// a separate CLI invocation (which does not share the running daemon's
// in-memory ring buffer) can still read and clear it.
type TimelineStore struct {
	kv KV
}

// NewTimelineStore wraps the given KV capability.
func NewTimelineStore(kv KV) *TimelineStore {
	return &TimelineStore{kv: kv}
}

// Load returns the persisted timeline, or nil if none has been saved yet.
func (s *TimelineStore) Load() ([]types.DebugEvent, error) {
	raw, err := s.kv.Get(KeyDebugTimeline)
	if err != nil || raw == nil {
		return nil, err
	}
	var events []types.DebugEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, nil
	}
	return events, nil
}

// Save persists the timeline snapshot atomically.
func (s *TimelineStore) Save(events []types.DebugEvent) error {
	raw, err := json.Marshal(events)
	if err != nil {
		return err
	}
	return s.kv.Set(KeyDebugTimeline, raw)
}

// SessionSummaryStore persists the session status under KeySessionSummary so
// the CLI's "status" command can report the running daemon's last-known
// session state without an IPC channel to the daemon itself.
type SessionSummaryStore struct {
	kv KV
}

// NewSessionSummaryStore wraps the given KV capability.
func NewSessionSummaryStore(kv KV) *SessionSummaryStore {
	return &SessionSummaryStore{kv: kv}
}

// Load returns the persisted session summary, or a disconnected zero value
// if none has been saved yet.
func (s *SessionSummaryStore) Load() (types.SessionState, error) {
	raw, err := s.kv.Get(KeySessionSummary)
	if err != nil {
		return types.SessionState{}, err
	}
	if raw == nil {
		return types.SessionState{Status: types.StatusDisconnected}, nil
	}
	var st types.SessionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return types.SessionState{Status: types.StatusDisconnected}, nil
	}
	return st, nil
}

// Save persists the session summary snapshot.
func (s *SessionSummaryStore) Save(st types.SessionState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.kv.Set(KeySessionSummary, raw)
}

// Migrate normalizes arbitrary decoded JSON (object, array, scalar, nil)
// into a fully-defaulted State, preserving every recognized field and
// adding any missing field with its documented default. It never panics
// and never drops queue items it can recognize.
func Migrate(generic any) types.State {
	out := types.DefaultState()

	obj, ok := generic.(map[string]any)
	if !ok {
		return out
	}

	if v, ok := asInt(obj["version"]); ok {
		out.Version = v
	}
	if ni, ok := obj["nodeIndex"].(map[string]any); ok {
		out.NodeIndex = migrateNodeIndex(ni)
	}
	if rawQueue, ok := obj["queue"].([]any); ok {
		out.Queue = migrateQueue(rawQueue)
	}
	if rawDedupe, ok := obj["dedupe"].(map[string]any); ok {
		out.Dedupe = migrateDedupe(rawDedupe)
	}
	if rawSuppression, ok := obj["suppressionState"].(map[string]any); ok {
		out.Suppression = migrateSuppression(rawSuppression)
	}
	if rawSession, ok := obj["session"].(map[string]any); ok {
		out.Session = migrateSession(rawSession)
	}
	if v, ok := obj["importInProgress"].(bool); ok {
		out.ImportInProgress = v
	}
	return out
}

func migrateNodeIndex(obj map[string]any) types.NodeIndex {
	out := types.NewNodeIndex()
	if m, ok := obj["folders"].(map[string]any); ok {
		out.Folders = toStringMap(m)
	}
	if m, ok := obj["bookmarks"].(map[string]any); ok {
		out.Bookmarks = toStringMap(m)
	}
	if m, ok := obj["idToKey"].(map[string]any); ok {
		out.IDToKey = toStringMap(m)
	}
	return out
}

func migrateQueue(raw []any) []types.QueueItem {
	out := make([]types.QueueItem, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		qi := types.QueueItem{}
		if evRaw, ok := m["event"].(map[string]any); ok {
			qi.Event = migrateEvent(evRaw)
		}
		if rc, ok := asInt(m["retryCount"]); ok {
			qi.RetryCount = rc
		}
		if ea, ok := m["enqueuedAt"].(string); ok {
			qi.EnqueuedAt = ea
		}
		out = append(out, qi)
	}
	return out
}

func migrateEvent(m map[string]any) types.ReverseEvent {
	ev := types.ReverseEvent{SchemaVersion: "1"}
	strField := func(key string) string {
		if s, ok := m[key].(string); ok {
			return s
		}
		return ""
	}
	ev.SchemaVersion = firstNonEmpty(strField("schemaVersion"), "1")
	ev.BatchID = strField("batchId")
	ev.EventID = strField("eventId")
	ev.Type = types.ReverseEventType(strField("type"))
	ev.BookmarkID = strField("bookmarkId")
	ev.ManagedKey = strField("managedKey")
	ev.Title = strField("title")
	ev.URL = strField("url")
	ev.ParentID = strField("parentId")
	ev.OccurredAt = strField("occurredAt")
	if v, ok := asInt(m["moveIndex"]); ok {
		ev.MoveIndex = &v
	}
	return ev
}

func migrateDedupe(raw map[string]any) types.DedupeLedger {
	out := types.DedupeLedger{}
	for clientID, bucketRaw := range raw {
		bucket, ok := bucketRaw.(map[string]any)
		if !ok {
			continue
		}
		entries := make(map[string]int64, len(bucket))
		for key, ts := range bucket {
			if n, ok := asInt64(ts); ok {
				entries[key] = n
			}
		}
		out[clientID] = entries
	}
	return out
}

func migrateSuppression(raw map[string]any) types.SuppressionState {
	out := types.SuppressionState{}
	if v, ok := raw["applyEpoch"].(bool); ok {
		out.ApplyEpoch = v
	}
	if v, ok := raw["epochStartedAt"].(string); ok && v != "" {
		out.EpochStartedAt = &v
	}
	switch v := raw["cooldownUntil"].(type) {
	case float64:
		n := int64(v)
		out.CooldownUntil = &n
	case string:
		if n, ok := asInt64FromString(v); ok {
			out.CooldownUntil = &n
		}
	}
	return out
}

func migrateSession(raw map[string]any) types.SessionState {
	out := types.SessionState{Status: types.StatusDisconnected, HeartbeatMs: 25000}
	if v, ok := raw["status"].(string); ok && v != "" {
		out.Status = types.SessionStatus(v)
	}
	if v, ok := raw["activeClientId"].(string); ok {
		out.ActiveClientID = v
	}
	if v, ok := raw["wsUrl"].(string); ok {
		out.WSURL = v
	}
	if v, ok := asInt(raw["reconnectAttempt"]); ok {
		out.ReconnectAttempt = v
	}
	if v, ok := asInt(raw["heartbeatMs"]); ok {
		out.HeartbeatMs = clampHeartbeat(v)
	}
	if v, ok := raw["lastConnectedAt"].(string); ok {
		out.LastConnectedAt = v
	}
	if v, ok := raw["lastError"].(string); ok {
		out.LastError = v
	}
	if v, ok := asInt(raw["queuedInbound"]); ok {
		out.QueuedInbound = v
	}
	if v, ok := asInt(raw["queuedOutbound"]); ok {
		out.QueuedOutbound = v
	}
	return out
}

func clampHeartbeat(ms int) int {
	if ms < 1000 {
		return 1000
	}
	if ms > 120000 {
		return 120000
	}
	return ms
}

func toStringMap(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
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

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func asInt64FromString(s string) (int64, bool) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, false
	}
	return n, true
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
