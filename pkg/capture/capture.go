// Package capture implements the local-event capture handlers (§4.J): one
// per bookmark-store event kind, each responsible for deriving a managed
// key, building a ReverseEvent, and enqueuing it through the reverse queue.
package capture

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Runixs/local-event-gateway/pkg/bookmarks"
	"github.com/Runixs/local-event-gateway/pkg/dedupe"
	"github.com/Runixs/local-event-gateway/pkg/log"
	"github.com/Runixs/local-event-gateway/pkg/metrics"
	"github.com/Runixs/local-event-gateway/pkg/nodeindex"
	"github.com/Runixs/local-event-gateway/pkg/queue"
	"github.com/Runixs/local-event-gateway/pkg/suppress"
	"github.com/Runixs/local-event-gateway/pkg/types"
)

// Handler wires a bookmark-store event stream to the reverse queue.
type Handler struct {
	store   bookmarks.Store
	idx     *nodeindex.Index
	engine  *suppress.Engine
	queue   *queue.Queue
	ledger  *dedupe.Ledger
	state   *types.State
	now     func() time.Time
	persist func() error
}

// New constructs a Handler over its collaborators. persist is called after
// every successful enqueue and after every importBegan/importEnded flip, so
// the caller can wire it to the state store's Save.
func New(store bookmarks.Store, idx *nodeindex.Index, engine *suppress.Engine, q *queue.Queue, ledger *dedupe.Ledger, state *types.State, persist func() error) *Handler {
	return &Handler{store: store, idx: idx, engine: engine, queue: q, ledger: ledger, state: state, now: time.Now, persist: persist}
}

// WithClock overrides the handler's time source (test hook).
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// Run subscribes to store.Events() and dispatches until the channel closes
// or stop is closed.
func (h *Handler) Run(stop <-chan struct{}) {
	events := h.store.Events()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Handle(ev)
		}
	}
}

// Handle dispatches a single bookmark-store event per §4.J.
func (h *Handler) Handle(ev bookmarks.Event) {
	switch ev.Kind {
	case bookmarks.EventImportBegan:
		h.state.ImportInProgress = true
		h.persistOrLog()
		return
	case bookmarks.EventImportEnded:
		h.state.ImportInProgress = false
		h.persistOrLog()
		return
	}

	if h.state.ImportInProgress {
		h.logSkip(ev, "import_in_progress")
		return
	}
	if h.engine.Suppressed() {
		h.logSkip(ev, "suppressed")
		return
	}

	switch ev.Kind {
	case bookmarks.EventCreated:
		h.handleCreated(ev)
	case bookmarks.EventChanged:
		h.handleChanged(ev)
	case bookmarks.EventRemoved:
		h.handleRemoved(ev)
	case bookmarks.EventMoved:
		h.handleMoved(ev)
	}
}

func (h *Handler) logSkip(ev bookmarks.Event, reason string) {
	log.WithComponent("capture").Info().
		Str("node_id", ev.Node.ID).
		Str("kind", string(ev.Kind)).
		Str("reason", reason).
		Msg("capture_skip")
}

func (h *Handler) handleCreated(ev bookmarks.Event) {
	parentKey, parentTitle := h.parentInfo(ev.Node.ParentID)
	key := h.idx.DeriveKey(ev.Node.ID, nodeindex.ParentInfo{ParentKey: parentKey, ParentTitle: parentTitle}, ev.Node.Index)
	h.idx.RecordMapping(ev.Node.ID, key)

	evType := types.EventBookmarkCreated
	if ev.Node.IsFolder {
		// Folder creation has no dedicated wire type in V1; it is still
		// tracked in the node index so descendants can resolve a parent key,
		// but nothing is enqueued for the folder node itself.
		return
	}

	h.enqueue(types.ReverseEvent{
		Type:       evType,
		BookmarkID: ev.Node.ID,
		ManagedKey: key,
		Title:      ev.Node.Title,
		URL:        ev.Node.URL,
		ParentID:   ev.Node.ParentID,
		OccurredAt: ev.Time.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleChanged(ev bookmarks.Event) {
	if h.idx.IsManagedFolder(ev.Node.ID) {
		key, _ := h.idx.KeyForId(ev.Node.ID)
		h.enqueue(types.ReverseEvent{
			Type:       types.EventFolderRenamed,
			BookmarkID: ev.Node.ID,
			ManagedKey: key,
			Title:      ev.Node.Title,
			ParentID:   ev.Node.ParentID,
			OccurredAt: ev.Time.UTC().Format(time.RFC3339),
		})
		return
	}

	key, ok := h.idx.KeyForId(ev.Node.ID)
	if !ok {
		parentKey, parentTitle := h.parentInfo(ev.Node.ParentID)
		key = h.idx.DeriveKey(ev.Node.ID, nodeindex.ParentInfo{ParentKey: parentKey, ParentTitle: parentTitle}, ev.Node.Index)
		h.idx.RecordMapping(ev.Node.ID, key)
	}
	h.enqueue(types.ReverseEvent{
		Type:       types.EventBookmarkUpdated,
		BookmarkID: ev.Node.ID,
		ManagedKey: key,
		Title:      ev.Node.Title,
		URL:        ev.Node.URL,
		ParentID:   ev.Node.ParentID,
		OccurredAt: ev.Time.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleRemoved(ev bookmarks.Event) {
	if h.idx.IsManagedFolder(ev.Node.ID) {
		// removed on a managed folder id is ignored in V1.
		return
	}
	key, _ := h.idx.KeyForId(ev.Node.ID)
	if key == "" {
		key = "bookmark:" + ev.Node.ID
	}
	h.enqueue(types.ReverseEvent{
		Type:       types.EventBookmarkDeleted,
		BookmarkID: ev.Node.ID,
		ManagedKey: key,
		OccurredAt: ev.Time.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleMoved(ev bookmarks.Event) {
	key, ok := h.idx.KeyForId(ev.Node.ID)
	if !ok {
		parentKey, parentTitle := h.parentInfo(ev.Node.ParentID)
		key = h.idx.DeriveKey(ev.Node.ID, nodeindex.ParentInfo{ParentKey: parentKey, ParentTitle: parentTitle}, ev.Node.Index)
		h.idx.RecordMapping(ev.Node.ID, key)
	}

	reverseEv := types.ReverseEvent{
		Type:       types.EventBookmarkUpdated,
		BookmarkID: ev.Node.ID,
		ManagedKey: key,
		Title:      ev.Node.Title,
		URL:        ev.Node.URL,
		ParentID:   ev.Node.ParentID,
		OccurredAt: ev.Time.UTC().Format(time.RFC3339),
	}
	if ev.OldParentID == ev.Node.ParentID {
		idx := h.linkOnlyIndex(ev.Node.ParentID, ev.Node.ID)
		reverseEv.MoveIndex = &idx
	}
	h.enqueue(reverseEv)
}

// linkOnlyIndex computes the position of id among parentID's children
// counting only non-folder (link) entries, per §4.J's "folders don't count"
// rule for same-parent moves.
func (h *Handler) linkOnlyIndex(parentID, id string) int {
	children, err := h.store.GetChildren(parentID)
	if err != nil {
		return 0
	}
	pos := 0
	for _, c := range children {
		if c.ID == id {
			return pos
		}
		if !c.IsFolder {
			pos++
		}
	}
	return 0
}

func (h *Handler) parentInfo(parentID string) (parentKey, parentTitle string) {
	if parentID == "" {
		return "", ""
	}
	if key, ok := h.idx.FolderKeyForId(parentID); ok {
		parentKey = key
	}
	if node, ok, err := h.store.Get(parentID); err == nil && ok {
		parentTitle = node.Title
	}
	return parentKey, parentTitle
}

func (h *Handler) enqueue(ev types.ReverseEvent) {
	ev.SchemaVersion = "1"
	ev.BatchID = uuid.NewString()
	ev.EventID = fmt.Sprintf("%s-%d", ev.BatchID, h.now().UnixNano())

	accepted := h.queue.Enqueue(h.ledger, ev)
	if !accepted {
		return
	}
	metrics.ReverseEventsEnqueuedTotal.Inc()
	metrics.ReverseQueueDepth.Set(float64(h.queue.Len()))
	h.persistOrLog()
}

func (h *Handler) persistOrLog() {
	if h.persist == nil {
		return
	}
	if err := h.persist(); err != nil {
		log.WithComponent("capture").Error().Err(err).Msg("failed to persist state after capture")
	}
}
