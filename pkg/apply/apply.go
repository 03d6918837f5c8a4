// Package apply implements the inbound applier (§4.H): applying a validated
// inbound "action" envelope to the local bookmark tree and producing the
// corresponding ack. The whole application cycle runs under the
// suppression engine's apply-epoch/cooldown discipline so that local
// observer events produced by the apply do not echo back.
package apply

import (
	"github.com/Runixs/local-event-gateway/pkg/bookmarks"
	"github.com/Runixs/local-event-gateway/pkg/envelope"
	"github.com/Runixs/local-event-gateway/pkg/nodeindex"
	"github.com/Runixs/local-event-gateway/pkg/suppress"
)

// AckResult is the outcome of applying one inbound action, shaped for the
// caller to turn into an "ack" envelope.
type AckResult struct {
	Status      string // applied | rejected_invalid | skipped_ambiguous
	Reason      string
	ResolvedKey string
}

// Applier applies inbound action payloads against a bookmark Store and the
// managed-node index.
type Applier struct {
	store  bookmarks.Store
	idx    *nodeindex.Index
	engine *suppress.Engine
}

// New constructs an Applier over the given collaborators.
func New(store bookmarks.Store, idx *nodeindex.Index, engine *suppress.Engine) *Applier {
	return &Applier{store: store, idx: idx, engine: engine}
}

// Apply runs action under the apply-epoch/cooldown gate and returns the ack
// result to send back to the bridge.
func (a *Applier) Apply(action *envelope.ActionPayload, target string) AckResult {
	var result AckResult
	_ = a.engine.RunApply(func() error {
		result = a.applyOne(action, target)
		return nil
	})
	return result
}

func (a *Applier) applyOne(action *envelope.ActionPayload, target string) AckResult {
	switch action.Op {
	case "bookmark_created":
		return a.applyCreated(action, target)
	case "bookmark_updated":
		return a.applyUpdated(action, target)
	case "bookmark_deleted":
		return a.applyDeleted(action)
	case "folder_renamed":
		return a.applyFolderRenamed(action)
	case "bookmark_moved":
		return a.applyMoved(action)
	case "snapshot":
		return a.applySnapshot(action)
	default:
		return AckResult{Status: "rejected_invalid", Reason: "unsupported_action"}
	}
}

func (a *Applier) resolvedKey(action *envelope.ActionPayload, target string, newID string) string {
	if mk, ok := action.Payload["managedKey"].(string); ok && mk != "" {
		return mk
	}
	if target != "" {
		return target
	}
	return newID
}

func (a *Applier) applyCreated(action *envelope.ActionPayload, target string) AckResult {
	parentID, _ := action.Payload["parentId"].(string)
	if parentID == "" {
		return AckResult{Status: "rejected_invalid", Reason: "missing_parentId"}
	}
	title, _ := action.Payload["title"].(string)
	url, _ := action.Payload["url"].(string)

	node, err := a.store.Create(bookmarks.CreateSpec{ParentID: parentID, Title: title, URL: url})
	if err != nil {
		return AckResult{Status: "skipped_ambiguous", Reason: err.Error()}
	}
	key := a.resolvedKey(action, target, node.ID)
	a.idx.RecordMapping(node.ID, key)
	return AckResult{Status: "applied", ResolvedKey: key}
}

func (a *Applier) resolveBookmarkID(action *envelope.ActionPayload) (string, bool) {
	if bid, ok := action.Payload["bookmarkId"].(string); ok && bid != "" {
		return bid, true
	}
	return "", false
}

func (a *Applier) applyUpdated(action *envelope.ActionPayload, target string) AckResult {
	bid, ok := a.resolveBookmarkID(action)
	if !ok {
		return AckResult{Status: "rejected_invalid", Reason: "missing_bookmarkId"}
	}
	var titlePtr, urlPtr *string
	if title, ok := action.Payload["title"].(string); ok {
		titlePtr = &title
	}
	if url, ok := action.Payload["url"].(string); ok {
		urlPtr = &url
	}
	if err := a.store.Update(bid, bookmarks.UpdateSpec{Title: titlePtr, URL: urlPtr}); err != nil {
		return AckResult{Status: "skipped_ambiguous", Reason: err.Error()}
	}
	key := a.resolvedKey(action, target, bid)
	a.idx.RecordMapping(bid, key)
	return AckResult{Status: "applied", ResolvedKey: key}
}

func (a *Applier) applyDeleted(action *envelope.ActionPayload) AckResult {
	bid, ok := a.resolveBookmarkID(action)
	if !ok {
		return AckResult{Status: "rejected_invalid", Reason: "missing_bookmarkId"}
	}
	if err := a.store.Remove(bid); err != nil {
		return AckResult{Status: "skipped_ambiguous", Reason: err.Error()}
	}
	return AckResult{Status: "applied"}
}

func (a *Applier) applyFolderRenamed(action *envelope.ActionPayload) AckResult {
	bid, ok := a.resolveBookmarkID(action)
	if !ok {
		return AckResult{Status: "rejected_invalid", Reason: "missing_bookmarkId"}
	}
	title, _ := action.Payload["title"].(string)
	if err := a.store.Update(bid, bookmarks.UpdateSpec{Title: &title}); err != nil {
		return AckResult{Status: "skipped_ambiguous", Reason: err.Error()}
	}
	return AckResult{Status: "applied"}
}

func (a *Applier) applyMoved(action *envelope.ActionPayload) AckResult {
	bid, ok := a.resolveBookmarkID(action)
	if !ok {
		return AckResult{Status: "rejected_invalid", Reason: "missing_bookmarkId"}
	}
	parentID, ok := action.Payload["parentId"].(string)
	if !ok || parentID == "" {
		return AckResult{Status: "rejected_invalid", Reason: "missing_parentId"}
	}
	move := bookmarks.MoveSpec{ParentID: parentID}
	if idxRaw, present := action.Payload["index"]; present {
		if idxF, ok := idxRaw.(float64); ok {
			idx := int(idxF)
			move.Index = &idx
		}
	}
	if err := a.store.Move(bid, move); err != nil {
		return AckResult{Status: "skipped_ambiguous", Reason: err.Error()}
	}
	return AckResult{Status: "applied"}
}

// SnapshotNode describes one desired node in a wholesale snapshot re-apply.
type SnapshotNode struct {
	ManagedKey string
	ParentKey  string // "" for top-level under the gateway root
	Title      string
	URL        string // empty for a folder
}

func (a *Applier) applySnapshot(action *envelope.ActionPayload) AckResult {
	rawNodes, ok := action.Payload["nodes"].([]any)
	if !ok {
		return AckResult{Status: "rejected_invalid", Reason: "missing_nodes"}
	}
	for _, rn := range rawNodes {
		m, ok := rn.(map[string]any)
		if !ok {
			continue
		}
		managedKey, _ := m["managedKey"].(string)
		parentKey, _ := m["parentKey"].(string)
		title, _ := m["title"].(string)
		url, _ := m["url"].(string)
		if managedKey == "" {
			continue
		}
		if err := a.applySnapshotNode(managedKey, parentKey, title, url); err != nil {
			return AckResult{Status: "skipped_ambiguous", Reason: err.Error()}
		}
	}
	return AckResult{Status: "applied"}
}

func (a *Applier) applySnapshotNode(managedKey, parentKey, title, url string) error {
	var parentID string
	if parentKey != "" {
		if id, ok := a.idx.ResolveKey(parentKey); ok {
			parentID = id
		}
	}
	if existingID, ok := a.reverseLookup(managedKey); ok {
		t := title
		u := url
		if err := a.store.Update(existingID, bookmarks.UpdateSpec{Title: &t, URL: &u}); err != nil {
			return err
		}
		return nil
	}
	node, err := a.store.Create(bookmarks.CreateSpec{ParentID: parentID, Title: title, URL: url})
	if err != nil {
		return err
	}
	a.idx.RecordMapping(node.ID, managedKey)
	return nil
}

func (a *Applier) reverseLookup(managedKey string) (string, bool) {
	// KeyForId is a local-id -> key lookup; here we need key -> id. The
	// index stores that in Folders/Bookmarks directly.
	return a.idx.ResolveKey(managedKey)
}
