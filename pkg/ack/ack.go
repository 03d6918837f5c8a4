// Package ack implements the ack reconciler (§4.G): applying a batch ack
// response to the reverse queue and the managed-node index.
package ack

import (
	"github.com/Runixs/local-event-gateway/pkg/log"
	"github.com/Runixs/local-event-gateway/pkg/nodeindex"
	"github.com/Runixs/local-event-gateway/pkg/queue"
	"github.com/Runixs/local-event-gateway/pkg/types"
)

// Result is one per-event outcome in a BatchAckResponse.
type Result struct {
	EventID     string `json:"eventId"`
	Status      string `json:"status"` // applied | duplicate | skipped_ambiguous | skipped_unmanaged | rejected_invalid | unknown
	Reason      string `json:"reason,omitempty"`
	ResolvedKey string `json:"resolvedKey,omitempty"`
}

// BatchAckResponse is the legacy/WS-bridged shape described in §4.G and §6,
// and matches the reverse HTTP endpoint's {batchId, results[]} response body
// verbatim so it can be json.Unmarshal'd directly.
type BatchAckResponse struct {
	BatchID string   `json:"batchId"`
	Results []Result `json:"results"`
}

// Reconcile applies resp to the queue and node index. It snapshots
// eventId -> queue item before any mutation, so a resolvedKey can be
// attributed to the right bookmarkId even after the item is removed.
func Reconcile(q *queue.Queue, items *[]types.QueueItem, idx *nodeindex.Index, resp BatchAckResponse) {
	snapshot := make(map[string]types.QueueItem, len(*items))
	for _, it := range *items {
		snapshot[it.Event.EventID] = it
	}

	toRemove := make(map[string]bool)
	for _, r := range resp.Results {
		item, known := snapshot[r.EventID]

		switch r.Status {
		case "applied":
			if r.ResolvedKey != "" && known && item.Event.BookmarkID != "" {
				idx.RecordMapping(item.Event.BookmarkID, r.ResolvedKey)
			}
			toRemove[r.EventID] = true
		case "duplicate":
			toRemove[r.EventID] = true
		case "skipped_ambiguous", "skipped_unmanaged":
			toRemove[r.EventID] = true
		case "rejected_invalid":
			toRemove[r.EventID] = true
		default:
			log.WithComponent("ack-reconciler").Warn().
				Str("event_id", r.EventID).
				Str("status", r.Status).
				Str("reason", "unknown_status").
				Msg("ack status not recognized, retaining queue item")
		}
	}
	q.Remove(toRemove)
}
