// Package queue implements the reverse queue (§4.F): enqueue with dedupe,
// per-bookmark last-write-wins coalescing at flush time, and retry-with-
// quarantine bookkeeping on transport failure.
package queue

import (
	"time"

	"github.com/Runixs/local-event-gateway/pkg/dedupe"
	"github.com/Runixs/local-event-gateway/pkg/log"
	"github.com/Runixs/local-event-gateway/pkg/metrics"
	"github.com/Runixs/local-event-gateway/pkg/types"
)

// MaxRetries is the retry count at which a quarantine is triggered.
const MaxRetries = 3

// Queue wraps the reverse-queue slice embedded in the durable state record.
type Queue struct {
	items *[]types.QueueItem
	now   func() time.Time
}

// New wraps the given queue slice pointer for in-place mutation.
func New(items *[]types.QueueItem) *Queue {
	return &Queue{items: items, now: time.Now}
}

// WithClock overrides the queue's time source (test hook).
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue dedupes ev.EventID against the "outbound" ledger bucket; if it has
// already been seen, the event is dropped and a capture_skip is logged.
// Otherwise the event is appended with retryCount 0 and a fresh
// enqueuedAt timestamp.
func (q *Queue) Enqueue(ledger *dedupe.Ledger, ev types.ReverseEvent) (accepted bool) {
	if !ledger.RecordAndCheck("outbound", ev.EventID, q.now().UnixMilli()) {
		log.WithComponent("reverse-queue").Info().
			Str("event_id", ev.EventID).
			Msg("capture_skip: duplicate outbound eventId")
		return false
	}
	*q.items = append(*q.items, types.QueueItem{
		Event:      ev,
		RetryCount: 0,
		EnqueuedAt: q.now().UTC().Format(time.RFC3339),
	})
	return true
}

// Coalesce returns the per-bookmark last-write-wins view of items, preserving
// original order: an item whose BookmarkID is empty is always kept; an item
// whose BookmarkID is non-empty is kept only if it is the last occurrence of
// that BookmarkID in items. Coalesce is idempotent: Coalesce(Coalesce(q)) ==
// Coalesce(q).
func Coalesce(items []types.QueueItem) []types.QueueItem {
	lastIndex := make(map[string]int)
	for i, it := range items {
		if it.Event.BookmarkID != "" {
			lastIndex[it.Event.BookmarkID] = i
		}
	}
	out := make([]types.QueueItem, 0, len(items))
	for i, it := range items {
		if it.Event.BookmarkID == "" || lastIndex[it.Event.BookmarkID] == i {
			out = append(out, it)
		}
	}
	return out
}

// MarkFailures increments RetryCount for every item whose EventID is in
// failedEventIDs. Items that cross MaxRetries are dropped and logged as
// quarantined with the given reason; others are retained. Items not in
// failedEventIDs are preserved unchanged.
func (q *Queue) MarkFailures(failedEventIDs map[string]bool, reason string) {
	kept := make([]types.QueueItem, 0, len(*q.items))
	for _, it := range *q.items {
		if !failedEventIDs[it.Event.EventID] {
			kept = append(kept, it)
			continue
		}
		it.RetryCount++
		if it.RetryCount >= MaxRetries {
			log.WithComponent("reverse-queue").Warn().
				Str("event_id", it.Event.EventID).
				Str("bookmark_id", it.Event.BookmarkID).
				Int("retry_count", it.RetryCount).
				Str("reason", reason).
				Msg("quarantine")
			metrics.ReverseEventsQuarantinedTotal.Inc()
			continue
		}
		kept = append(kept, it)
	}
	*q.items = kept
}

// SupersededSweep removes any non-coalesced item whose BookmarkID matches a
// coalesced item's BookmarkID and whose own EventID was not itself in the
// coalesced set — i.e. it drops predecessors that a successful send has
// subsumed, so they cannot reappear on a later retry.
func (q *Queue) SupersededSweep(coalesced []types.QueueItem) {
	coalescedEventIDs := make(map[string]bool, len(coalesced))
	coalescedBookmarkIDs := make(map[string]bool, len(coalesced))
	for _, it := range coalesced {
		coalescedEventIDs[it.Event.EventID] = true
		if it.Event.BookmarkID != "" {
			coalescedBookmarkIDs[it.Event.BookmarkID] = true
		}
	}
	kept := make([]types.QueueItem, 0, len(*q.items))
	for _, it := range *q.items {
		if coalescedBookmarkIDs[it.Event.BookmarkID] && !coalescedEventIDs[it.Event.EventID] {
			continue
		}
		kept = append(kept, it)
	}
	*q.items = kept
}

// Remove drops every item whose EventID is in eventIDs, e.g. after the ack
// reconciler has resolved them.
func (q *Queue) Remove(eventIDs map[string]bool) {
	kept := make([]types.QueueItem, 0, len(*q.items))
	for _, it := range *q.items {
		if !eventIDs[it.Event.EventID] {
			kept = append(kept, it)
		}
	}
	*q.items = kept
}

// Len returns the current queue length.
func (q *Queue) Len() int {
	return len(*q.items)
}
