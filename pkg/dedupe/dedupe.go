// Package dedupe implements the per-direction, per-client TTL set of
// idempotency keys described in §4.D. A logical client id "outbound" guards
// locally-generated eventIds before enqueue; the real peer client id guards
// inbound idempotency keys, so two distinct peers reusing the same key never
// collide.
package dedupe

import "github.com/Runixs/local-event-gateway/pkg/types"

const ttlMs = 5 * 60 * 1000

// Ledger operates in-place on a types.DedupeLedger, normally the one
// embedded in the durable state record.
type Ledger struct {
	state types.DedupeLedger
}

// New wraps the given ledger for in-place mutation.
func New(state types.DedupeLedger) *Ledger {
	return &Ledger{state: state}
}

// RecordAndCheck evicts stale entries for clientID, then returns true and
// records key under nowMs if it was not already present; returns false
// (duplicate) without refreshing anything if it was.
func (l *Ledger) RecordAndCheck(clientID, key string, nowMs int64) bool {
	bucket, ok := l.state[clientID]
	if !ok {
		bucket = make(map[string]int64)
		l.state[clientID] = bucket
	}
	l.evict(bucket, nowMs)

	if _, seen := bucket[key]; seen {
		return false
	}
	bucket[key] = nowMs
	return true
}

func (l *Ledger) evict(bucket map[string]int64, nowMs int64) {
	for k, ts := range bucket {
		if nowMs-ts > ttlMs {
			delete(bucket, k)
		}
	}
}
