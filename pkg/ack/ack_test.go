package ack

import (
	"testing"

	"github.com/Runixs/local-event-gateway/pkg/nodeindex"
	"github.com/Runixs/local-event-gateway/pkg/queue"
	"github.com/Runixs/local-event-gateway/pkg/types"
	"github.com/stretchr/testify/require"
)

func qitem(eventID, bookmarkID string) types.QueueItem {
	return types.QueueItem{Event: types.ReverseEvent{EventID: eventID, BookmarkID: bookmarkID}}
}

func TestReconcileAppliedRecordsResolvedKeyAndRemoves(t *testing.T) {
	items := []types.QueueItem{qitem("e1", "b1")}
	idxState := types.NewNodeIndex()
	idx := nodeindex.New(&idxState)
	q := queue.New(&items)

	Reconcile(q, &items, idx, BatchAckResponse{
		BatchID: "x",
		Results: []Result{{EventID: "e1", Status: "applied", ResolvedKey: "note:Projects/Foo"}},
	})

	require.Len(t, items, 0)
	key, ok := idx.KeyForId("b1")
	require.True(t, ok)
	require.Equal(t, "note:Projects/Foo", key)
}

func TestReconcileDuplicateDoesNotTouchKeyMap(t *testing.T) {
	items := []types.QueueItem{qitem("e1", "b1")}
	idxState := types.NewNodeIndex()
	idx := nodeindex.New(&idxState)
	q := queue.New(&items)

	Reconcile(q, &items, idx, BatchAckResponse{
		Results: []Result{{EventID: "e1", Status: "duplicate", ResolvedKey: "note:Should/Not/Apply"}},
	})

	require.Len(t, items, 0)
	_, ok := idx.KeyForId("b1")
	require.False(t, ok)
}

func TestReconcileTerminalStatusesRemoveWithoutRetry(t *testing.T) {
	for _, status := range []string{"skipped_ambiguous", "skipped_unmanaged", "rejected_invalid"} {
		items := []types.QueueItem{qitem("e1", "b1")}
		idxState := types.NewNodeIndex()
		idx := nodeindex.New(&idxState)
		q := queue.New(&items)

		Reconcile(q, &items, idx, BatchAckResponse{
			Results: []Result{{EventID: "e1", Status: status}},
		})
		require.Len(t, items, 0, "status %s should remove the item", status)
	}
}

func TestReconcileUnknownStatusRetainsItem(t *testing.T) {
	items := []types.QueueItem{qitem("e1", "b1")}
	idxState := types.NewNodeIndex()
	idx := nodeindex.New(&idxState)
	q := queue.New(&items)

	Reconcile(q, &items, idx, BatchAckResponse{
		Results: []Result{{EventID: "e1", Status: "something_else"}},
	})
	require.Len(t, items, 1)
}
