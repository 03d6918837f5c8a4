package dedupe

import (
	"testing"

	"github.com/Runixs/local-event-gateway/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestRecordAndCheckAcceptsOnce(t *testing.T) {
	l := New(types.DedupeLedger{})
	require.True(t, l.RecordAndCheck("outbound", "k1", 1000))
	require.False(t, l.RecordAndCheck("outbound", "k1", 1500))
}

func TestRecordAndCheckDistinctClientsDoNotCollide(t *testing.T) {
	l := New(types.DedupeLedger{})
	require.True(t, l.RecordAndCheck("c1", "k1", 1000))
	require.True(t, l.RecordAndCheck("c2", "k1", 1000))
}

func TestRecordAndCheckTTLEviction(t *testing.T) {
	l := New(types.DedupeLedger{})
	require.True(t, l.RecordAndCheck("outbound", "k1", 0))
	// exactly at the 5 minute TTL: still a duplicate.
	require.False(t, l.RecordAndCheck("outbound", "k1", ttlMs))
	// just over: evicted, accepted again.
	require.True(t, l.RecordAndCheck("outbound", "k1", ttlMs+1))
}
