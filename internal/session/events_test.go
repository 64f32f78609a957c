package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon/gridfall_backend/internal/game"
	"github.com/halcyon/gridfall_backend/internal/protocol"
)

func TestEventLogAfter(t *testing.T) {
	log := newEventLog(10)
	for v := uint64(1); v <= 5; v++ {
		log.Append(v, []game.Event{{Kind: game.EventTurnEnded, UnitID: fmt.Sprintf("u-%d", v)}})
	}

	batches, ok := log.After(2)
	require.True(t, ok)
	require.Len(t, batches, 3)
	assert.Equal(t, uint64(3), batches[0].Version)
	assert.Equal(t, uint64(5), batches[2].Version)

	// Already current: nothing to replay.
	batches, ok = log.After(5)
	require.True(t, ok)
	assert.Empty(t, batches)
}

func TestEventLogRollOffBreaksContiguity(t *testing.T) {
	log := newEventLog(3)
	for v := uint64(1); v <= 6; v++ {
		log.Append(v, nil)
	}
	// The log now holds versions 4..6.

	_, ok := log.After(2)
	assert.False(t, ok, "a gap before the oldest entry means replay is impossible")

	batches, ok := log.After(3)
	require.True(t, ok)
	require.Len(t, batches, 3)
	assert.Equal(t, uint64(4), batches[0].Version)
}

func TestEventLogEmpty(t *testing.T) {
	log := newEventLog(10)
	batches, ok := log.After(0)
	assert.True(t, ok)
	assert.Empty(t, batches)
}

func TestChatRingEviction(t *testing.T) {
	ring := newChatRing(3)
	for i := 0; i < 5; i++ {
		ring.Append(protocol.ChatEntryPayload{AuthorID: "u1", Text: fmt.Sprintf("msg-%d", i)})
	}

	assert.Equal(t, 3, ring.Len())
	recent := ring.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, "msg-2", recent[0].Text)
	assert.Equal(t, "msg-4", recent[2].Text)
}

func TestChatRingRecentSubset(t *testing.T) {
	ring := newChatRing(10)
	for i := 0; i < 4; i++ {
		ring.Append(protocol.ChatEntryPayload{Text: fmt.Sprintf("msg-%d", i)})
	}

	recent := ring.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "msg-2", recent[0].Text)
	assert.Equal(t, "msg-3", recent[1].Text)

	for _, e := range ring.Recent(10) {
		assert.False(t, e.Timestamp.IsZero(), "append stamps missing timestamps")
	}
}
