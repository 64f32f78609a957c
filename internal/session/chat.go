package session

import (
	"time"

	"github.com/halcyon/gridfall_backend/internal/protocol"
)

// chatRing keeps the last N chat entries for a session
type chatRing struct {
	entries []protocol.ChatEntryPayload
	size    int
}

func newChatRing(size int) *chatRing {
	if size <= 0 {
		size = 100
	}
	return &chatRing{
		entries: make([]protocol.ChatEntryPayload, 0, size),
		size:    size,
	}
}

// Append adds an entry, evicting the oldest when the ring is full
func (r *chatRing) Append(entry protocol.ChatEntryPayload) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if len(r.entries) == r.size {
		copy(r.entries, r.entries[1:])
		r.entries[len(r.entries)-1] = entry
		return
	}
	r.entries = append(r.entries, entry)
}

// Recent returns up to n of the newest entries, oldest first
func (r *chatRing) Recent(n int) []protocol.ChatEntryPayload {
	start := len(r.entries) - n
	if start < 0 {
		start = 0
	}
	out := make([]protocol.ChatEntryPayload, len(r.entries)-start)
	copy(out, r.entries[start:])
	return out
}

func (r *chatRing) Len() int {
	return len(r.entries)
}
