package session

import (
	"github.com/halcyon/gridfall_backend/internal/game"
)

// versionedEvents is one committed mutation's event batch
type versionedEvents struct {
	Version uint64
	Events  []game.Event
}

// eventLog is the bounded per-session log used for reconnect replay. Entries
// older than the capacity roll off; a reconnecting client whose
// last_seen_version predates the log falls back to the full state sync alone.
type eventLog struct {
	entries []versionedEvents
	size    int
}

func newEventLog(size int) *eventLog {
	if size <= 0 {
		size = 200
	}
	return &eventLog{
		entries: make([]versionedEvents, 0, size),
		size:    size,
	}
}

// Append records the events committed at a state version
func (l *eventLog) Append(version uint64, events []game.Event) {
	entry := versionedEvents{Version: version, Events: events}
	if len(l.entries) == l.size {
		copy(l.entries, l.entries[1:])
		l.entries[len(l.entries)-1] = entry
		return
	}
	l.entries = append(l.entries, entry)
}

// After returns all entries with version > afterVersion, oldest first. The
// second result is false when the log no longer reaches back far enough.
func (l *eventLog) After(afterVersion uint64) ([]versionedEvents, bool) {
	if len(l.entries) == 0 {
		return nil, true
	}
	// Contiguity check: the log must contain afterVersion+1 unless the client
	// is already current.
	oldest := l.entries[0].Version
	if afterVersion+1 < oldest {
		return nil, false
	}

	var out []versionedEvents
	for _, e := range l.entries {
		if e.Version > afterVersion {
			out = append(out, e)
		}
	}
	return out, true
}
