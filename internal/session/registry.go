package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon/gridfall_backend/internal/auth"
	"github.com/halcyon/gridfall_backend/internal/game"
	"github.com/halcyon/gridfall_backend/internal/logging"
	"github.com/halcyon/gridfall_backend/internal/protocol"
	"github.com/halcyon/gridfall_backend/internal/ratelimit"
	"github.com/halcyon/gridfall_backend/internal/store"
)

// Registry errors mapped to protocol error codes by the server layer
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrTooManySessions  = errors.New("session capacity reached")
	ErrInvalidSettings  = errors.New("invalid session settings")
)

const inviteCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const inviteCodeLength = 6

// Registry owns the live session actors. Creation, lookup, and disposal all
// go through it; per-session state never does.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Actor
	byCode map[string]*Actor

	db          store.Store
	sim         *game.Adapter
	limiter     *ratelimit.Limiter
	tokens      *auth.Auth
	opts        Options
	maxSessions int
}

// NewRegistry creates the registry
func NewRegistry(db store.Store, sim *game.Adapter, limiter *ratelimit.Limiter, tokens *auth.Auth, opts Options, maxSessions int) *Registry {
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	return &Registry{
		byID:        make(map[string]*Actor),
		byCode:      make(map[string]*Actor),
		db:          db,
		sim:         sim,
		limiter:     limiter,
		tokens:      tokens,
		opts:        opts,
		maxSessions: maxSessions,
	}
}

// normalizeSettings validates client-supplied session settings and fills in
// defaults. A zero deadline means "use the server default".
func normalizeSettings(settings protocol.SessionSettings, defaultDeadline time.Duration) (protocol.SessionSettings, error) {
	if settings.MaxPlayers < 2 || settings.MaxPlayers > 8 {
		return settings, fmt.Errorf("%w: max_players must be between 2 and 8", ErrInvalidSettings)
	}
	if settings.TurnDeadlineSeconds != 0 && (settings.TurnDeadlineSeconds < 15 || settings.TurnDeadlineSeconds > 600) {
		return settings, fmt.Errorf("%w: turn_deadline_seconds must be between 15 and 600", ErrInvalidSettings)
	}
	if settings.Difficulty == "" {
		settings.Difficulty = "normal"
	}
	switch settings.Difficulty {
	case "easy", "normal", "hard":
	default:
		return settings, fmt.Errorf("%w: unknown difficulty %q", ErrInvalidSettings, settings.Difficulty)
	}
	if settings.TurnDeadlineSeconds == 0 {
		settings.TurnDeadlineSeconds = int(defaultDeadline / time.Second)
	}
	return settings, nil
}

// Create validates the settings, persists the session row, and starts its
// actor. The caller attaches the host afterwards like any other participant.
func (r *Registry) Create(hostUserID string, settings protocol.SessionSettings) (*Actor, error) {
	settings, err := normalizeSettings(settings, r.opts.TurnDeadline)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byID) >= r.maxSessions {
		return nil, ErrTooManySessions
	}

	code, err := r.newInviteCodeLocked()
	if err != nil {
		return nil, err
	}

	row := &store.Session{
		ID:                  uuid.New().String(),
		InviteCode:          code,
		HostUserID:          hostUserID,
		MaxPlayers:          settings.MaxPlayers,
		TurnDeadlineSeconds: settings.TurnDeadlineSeconds,
		Difficulty:          settings.Difficulty,
		Phase:               store.PhaseLobby,
		CreatedAt:           time.Now(),
	}
	if err := r.db.CreateSession(row); err != nil {
		return nil, fmt.Errorf("failed to persist session: %v", err)
	}

	actor := NewActor(ActorConfig{
		Row:       row,
		Store:     r.db,
		Sim:       r.sim,
		Limiter:   r.limiter,
		Auth:      r.tokens,
		Opts:      r.opts,
		OnDispose: r.remove,
	})
	r.byID[actor.ID] = actor
	r.byCode[actor.InviteCode] = actor
	actor.Start()

	logging.LogSessionEvent("created", actor.ID, map[string]interface{}{
		"host":        hostUserID,
		"invite_code": code,
		"max_players": settings.MaxPlayers,
	})
	return actor, nil
}

// Lookup finds a live session by id
func (r *Registry) Lookup(sessionID string) (*Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[sessionID]
	return a, ok
}

// LookupByCode finds a live session by invite code
func (r *Registry) LookupByCode(code string) (*Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byCode[strings.ToUpper(strings.TrimSpace(code))]
	return a, ok
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// remove is the actor dispose callback
func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byID[sessionID]; ok {
		delete(r.byCode, a.InviteCode)
		delete(r.byID, sessionID)
	}
}

// newInviteCodeLocked draws random codes until one is free both in memory and
// in the store. Collisions are vanishingly rare at 36^6; the retry cap guards
// against a store full of stale sessions.
func (r *Registry) newInviteCodeLocked() (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		buf := make([]byte, inviteCodeLength)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate invite code: %v", err)
		}
		for i := range buf {
			buf[i] = inviteCodeAlphabet[int(buf[i])%len(inviteCodeAlphabet)]
		}
		code := string(buf)

		if _, taken := r.byCode[code]; taken {
			continue
		}
		inUse, err := r.db.InviteCodeInUse(code)
		if err != nil {
			return "", fmt.Errorf("failed to check invite code: %v", err)
		}
		if !inUse {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to find a free invite code")
}

// RestoreFromStore re-materializes unended sessions from their latest
// snapshots at boot. Restored sessions come back paused; the DM resumes when
// the table reconvenes.
func (r *Registry) RestoreFromStore() error {
	rows, err := r.db.ListUnendedSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %v", err)
	}

	restored := 0
	for _, row := range rows {
		var state *game.State
		var version uint64

		snap, err := r.db.GetLatestSnapshot(row.ID)
		if err != nil {
			logging.Warn("failed to load snapshot, starting session fresh", map[string]interface{}{
				"session_id": row.ID, "error": err,
			})
		} else if snap != nil {
			state, err = game.Deserialize(snap.State)
			if err != nil {
				logging.Error("corrupt snapshot, starting session fresh", map[string]interface{}{
					"session_id": row.ID, "version": snap.StateVersion, "error": err,
				})
				state = nil
			} else {
				version = snap.StateVersion
			}
		}

		// A game interrupted mid-play restarts paused.
		if row.Phase == store.PhasePlaying {
			row.Phase = store.PhasePaused
			if err := r.db.UpdateSessionPhase(row.ID, store.PhasePaused); err != nil {
				logging.Error("failed to persist restored pause", map[string]interface{}{
					"session_id": row.ID, "error": err,
				})
			}
		}

		r.mu.Lock()
		actor := NewActor(ActorConfig{
			Row:             row,
			Store:           r.db,
			Sim:             r.sim,
			Limiter:         r.limiter,
			Auth:            r.tokens,
			Opts:            r.opts,
			OnDispose:       r.remove,
			RestoredState:   state,
			RestoredVersion: version,
		})
		r.byID[actor.ID] = actor
		r.byCode[actor.InviteCode] = actor
		r.mu.Unlock()
		actor.Start()
		restored++
	}

	logging.Info("restored sessions from store", map[string]interface{}{"count": restored})
	return nil
}

// Shutdown flushes every live session's snapshot, bounded by the context
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	actors := make([]*Actor, 0, len(r.byID))
	for _, a := range r.byID {
		actors = append(actors, a)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, a := range actors {
		if err := a.FlushSync(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
