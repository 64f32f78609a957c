package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/halcyon/gridfall_backend/internal/auth"
	"github.com/halcyon/gridfall_backend/internal/game"
	"github.com/halcyon/gridfall_backend/internal/protocol"
	"github.com/halcyon/gridfall_backend/internal/ratelimit"
	"github.com/halcyon/gridfall_backend/internal/store"
)

// fakeStore is an in-memory Store for actor tests
type fakeStore struct {
	mu           sync.Mutex
	users        map[string]*store.User
	characters   map[string]*store.Character
	sessions     map[string]*store.Session
	participants map[string]*store.Participant
	snapshots    map[string][]*store.Snapshot
	refresh      map[string]*store.RefreshToken

	failSnapshots bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:        make(map[string]*store.User),
		characters:   make(map[string]*store.Character),
		sessions:     make(map[string]*store.Session),
		participants: make(map[string]*store.Participant),
		snapshots:    make(map[string][]*store.Snapshot),
		refresh:      make(map[string]*store.RefreshToken),
	}
}

func (f *fakeStore) Close() error         { return nil }
func (f *fakeStore) RunMigrations() error { return nil }

func (f *fakeStore) CreateUser(user *store.User, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByID(id string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("user not found")
	}
	return u, nil
}

func (f *fakeStore) GetUserByUsername(username string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, fmt.Errorf("user not found")
}

func (f *fakeStore) VerifyPassword(username, password string) (*store.User, error) {
	return f.GetUserByUsername(username)
}

func (f *fakeStore) CreateRefreshToken(userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[token] = &store.RefreshToken{Token: token, UserID: userID, ExpiresAt: expiresAt}
	return nil
}

func (f *fakeStore) GetRefreshToken(token string) (*store.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rt, ok := f.refresh[token]
	if !ok {
		return nil, fmt.Errorf("refresh token not found")
	}
	return rt, nil
}

func (f *fakeStore) DeleteRefreshToken(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, token)
	return nil
}

func (f *fakeStore) CreateCharacter(ch *store.Character) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.characters[ch.ID] = ch
	return nil
}

func (f *fakeStore) GetCharacter(id string) (*store.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.characters[id]
	if !ok {
		return nil, fmt.Errorf("character not found")
	}
	cp := *ch
	return &cp, nil
}

func (f *fakeStore) GetCharactersByOwner(ownerID string) ([]*store.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Character
	for _, ch := range f.characters {
		if ch.OwnerID == ownerID {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateCharacter(ch *store.Character) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.characters[ch.ID] = ch
	return nil
}

func (f *fakeStore) AddCharacterXP(id string, xp, level int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.characters[id]
	if !ok {
		return fmt.Errorf("character not found")
	}
	ch.XP = xp
	ch.Level = level
	return nil
}

func (f *fakeStore) DeleteCharacter(id, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.characters, id)
	return nil
}

func (f *fakeStore) CreateSession(s *store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeStore) GetSession(id string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found")
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) GetSessionByInviteCode(code string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.InviteCode == code && s.Phase != store.PhaseEnded {
			cp := *s
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("session not found")
}

func (f *fakeStore) InviteCodeInUse(code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.InviteCode == code && s.Phase != store.PhaseEnded {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) UpdateSessionPhase(id, phase string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.Phase = phase
	}
	return nil
}

func (f *fakeStore) UpdateSessionSettings(id string, maxPlayers, turnDeadlineSeconds int, difficulty string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.MaxPlayers = maxPlayers
		s.TurnDeadlineSeconds = turnDeadlineSeconds
		s.Difficulty = difficulty
	}
	return nil
}

func (f *fakeStore) UpdateSessionVersion(id string, version uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.StateVersion = version
	}
	return nil
}

func (f *fakeStore) EndSession(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.Phase = store.PhaseEnded
		now := time.Now()
		s.EndedAt = &now
	}
	return nil
}

func (f *fakeStore) ListUnendedSessions() ([]*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Session
	for _, s := range f.sessions {
		if s.Phase != store.PhaseEnded {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) ListSessionsByUser(userID string) ([]*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Session
	for _, p := range f.participants {
		if p.UserID == userID {
			if s, ok := f.sessions[p.SessionID]; ok {
				cp := *s
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func participantKey(sessionID, userID string) string {
	return sessionID + "|" + userID
}

func (f *fakeStore) UpsertParticipant(p *store.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.participants[participantKey(p.SessionID, p.UserID)] = &cp
	return nil
}

func (f *fakeStore) RemoveParticipant(sessionID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.participants, participantKey(sessionID, userID))
	return nil
}

func (f *fakeStore) GetParticipants(sessionID string) ([]*store.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Participant
	for _, p := range f.participants {
		if p.SessionID == sessionID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) SetParticipantConnected(sessionID, userID string, connected bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.participants[participantKey(sessionID, userID)]; ok {
		p.Connected = connected
	}
	return nil
}

func (f *fakeStore) PutSnapshot(sessionID string, version uint64, state []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSnapshots {
		return fmt.Errorf("disk on fire")
	}
	f.snapshots[sessionID] = append(f.snapshots[sessionID], &store.Snapshot{
		SessionID:    sessionID,
		StateVersion: version,
		State:        append([]byte(nil), state...),
		CreatedAt:    time.Now(),
	})
	return nil
}

func (f *fakeStore) GetLatestSnapshot(sessionID string) (*store.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snaps := f.snapshots[sessionID]
	if len(snaps) == 0 {
		return nil, nil
	}
	return snaps[len(snaps)-1], nil
}

func (f *fakeStore) PruneSnapshots(sessionID string, keep int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snaps := f.snapshots[sessionID]
	if len(snaps) > keep {
		f.snapshots[sessionID] = snaps[len(snaps)-keep:]
	}
	return nil
}

var _ store.Store = (*fakeStore)(nil)

// fakeConn is an in-memory Conn capturing everything the actor sends
type fakeConn struct {
	id     string
	userID string

	mu        sync.Mutex
	envelopes []*protocol.Envelope
	cursor    int
	closed    bool
	closeCode protocol.ErrorCode

	full bool // when set, Enqueue reports overflow
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Enqueue(env *protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.envelopes = append(c.envelopes, env)
	return true
}

func (c *fakeConn) CloseWithCode(code protocol.ErrorCode, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
}

func (c *fakeConn) isClosed() (bool, protocol.ErrorCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// waitFor blocks until the next envelope of the given type arrives, advancing
// an internal cursor so repeated calls see consecutive messages.
func (c *fakeConn) waitFor(t *testing.T, msgType string) *protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for i := c.cursor; i < len(c.envelopes); i++ {
			if c.envelopes[i].Type == msgType {
				c.cursor = i + 1
				env := c.envelopes[i]
				c.mu.Unlock()
				return env
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q", msgType)
	return nil
}

// drain skips everything received so far
func (c *fakeConn) drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = len(c.envelopes)
}

// testActor builds a started actor around a fake store
func testActor(t *testing.T, opts Options) (*Actor, *fakeStore) {
	t.Helper()
	return testActorWith(t, opts, ratelimit.New(ratelimit.DefaultLimits()))
}

func testActorWith(t *testing.T, opts Options, limiter *ratelimit.Limiter) (*Actor, *fakeStore) {
	t.Helper()
	db := newFakeStore()

	row := &store.Session{
		ID:                  "sess-1",
		InviteCode:          "ABC123",
		HostUserID:          "dm-user",
		MaxPlayers:          4,
		TurnDeadlineSeconds: int(opts.TurnDeadline / time.Second),
		Difficulty:          "normal",
		Phase:               store.PhaseLobby,
		CreatedAt:           time.Now(),
	}
	if err := db.CreateSession(row); err != nil {
		t.Fatal(err)
	}

	tokens := auth.New(auth.Config{JWTSecret: "test-secret"})
	sim := game.NewAdapter(game.NewDefaultSimulator())

	actor := NewActor(ActorConfig{
		Row:     row,
		Store:   db,
		Sim:     sim,
		Limiter: limiter,
		Auth:    tokens,
		Opts:    opts,
	})
	actor.Start()
	return actor, db
}

// shortOptions are the default test options with a long deadline so timers
// never interfere unless the test wants them to.
func shortOptions() Options {
	opts := DefaultOptions()
	opts.TurnDeadline = time.Minute
	opts.IdleDisposeAfter = time.Hour
	return opts
}
