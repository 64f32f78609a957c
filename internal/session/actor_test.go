package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon/gridfall_backend/internal/auth"
	"github.com/halcyon/gridfall_backend/internal/game"
	"github.com/halcyon/gridfall_backend/internal/protocol"
	"github.com/halcyon/gridfall_backend/internal/ratelimit"
	"github.com/halcyon/gridfall_backend/internal/store"
)

func decodeJSON(t *testing.T, env *protocol.Envelope, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Payload, out))
}

func errorCode(t *testing.T, env *protocol.Envelope) protocol.ErrorCode {
	t.Helper()
	var p protocol.ErrorPayload
	decodeJSON(t, env, &p)
	return p.Code
}

// startedGame spins up a session with the DM and one ready player, starts the
// game, and returns the player's unit id.
func startedGame(t *testing.T, actor *Actor) (dm, player *fakeConn, unitID string) {
	t.Helper()
	dm = newFakeConn("c-dm", "dm-user")
	player = newFakeConn("c-p1", "player-1")

	actor.Attach("dm-user", "The DM", "", dm, 1)
	dm.waitFor(t, protocol.TypeSessionJoined)

	actor.Attach("player-1", "Alice", "", player, 1)
	player.waitFor(t, protocol.TypeSessionJoined)

	actor.Ready("player-1", player, true, 2)
	player.waitFor(t, protocol.TypeParticipantUpdate)

	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{Command: "start_game"}, 2)

	var sync protocol.FullStateSyncPayload
	decodeJSON(t, player.waitFor(t, protocol.TypeFullStateSync), &sync)
	require.Len(t, sync.State.Units, 1)
	unitID = sync.State.Units[0].ID

	var turn protocol.TurnChangePayload
	decodeJSON(t, player.waitFor(t, protocol.TypeTurnChange), &turn)
	require.Equal(t, unitID, turn.CurrentUnit)
	require.Equal(t, "player-1", turn.UserID)

	return dm, player, unitID
}

func TestLobbyJoinAndReady(t *testing.T) {
	actor, db := testActor(t, shortOptions())

	dm := newFakeConn("c-dm", "dm-user")
	actor.Attach("dm-user", "The DM", "", dm, 1)

	var joined protocol.SessionJoinedPayload
	decodeJSON(t, dm.waitFor(t, protocol.TypeSessionJoined), &joined)
	assert.Equal(t, "sess-1", joined.Session.ID)
	assert.Equal(t, "ABC123", joined.Session.InviteCode)
	assert.Equal(t, store.PhaseLobby, joined.Session.Phase)

	dm.waitFor(t, protocol.TypeRoomToken)

	player := newFakeConn("c-p1", "player-1")
	actor.Attach("player-1", "Alice", "", player, 1)
	player.waitFor(t, protocol.TypeSessionJoined)

	var roster protocol.ParticipantUpdatePayload
	decodeJSON(t, player.waitFor(t, protocol.TypeParticipantUpdate), &roster)
	require.Len(t, roster.Participants, 2)

	actor.Ready("player-1", player, true, 2)
	decodeJSON(t, player.waitFor(t, protocol.TypeParticipantUpdate), &roster)
	for _, p := range roster.Participants {
		if p.UserID == "player-1" {
			assert.True(t, p.Ready)
		}
		if p.UserID == "dm-user" {
			assert.Equal(t, store.RoleDM, p.Role)
		}
	}

	participants, err := db.GetParticipants("sess-1")
	require.NoError(t, err)
	assert.Len(t, participants, 2)
}

func TestSessionFull(t *testing.T) {
	actor, _ := testActor(t, shortOptions()) // max_players = 4

	for i, userID := range []string{"dm-user", "p1", "p2", "p3"} {
		c := newFakeConn("c-"+userID, userID)
		actor.Attach(userID, userID, "", c, int64(i+1))
		c.waitFor(t, protocol.TypeSessionJoined)
	}

	late := newFakeConn("c-late", "p4")
	actor.Attach("p4", "Late", "", late, 1)
	env := late.waitFor(t, protocol.TypeError)
	assert.Equal(t, protocol.ErrSessionFull, errorCode(t, env))
}

func TestStartGameRequiresReadyPlayers(t *testing.T) {
	actor, _ := testActor(t, shortOptions())

	dm := newFakeConn("c-dm", "dm-user")
	player := newFakeConn("c-p1", "player-1")
	actor.Attach("dm-user", "The DM", "", dm, 1)
	actor.Attach("player-1", "Alice", "", player, 1)
	player.waitFor(t, protocol.TypeSessionJoined)

	dm.drain()
	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{Command: "start_game"}, 2)
	env := dm.waitFor(t, protocol.TypeError)
	assert.Equal(t, protocol.ErrInvalidAction, errorCode(t, env))
}

func TestMoveAttackEndTurn(t *testing.T) {
	actor, _ := testActor(t, shortOptions())
	dm, player, unitID := startedGame(t, actor)

	// Move one tile: (1,1) -> (1,2).
	actor.Intent("player-1", player, protocol.ActionPayload{
		Kind: "move", UnitID: unitID, TargetPosition: &game.Position{X: 1, Y: 2},
	}, 3)

	var update protocol.StateUpdatePayload
	decodeJSON(t, player.waitFor(t, protocol.TypeStateUpdate), &update)
	require.Len(t, update.Events, 1)
	assert.Equal(t, game.EventUnitMoved, update.Events[0].Kind)
	firstVersion := update.Version

	// The DM drops a goblin next to the player.
	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{
		Command: "spawn_monster", MonsterType: "goblin", Position: &game.Position{X: 2, Y: 2},
	}, 3)
	decodeJSON(t, player.waitFor(t, protocol.TypeStateUpdate), &update)
	require.Len(t, update.Events, 1)
	assert.Equal(t, game.EventUnitSpawned, update.Events[0].Kind)
	goblinID := update.Events[0].UnitID
	assert.Greater(t, update.Version, firstVersion, "versions are strictly monotonic")

	// Attack it: fighter 8 attack vs goblin 1 defense = 7 damage.
	actor.Intent("player-1", player, protocol.ActionPayload{
		Kind: "attack", UnitID: unitID, TargetUnit: goblinID,
	}, 4)
	decodeJSON(t, player.waitFor(t, protocol.TypeStateUpdate), &update)
	require.Len(t, update.Events, 1)
	assert.Equal(t, game.EventUnitAttacked, update.Events[0].Kind)
	assert.Equal(t, 7, update.Events[0].Amount)

	// End turn; the goblin (initiative 6) now outruns the fighter (5).
	actor.Intent("player-1", player, protocol.ActionPayload{Kind: "end_turn", UnitID: unitID}, 5)
	player.waitFor(t, protocol.TypeStateUpdate)

	var turn protocol.TurnChangePayload
	decodeJSON(t, player.waitFor(t, protocol.TypeTurnChange), &turn)
	assert.Equal(t, goblinID, turn.CurrentUnit)

	// The DM skips the monster's turn and the player is up again.
	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{Command: "skip_turn"}, 4)
	decodeJSON(t, player.waitFor(t, protocol.TypeTurnChange), &turn)
	assert.Equal(t, unitID, turn.CurrentUnit)
}

func TestMoveBeyondBudgetRejected(t *testing.T) {
	actor, _ := testActor(t, shortOptions())
	_, player, unitID := startedGame(t, actor)

	player.drain()
	// Fighter move range is 4; distance 6 is too far.
	actor.Intent("player-1", player, protocol.ActionPayload{
		Kind: "move", UnitID: unitID, TargetPosition: &game.Position{X: 4, Y: 4},
	}, 3)
	env := player.waitFor(t, protocol.TypeError)
	assert.Equal(t, protocol.ErrInvalidAction, errorCode(t, env))
}

func TestNotYourTurn(t *testing.T) {
	actor, _ := testActor(t, shortOptions())

	dm := newFakeConn("c-dm", "dm-user")
	p1 := newFakeConn("c-p1", "player-1")
	p2 := newFakeConn("c-p2", "player-2")
	actor.Attach("dm-user", "The DM", "", dm, 1)
	actor.Attach("player-1", "Alice", "", p1, 1)
	actor.Attach("player-2", "Bob", "", p2, 1)
	actor.Ready("player-1", p1, true, 2)
	actor.Ready("player-2", p2, true, 2)
	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{Command: "start_game"}, 2)

	var turn protocol.TurnChangePayload
	decodeJSON(t, p1.waitFor(t, protocol.TypeTurnChange), &turn)

	// Whoever is not on turn tries to act with the current unit.
	offTurn := p1
	if turn.UserID == "player-1" {
		offTurn = p2
	}
	offTurn.drain()
	actor.Intent(offTurn.UserID(), offTurn, protocol.ActionPayload{
		Kind: "end_turn", UnitID: turn.CurrentUnit,
	}, 5)
	env := offTurn.waitFor(t, protocol.TypeError)
	assert.Equal(t, protocol.ErrNotYourTurn, errorCode(t, env))
}

func TestIntentRateLimited(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Limits{ratelimit.BucketAction: 2, ratelimit.BucketDM: 60})
	actor, _ := testActorWith(t, shortOptions(), limiter)
	_, player, unitID := startedGame(t, actor)

	actor.Intent("player-1", player, protocol.ActionPayload{Kind: "end_turn", UnitID: unitID}, 3)
	player.waitFor(t, protocol.TypeStateUpdate)
	actor.Intent("player-1", player, protocol.ActionPayload{Kind: "end_turn", UnitID: unitID}, 4)
	player.waitFor(t, protocol.TypeStateUpdate)

	player.drain()
	actor.Intent("player-1", player, protocol.ActionPayload{Kind: "end_turn", UnitID: unitID}, 5)
	env := player.waitFor(t, protocol.TypeError)
	assert.Equal(t, protocol.ErrRateLimited, errorCode(t, env))

	var p protocol.ErrorPayload
	decodeJSON(t, env, &p)
	assert.Greater(t, p.RetryAfterMS, int64(0), "denial carries a retry hint")
}

func TestTurnTimeoutAutoAdvances(t *testing.T) {
	opts := shortOptions()
	opts.TurnDeadline = 100 * time.Millisecond
	actor, _ := testActor(t, opts)
	_, player, unitID := startedGame(t, actor)

	var timeout protocol.TurnTimeoutPayload
	decodeJSON(t, player.waitFor(t, protocol.TypeTurnTimeout), &timeout)
	assert.Equal(t, unitID, timeout.UnitID)
	assert.Equal(t, "player-1", timeout.UserID)

	// The single unit gets the turn right back with a fresh deadline.
	var turn protocol.TurnChangePayload
	decodeJSON(t, player.waitFor(t, protocol.TypeTurnChange), &turn)
	assert.Equal(t, unitID, turn.CurrentUnit)
}

func TestDMCommandForbiddenForPlayers(t *testing.T) {
	actor, _ := testActor(t, shortOptions())
	_, player, _ := startedGame(t, actor)

	player.drain()
	actor.DMCommand("player-1", player, protocol.DMCommandPayload{Command: "grant_gold", Amount: 9999}, 6)
	env := player.waitFor(t, protocol.TypeError)
	assert.Equal(t, protocol.ErrForbidden, errorCode(t, env))
}

func TestGrantGoldAndWeapon(t *testing.T) {
	actor, _ := testActor(t, shortOptions())
	dm, player, _ := startedGame(t, actor)

	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{
		Command: "grant_gold", UserID: "player-1", Amount: 50,
	}, 3)
	var update protocol.StateUpdatePayload
	decodeJSON(t, player.waitFor(t, protocol.TypeStateUpdate), &update)
	assert.Equal(t, game.EventGoldGranted, update.Events[0].Kind)
	assert.Equal(t, 50, update.Events[0].Amount)
	player.waitFor(t, protocol.TypeDMEvent)

	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{
		Command: "grant_weapon", WeaponID: "longsword",
	}, 4)
	decodeJSON(t, player.waitFor(t, protocol.TypeStateUpdate), &update)
	assert.Equal(t, game.EventWeaponGranted, update.Events[0].Kind)

	// Non-positive grants are rejected.
	dm.drain()
	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{
		Command: "grant_gold", UserID: "player-1", Amount: -5,
	}, 5)
	env := dm.waitFor(t, protocol.TypeError)
	assert.Equal(t, protocol.ErrInvalidAction, errorCode(t, env))

	// Unknown catalog weapons are rejected.
	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{
		Command: "grant_weapon", WeaponID: "excalibur",
	}, 6)
	env = dm.waitFor(t, protocol.TypeError)
	assert.Equal(t, protocol.ErrInvalidAction, errorCode(t, env))
}

func TestGrantXPAdvancesCharacter(t *testing.T) {
	actor, db := testActor(t, shortOptions())

	require.NoError(t, db.CreateCharacter(&store.Character{
		ID: "char-1", OwnerID: "player-1", Class: "fighter", XP: 0, Level: 1,
	}))

	dm := newFakeConn("c-dm", "dm-user")
	player := newFakeConn("c-p1", "player-1")
	actor.Attach("dm-user", "The DM", "", dm, 1)
	actor.Attach("player-1", "Alice", "char-1", player, 1)
	actor.Ready("player-1", player, true, 2)
	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{Command: "start_game"}, 2)
	player.waitFor(t, protocol.TypeTurnChange)

	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{
		Command: "grant_xp", UserID: "player-1", Amount: 250,
	}, 3)
	var update protocol.StateUpdatePayload
	decodeJSON(t, player.waitFor(t, protocol.TypeStateUpdate), &update)
	assert.Equal(t, game.EventXPGranted, update.Events[0].Kind)

	ch, err := db.GetCharacter("char-1")
	require.NoError(t, err)
	assert.Equal(t, 250, ch.XP)
	assert.Equal(t, 2, ch.Level, "250 xp is level 2")
}

func TestKickPlayerInLobby(t *testing.T) {
	actor, _ := testActor(t, shortOptions())

	dm := newFakeConn("c-dm", "dm-user")
	player := newFakeConn("c-p1", "player-1")
	actor.Attach("dm-user", "The DM", "", dm, 1)
	actor.Attach("player-1", "Alice", "", player, 1)
	player.waitFor(t, protocol.TypeSessionJoined)

	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{
		Command: "kick_player", UserID: "player-1",
	}, 2)

	var roster protocol.ParticipantUpdatePayload
	decodeJSON(t, dm.waitFor(t, protocol.TypeParticipantUpdate), &roster)

	deadline := time.Now().Add(2 * time.Second)
	for {
		closed, code := player.isClosed()
		if closed {
			assert.Equal(t, protocol.ErrKicked, code)
			break
		}
		require.True(t, time.Now().Before(deadline), "kicked player's connection must close")
		time.Sleep(5 * time.Millisecond)
	}

	// The DM itself cannot be kicked.
	dm.drain()
	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{
		Command: "kick_player", UserID: "dm-user",
	}, 3)
	env := dm.waitFor(t, protocol.TypeError)
	assert.Equal(t, protocol.ErrInvalidAction, errorCode(t, env))
}

func TestChatBroadcastAndWhisper(t *testing.T) {
	actor, _ := testActor(t, shortOptions())

	dm := newFakeConn("c-dm", "dm-user")
	p1 := newFakeConn("c-p1", "player-1")
	p2 := newFakeConn("c-p2", "player-2")
	actor.Attach("dm-user", "The DM", "", dm, 1)
	actor.Attach("player-1", "Alice", "", p1, 1)
	actor.Attach("player-2", "Bob", "", p2, 1)
	p2.waitFor(t, protocol.TypeSessionJoined)

	actor.Chat("player-1", p1, protocol.ChatPayload{Kind: protocol.ChatBroadcast, Text: "  hello all \x00"}, 2)

	var entry protocol.ChatEntryPayload
	decodeJSON(t, p2.waitFor(t, protocol.TypeChatEntry), &entry)
	assert.Equal(t, "hello all", entry.Text, "chat text is sanitized")
	assert.Equal(t, "player-1", entry.AuthorID)

	// Whisper goes to the recipient and the author only.
	dm.drain()
	p1.drain()
	p2.drain()
	actor.Chat("player-1", p1, protocol.ChatPayload{
		Kind: protocol.ChatWhisper, Recipient: "player-2", Text: "psst",
	}, 3)
	decodeJSON(t, p2.waitFor(t, protocol.TypeChatEntry), &entry)
	assert.Equal(t, "psst", entry.Text)
	p1.waitFor(t, protocol.TypeChatEntry)

	// Give the actor a beat, then confirm the DM saw nothing.
	time.Sleep(50 * time.Millisecond)
	dm.mu.Lock()
	for _, env := range dm.envelopes[dm.cursor:] {
		assert.NotEqual(t, protocol.TypeChatEntry, env.Type, "whisper must not reach third parties")
	}
	dm.mu.Unlock()

	// Only the DM can announce.
	actor.Chat("player-1", p1, protocol.ChatPayload{Kind: protocol.ChatDMAnnounce, Text: "dragon!"}, 4)
	env := p1.waitFor(t, protocol.TypeError)
	assert.Equal(t, protocol.ErrForbidden, errorCode(t, env))
}

func TestResumeSyncReplaysEvents(t *testing.T) {
	actor, _ := testActor(t, shortOptions())
	dm, player, unitID := startedGame(t, actor)

	// A couple of committed mutations after the start.
	actor.Intent("player-1", player, protocol.ActionPayload{
		Kind: "move", UnitID: unitID, TargetPosition: &game.Position{X: 1, Y: 2},
	}, 3)
	var update protocol.StateUpdatePayload
	decodeJSON(t, player.waitFor(t, protocol.TypeStateUpdate), &update)
	lastSeen := update.Version

	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{
		Command: "grant_gold", UserID: "player-1", Amount: 10,
	}, 3)
	player.waitFor(t, protocol.TypeStateUpdate)

	// Simulate a reconnect: new connection, same user, replay from lastSeen.
	actor.Detach("player-1", player)
	fresh := newFakeConn("c-p1b", "player-1")
	actor.Attach("player-1", "Alice", "", fresh, 10)
	fresh.waitFor(t, protocol.TypeFullStateSync)

	fresh.drain()
	actor.ResumeSync("player-1", fresh, protocol.ResumeSyncPayload{LastSeenVersion: lastSeen}, 11)

	var sync protocol.FullStateSyncPayload
	decodeJSON(t, fresh.waitFor(t, protocol.TypeFullStateSync), &sync)
	assert.Greater(t, sync.StateVersion, lastSeen)

	decodeJSON(t, fresh.waitFor(t, protocol.TypeStateUpdate), &update)
	assert.Greater(t, update.Version, lastSeen, "replay starts after last_seen_version")
	assert.Equal(t, game.EventGoldGranted, update.Events[0].Kind)

	fresh.waitFor(t, protocol.TypeTurnChange)
}

func TestSlowConsumerDropped(t *testing.T) {
	actor, _ := testActor(t, shortOptions())

	dm := newFakeConn("c-dm", "dm-user")
	slow := newFakeConn("c-p1", "player-1")
	actor.Attach("dm-user", "The DM", "", dm, 1)
	actor.Attach("player-1", "Alice", "", slow, 1)
	slow.waitFor(t, protocol.TypeSessionJoined)

	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	// Any broadcast now overflows the player's queue.
	actor.Chat("dm-user", dm, protocol.ChatPayload{Kind: protocol.ChatBroadcast, Text: "hello"}, 2)

	deadline := time.Now().Add(2 * time.Second)
	for {
		closed, code := slow.isClosed()
		if closed {
			assert.Equal(t, protocol.ErrSlowConsumer, code)
			break
		}
		require.True(t, time.Now().Before(deadline), "overflowing connection must be closed")
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPauseAndResume(t *testing.T) {
	actor, db := testActor(t, shortOptions())
	dm, player, unitID := startedGame(t, actor)

	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{Command: "pause_game"}, 3)
	var paused protocol.SessionPausedPayload
	decodeJSON(t, player.waitFor(t, protocol.TypeSessionPaused), &paused)
	assert.Equal(t, "dm_pause", paused.Reason)

	row, err := db.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, store.PhasePaused, row.Phase)

	// Gameplay is rejected while paused.
	player.drain()
	actor.Intent("player-1", player, protocol.ActionPayload{Kind: "end_turn", UnitID: unitID}, 4)
	env := player.waitFor(t, protocol.TypeError)
	assert.Equal(t, protocol.ErrInvalidAction, errorCode(t, env))

	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{Command: "resume_game"}, 5)
	player.waitFor(t, protocol.TypeSessionResumed)

	var turn protocol.TurnChangePayload
	decodeJSON(t, player.waitFor(t, protocol.TypeTurnChange), &turn)
	assert.Equal(t, unitID, turn.CurrentUnit)
	assert.True(t, turn.Deadline.After(time.Now()), "resume re-bases the deadline")
}

func TestEndGame(t *testing.T) {
	actor, db := testActor(t, shortOptions())
	dm, player, _ := startedGame(t, actor)

	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{Command: "end_game"}, 3)

	var ended protocol.SessionEndedPayload
	decodeJSON(t, player.waitFor(t, protocol.TypeSessionEnded), &ended)
	assert.Equal(t, "dm_end", ended.Reason)

	row, err := db.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, store.PhaseEnded, row.Phase)
	require.NotNil(t, row.EndedAt)

	// A final snapshot was written.
	snap, err := db.GetLatestSnapshot("sess-1")
	require.NoError(t, err)
	require.NotNil(t, snap)

	// Late joiners are turned away.
	late := newFakeConn("c-late", "player-9")
	actor.Attach("player-9", "Too Late", "", late, 1)
	env := late.waitFor(t, protocol.TypeError)
	assert.Equal(t, protocol.ErrAlreadyEnded, errorCode(t, env))
}

func TestSnapshotFailureForcesPause(t *testing.T) {
	opts := shortOptions()
	opts.SnapshotEvery = 1 // snapshot after every mutation
	actor, db := testActor(t, opts)
	_, player, unitID := startedGame(t, actor)

	db.mu.Lock()
	db.failSnapshots = true
	db.mu.Unlock()

	// Each end_turn commits twice (turn end + round start), so two intents
	// push the failure streak past the force-pause threshold.
	for seq := int64(3); seq <= 4; seq++ {
		actor.Intent("player-1", player, protocol.ActionPayload{Kind: "end_turn", UnitID: unitID}, seq)
		player.waitFor(t, protocol.TypeStateUpdate)
	}

	var paused protocol.SessionPausedPayload
	decodeJSON(t, player.waitFor(t, protocol.TypeSessionPaused), &paused)
	assert.Equal(t, "persistence_failure", paused.Reason)
}

func TestDisconnectGraceSkipsTurn(t *testing.T) {
	opts := shortOptions()
	opts.DisconnectGrace = 80 * time.Millisecond
	actor, _ := testActor(t, opts)
	dm, player, unitID := startedGame(t, actor)

	// The current player drops; after the grace window the turn times out.
	actor.Detach("player-1", player)

	var timeout protocol.TurnTimeoutPayload
	decodeJSON(t, dm.waitFor(t, protocol.TypeTurnTimeout), &timeout)
	assert.Equal(t, unitID, timeout.UnitID)
}

func TestReconnectCancelsGrace(t *testing.T) {
	opts := shortOptions()
	opts.DisconnectGrace = 150 * time.Millisecond
	actor, _ := testActor(t, opts)
	dm, player, _ := startedGame(t, actor)

	actor.Detach("player-1", player)
	fresh := newFakeConn("c-p1b", "player-1")
	actor.Attach("player-1", "Alice", "", fresh, 10)
	fresh.waitFor(t, protocol.TypeSessionJoined)

	// Past the grace window: no timeout should have fired.
	time.Sleep(250 * time.Millisecond)
	dm.mu.Lock()
	for _, env := range dm.envelopes {
		assert.NotEqual(t, protocol.TypeTurnTimeout, env.Type, "reconnect must cancel the grace timer")
	}
	dm.mu.Unlock()
}

func TestRestoredSessionResumePlayable(t *testing.T) {
	db := newFakeStore()
	row := &store.Session{
		ID:                  "sess-restored",
		InviteCode:          "RESUME",
		HostUserID:          "dm-user",
		MaxPlayers:          4,
		TurnDeadlineSeconds: 60,
		Difficulty:          "normal",
		Phase:               store.PhasePaused,
		CreatedAt:           time.Now(),
	}
	require.NoError(t, db.CreateSession(row))

	state := game.NewState(game.DefaultMap())
	state.Units = append(state.Units, game.Unit{
		ID: "u-1", OwnerKind: game.OwnerPlayer, OwnerUserID: "player-1",
		Position: game.Position{X: 1, Y: 1},
		Stats:    game.ClassCatalog["fighter"].Stats,
	})
	state.Combat = game.Combat{Order: []string{"u-1"}, CurrentIndex: 0, Round: 3}

	actor := NewActor(ActorConfig{
		Row:             row,
		Store:           db,
		Sim:             game.NewAdapter(game.NewDefaultSimulator()),
		Limiter:         ratelimit.New(ratelimit.DefaultLimits()),
		Auth:            auth.New(auth.Config{JWTSecret: "test-secret"}),
		Opts:            shortOptions(),
		RestoredState:   state,
		RestoredVersion: 17,
	})
	actor.Start()

	dm := newFakeConn("c-dm", "dm-user")
	actor.Attach("dm-user", "The DM", "", dm, 1)
	dm.waitFor(t, protocol.TypeSessionJoined)

	player := newFakeConn("c-p1", "player-1")
	actor.Attach("player-1", "Alice", "", player, 1)
	player.waitFor(t, protocol.TypeFullStateSync)

	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{Command: "resume_game"}, 2)
	player.waitFor(t, protocol.TypeSessionResumed)

	// The turn comes back from the persisted initiative pointer with a fresh
	// deadline.
	var turn protocol.TurnChangePayload
	decodeJSON(t, player.waitFor(t, protocol.TypeTurnChange), &turn)
	assert.Equal(t, "u-1", turn.CurrentUnit)
	assert.Equal(t, "player-1", turn.UserID)
	assert.Equal(t, 3, turn.Round)
	assert.True(t, turn.Deadline.After(time.Now()))

	// And it is actionable.
	actor.Intent("player-1", player, protocol.ActionPayload{Kind: "end_turn", UnitID: "u-1"}, 3)
	var update protocol.StateUpdatePayload
	decodeJSON(t, player.waitFor(t, protocol.TypeStateUpdate), &update)
	require.NotEmpty(t, update.Events)
	assert.Equal(t, game.EventTurnEnded, update.Events[0].Kind)

	got, err := db.GetSession("sess-restored")
	require.NoError(t, err)
	assert.Equal(t, store.PhasePlaying, got.Phase)
}

func TestUpdateSettingsInLobby(t *testing.T) {
	actor, db := testActor(t, shortOptions())

	dm := newFakeConn("c-dm", "dm-user")
	p1 := newFakeConn("c-p1", "player-1")
	p2 := newFakeConn("c-p2", "player-2")
	actor.Attach("dm-user", "The DM", "", dm, 1)
	actor.Attach("player-1", "Alice", "", p1, 1)
	actor.Attach("player-2", "Bram", "", p2, 1)
	p2.waitFor(t, protocol.TypeSessionJoined)

	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{
		Command:  "update_settings",
		Settings: &protocol.SessionSettings{MaxPlayers: 6, TurnDeadlineSeconds: 120, Difficulty: "hard"},
	}, 2)

	var updated protocol.SessionUpdatedPayload
	decodeJSON(t, p1.waitFor(t, protocol.TypeSessionUpdated), &updated)
	assert.Equal(t, 6, updated.Session.MaxPlayers)
	assert.Equal(t, 120, updated.Session.TurnDeadlineSeconds)
	assert.Equal(t, "hard", updated.Session.Difficulty)

	row, err := db.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 6, row.MaxPlayers)
	assert.Equal(t, 120, row.TurnDeadlineSeconds)
	assert.Equal(t, "hard", row.Difficulty)

	// Cannot shrink below the current roster (3 participants).
	dm.drain()
	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{
		Command:  "update_settings",
		Settings: &protocol.SessionSettings{MaxPlayers: 2, TurnDeadlineSeconds: 120, Difficulty: "hard"},
	}, 3)
	assert.Equal(t, protocol.ErrInvalidAction, errorCode(t, dm.waitFor(t, protocol.TypeError)))

	// Players cannot change settings.
	p1.drain()
	actor.DMCommand("player-1", p1, protocol.DMCommandPayload{
		Command:  "update_settings",
		Settings: &protocol.SessionSettings{MaxPlayers: 4},
	}, 2)
	assert.Equal(t, protocol.ErrForbidden, errorCode(t, p1.waitFor(t, protocol.TypeError)))

	// Settings freeze once the game starts.
	actor.Ready("player-1", p1, true, 3)
	actor.Ready("player-2", p2, true, 2)
	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{Command: "start_game"}, 4)
	dm.waitFor(t, protocol.TypeTurnChange)

	dm.drain()
	actor.DMCommand("dm-user", dm, protocol.DMCommandPayload{
		Command:  "update_settings",
		Settings: &protocol.SessionSettings{MaxPlayers: 8},
	}, 5)
	assert.Equal(t, protocol.ErrInvalidAction, errorCode(t, dm.waitFor(t, protocol.TypeError)))
}

func TestLobbySeatFreedAfterReconnectWindow(t *testing.T) {
	opts := shortOptions()
	opts.ReconnectWindow = 60 * time.Millisecond
	actor, db := testActor(t, opts)

	dm := newFakeConn("c-dm", "dm-user")
	actor.Attach("dm-user", "The DM", "", dm, 1)
	dm.waitFor(t, protocol.TypeSessionJoined)

	player := newFakeConn("c-p1", "player-1")
	actor.Attach("player-1", "Alice", "", player, 1)
	player.waitFor(t, protocol.TypeSessionJoined)

	dm.drain()
	actor.Detach("player-1", player)

	// The seat frees up once the window passes without a reconnect.
	deadline := time.Now().Add(2 * time.Second)
	for {
		participants, err := db.GetParticipants("sess-1")
		require.NoError(t, err)
		if len(participants) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the disconnected player to be dropped, still have %d participants", len(participants))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// First roster update marks the disconnect, the second the removal.
	var roster protocol.ParticipantUpdatePayload
	decodeJSON(t, dm.waitFor(t, protocol.TypeParticipantUpdate), &roster)
	decodeJSON(t, dm.waitFor(t, protocol.TypeParticipantUpdate), &roster)
	require.Len(t, roster.Participants, 1)
	assert.Equal(t, "dm-user", roster.Participants[0].UserID)
}
