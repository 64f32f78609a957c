package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon/gridfall_backend/internal/auth"
	"github.com/halcyon/gridfall_backend/internal/game"
	"github.com/halcyon/gridfall_backend/internal/logging"
	"github.com/halcyon/gridfall_backend/internal/protocol"
	"github.com/halcyon/gridfall_backend/internal/ratelimit"
	"github.com/halcyon/gridfall_backend/internal/store"
)

// Options tune a session actor's runtime behavior
type Options struct {
	TurnDeadline     time.Duration
	DisconnectGrace  time.Duration
	ReconnectWindow  time.Duration
	SnapshotEvery    int
	InboxSize        int
	EventLogSize     int
	ChatRingSize     int
	IdleDisposeAfter time.Duration
}

// DefaultOptions returns the standard actor options
func DefaultOptions() Options {
	return Options{
		TurnDeadline:     60 * time.Second,
		DisconnectGrace:  10 * time.Second,
		ReconnectWindow:  60 * time.Second,
		SnapshotEvery:    25,
		InboxSize:        1024,
		EventLogSize:     200,
		ChatRingSize:     100,
		IdleDisposeAfter: 10 * time.Minute,
	}
}

// TurnState tracks the current turn's budget; reset at each transition
type TurnState struct {
	UnitID            string    `json:"unit_id"`
	MovementRemaining int       `json:"movement_remaining"`
	HasActed          bool      `json:"has_acted"`
	Deadline          time.Time `json:"deadline"`
}

// participant is the actor-owned view of one session member
type participant struct {
	userID      string
	displayName string
	role        string
	characterID string
	ready       bool
	joinedAt    time.Time
	// pendingActivation marks a mid-game join waiting for the turn boundary
	pendingActivation bool
	pendingLeave      bool
	kicked            bool
	conns             map[string]Conn
	disconnectedAt    time.Time
}

func (p *participant) connected() bool {
	return len(p.conns) > 0
}

// ActorConfig wires an actor's collaborators
type ActorConfig struct {
	Row       *store.Session
	Store     store.Store
	Sim       *game.Adapter
	Limiter   *ratelimit.Limiter
	Auth      *auth.Auth
	Opts      Options
	OnDispose func(sessionID string)

	// Restored state for boot re-materialization; nil for fresh sessions
	RestoredState   *game.State
	RestoredVersion uint64
}

// Actor is the single-writer owner of one session's state. Every mutation is
// serialized through its inbox; nothing outside the run loop touches the
// session state.
type Actor struct {
	ID         string
	InviteCode string

	hostUserID   string
	maxPlayers   int
	turnDeadline time.Duration
	difficulty   string
	opts         Options

	db        store.Store
	sim       *game.Adapter
	limiter   *ratelimit.Limiter
	tokens    *auth.Auth
	onDispose func(string)

	inbox chan inboxMsg
	done  chan struct{}

	// Everything below is owned by the run loop
	phase          string
	state          *game.State
	version        uint64
	turn           TurnState
	participants   map[string]*participant
	joinOrder      []string
	chat           *chatRing
	events         *eventLog
	timer          *turnTimer
	curGen         uint64
	pauseRemaining time.Duration
	initiativeDirty bool
	mutationsSince int
	snapshotFails  int
	idleTimer      *time.Timer
	disposed       bool
}

// NewActor creates a session actor from its persisted row. Call Start to
// begin processing.
func NewActor(cfg ActorConfig) *Actor {
	opts := cfg.Opts
	if opts.InboxSize <= 0 {
		opts = DefaultOptions()
	}

	deadline := time.Duration(cfg.Row.TurnDeadlineSeconds) * time.Second
	if deadline <= 0 {
		deadline = opts.TurnDeadline
	}

	a := &Actor{
		ID:           cfg.Row.ID,
		InviteCode:   cfg.Row.InviteCode,
		hostUserID:   cfg.Row.HostUserID,
		maxPlayers:   cfg.Row.MaxPlayers,
		turnDeadline: deadline,
		difficulty:   cfg.Row.Difficulty,
		opts:         opts,
		db:           cfg.Store,
		sim:          cfg.Sim,
		limiter:      cfg.Limiter,
		tokens:       cfg.Auth,
		onDispose:    cfg.OnDispose,
		inbox:        make(chan inboxMsg, opts.InboxSize),
		done:         make(chan struct{}),
		phase:        cfg.Row.Phase,
		state:        cfg.RestoredState,
		version:      cfg.RestoredVersion,
		participants: make(map[string]*participant),
		chat:         newChatRing(opts.ChatRingSize),
		events:       newEventLog(opts.EventLogSize),
	}
	a.timer = newTurnTimer(func(gen uint64) {
		a.post(inboxMsg{kind: msgTimerTick, tickGen: gen})
	})

	if a.state == nil {
		a.state = game.NewState(game.DefaultMap())
	}
	return a
}

// Start launches the actor's run loop
func (a *Actor) Start() {
	go a.run()
}

// post enqueues without blocking; false means the inbox is full
func (a *Actor) post(msg inboxMsg) bool {
	select {
	case a.inbox <- msg:
		return true
	default:
		return false
	}
}

// postOrBusy posts a message; on a full inbox the sender connection gets
// SERVER_BUSY and is closed rather than blocking the actor.
func (a *Actor) postOrBusy(msg inboxMsg) {
	if a.post(msg) {
		return
	}
	logging.LogSessionEvent("inbox_overflow", a.ID, map[string]interface{}{
		"user_id": msg.userID,
	})
	if msg.conn != nil {
		msg.conn.CloseWithCode(protocol.ErrServerBusy, "session inbox full")
	}
}

// Attach joins or rejoins a user to the session
func (a *Actor) Attach(userID, displayName, characterID string, conn Conn, seq int64) {
	a.postOrBusy(inboxMsg{kind: msgAttach, userID: userID, displayName: displayName, characterID: characterID, conn: conn, seq: seq})
}

// Detach reports a lost connection
func (a *Actor) Detach(userID string, conn Conn) {
	a.postOrBusy(inboxMsg{kind: msgDetach, userID: userID, conn: conn})
}

// Leave is a voluntary departure
func (a *Actor) Leave(userID string, conn Conn, seq int64) {
	a.postOrBusy(inboxMsg{kind: msgLeave, userID: userID, conn: conn, seq: seq})
}

// Ready toggles the lobby ready flag
func (a *Actor) Ready(userID string, conn Conn, ready bool, seq int64) {
	a.postOrBusy(inboxMsg{kind: msgReady, userID: userID, conn: conn, ready: ready, seq: seq})
}

// Intent submits a gameplay action
func (a *Actor) Intent(userID string, conn Conn, action protocol.ActionPayload, seq int64) {
	a.postOrBusy(inboxMsg{kind: msgIntent, userID: userID, conn: conn, action: action, seq: seq})
}

// DMCommand submits a privileged command
func (a *Actor) DMCommand(userID string, conn Conn, cmd protocol.DMCommandPayload, seq int64) {
	a.postOrBusy(inboxMsg{kind: msgDMCommand, userID: userID, conn: conn, dm: cmd, seq: seq})
}

// Chat submits a chat message
func (a *Actor) Chat(userID string, conn Conn, chat protocol.ChatPayload, seq int64) {
	a.postOrBusy(inboxMsg{kind: msgChat, userID: userID, conn: conn, chat: chat, seq: seq})
}

// ResumeSync requests event replay after reconnect
func (a *Actor) ResumeSync(userID string, conn Conn, resume protocol.ResumeSyncPayload, seq int64) {
	a.postOrBusy(inboxMsg{kind: msgResumeSync, userID: userID, conn: conn, resume: resume, seq: seq})
}

// RequestSnapshot forces a snapshot write
func (a *Actor) RequestSnapshot() {
	a.post(inboxMsg{kind: msgSnapshotRequest})
}

// FlushSync forces a snapshot and waits for it, bounded by the context. Used
// during graceful shutdown.
func (a *Actor) FlushSync(ctx context.Context) error {
	done := make(chan struct{})
	if !a.post(inboxMsg{kind: msgSnapshotRequest, flush: done}) {
		return fmt.Errorf("session %s inbox full", a.ID)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the single-writer loop: dequeue one message, fully process it, then
// the next.
func (a *Actor) run() {
	for {
		select {
		case msg := <-a.inbox:
			a.handle(msg)
			if a.disposed {
				return
			}
		case <-a.done:
			return
		}
	}
}

func (a *Actor) handle(msg inboxMsg) {
	switch msg.kind {
	case msgAttach:
		a.handleAttach(msg)
	case msgDetach:
		a.handleDetach(msg)
	case msgLeave:
		a.handleLeave(msg)
	case msgReady:
		a.handleReady(msg)
	case msgIntent:
		a.handleIntent(msg)
	case msgDMCommand:
		a.handleDMCommand(msg)
	case msgChat:
		a.handleChat(msg)
	case msgResumeSync:
		a.handleResumeSync(msg)
	case msgTimerTick:
		a.handleTimerTick(msg)
	case msgSnapshotRequest:
		a.writeSnapshot(true)
		if msg.flush != nil {
			close(msg.flush)
		}
	case msgReconnectExpired:
		a.handleReconnectExpired(msg)
	case msgIdleExpired:
		a.handleIdleExpired()
	}
}

// --- attach / detach / leave ---

func (a *Actor) handleAttach(msg inboxMsg) {
	if a.phase == store.PhaseEnded {
		a.reply(msg, protocol.NewError(protocol.ErrAlreadyEnded, "session has ended", msg.seq))
		return
	}

	p, rejoining := a.participants[msg.userID]
	if !rejoining {
		if a.activeCount() >= a.maxPlayers {
			a.reply(msg, protocol.NewError(protocol.ErrSessionFull, "session is full", msg.seq))
			return
		}

		role := store.RolePlayer
		if msg.userID == a.hostUserID {
			role = store.RoleDM
		}
		p = &participant{
			userID:      msg.userID,
			displayName: msg.displayName,
			role:        role,
			characterID: msg.characterID,
			joinedAt:    time.Now(),
			conns:       make(map[string]Conn),
			// Mid-game joins wait for the turn boundary; the participant set
			// is immutable during a single turn.
			pendingActivation: a.phase == store.PhasePlaying,
		}
		a.participants[msg.userID] = p
		a.joinOrder = append(a.joinOrder, msg.userID)

		if err := a.db.UpsertParticipant(&store.Participant{
			SessionID:   a.ID,
			UserID:      p.userID,
			Role:        p.role,
			CharacterID: p.characterID,
			Connected:   true,
			JoinedAt:    p.joinedAt,
		}); err != nil {
			logging.Error("failed to persist participant", map[string]interface{}{
				"session_id": a.ID, "user_id": p.userID, "error": err,
			})
		}

		logging.LogSessionEvent("participant_joined", a.ID, map[string]interface{}{
			"user_id": p.userID, "role": p.role, "pending": p.pendingActivation,
		})
	}

	p.conns[msg.conn.ID()] = msg.conn
	p.disconnectedAt = time.Time{}
	if rejoining {
		if err := a.db.SetParticipantConnected(a.ID, p.userID, true); err != nil {
			logging.Error("failed to persist participant connect", map[string]interface{}{
				"session_id": a.ID, "user_id": p.userID, "error": err,
			})
		}
		// Reconnect during the user's own turn cancels the grace timer; the
		// remaining deadline is unchanged.
		if a.currentTurnOwner() == p.userID {
			a.timer.CancelGrace()
		}
	}
	a.stopIdleTimer()

	a.sendToConn(msg.conn, protocol.MustEnvelope(protocol.TypeSessionJoined, protocol.SessionJoinedPayload{
		Session: a.sessionView(),
	}))

	if token, err := a.tokens.GenerateRoomToken(p.userID, a.ID); err == nil {
		a.sendToConn(msg.conn, protocol.MustEnvelope(protocol.TypeRoomToken, protocol.RoomTokenPayload{
			Token:     token,
			SessionID: a.ID,
		}))
	}

	a.broadcastParticipants()

	if a.phase != store.PhaseLobby {
		a.sendToConn(msg.conn, protocol.MustEnvelope(protocol.TypeFullStateSync, protocol.FullStateSyncPayload{
			State:        a.state,
			StateVersion: a.version,
		}))
		if a.phase == store.PhasePlaying && a.turn.UnitID != "" {
			a.sendToConn(msg.conn, a.turnChangeEnvelope())
		}
	}
}

func (a *Actor) handleDetach(msg inboxMsg) {
	p, ok := a.participants[msg.userID]
	if !ok {
		return
	}
	delete(p.conns, msg.conn.ID())
	if p.connected() {
		return
	}

	p.disconnectedAt = time.Now()
	if err := a.db.SetParticipantConnected(a.ID, p.userID, false); err != nil {
		logging.Error("failed to persist participant disconnect", map[string]interface{}{
			"session_id": a.ID, "user_id": p.userID, "error": err,
		})
	}

	logging.LogWebSocketEvent("participant_disconnected", a.ID, p.userID, nil)
	a.broadcastParticipants()

	// Disconnect alone never skips the turn; it arms a short grace timer
	// that posts an early tick if the player stays away.
	if a.phase == store.PhasePlaying && a.currentTurnOwner() == p.userID {
		a.timer.Grace(a.opts.DisconnectGrace)
	}

	// A lobby seat is not held forever; a player who stays away past the
	// reconnect window is dropped from the roster. Mid-game participants keep
	// their place and their unit auto-skips instead.
	if a.phase == store.PhaseLobby && p.role == store.RolePlayer && a.opts.ReconnectWindow > 0 {
		userID := p.userID
		time.AfterFunc(a.opts.ReconnectWindow, func() {
			a.post(inboxMsg{kind: msgReconnectExpired, userID: userID})
		})
	}

	if a.allDisconnected() {
		a.startIdleTimer()
	}
}

// handleReconnectExpired frees a lobby seat whose owner never came back. A
// reconnect (even a brief one) restarts the window, so a stale timer firing
// after a fresh disconnect is a no-op.
func (a *Actor) handleReconnectExpired(msg inboxMsg) {
	p, ok := a.participants[msg.userID]
	if !ok || p.connected() || a.phase != store.PhaseLobby {
		return
	}
	if time.Since(p.disconnectedAt) < a.opts.ReconnectWindow {
		return
	}
	logging.LogSessionEvent("reconnect_window_expired", a.ID, map[string]interface{}{
		"user_id": msg.userID,
	})
	a.removeParticipant(msg.userID)
	a.broadcastParticipants()
}

func (a *Actor) handleLeave(msg inboxMsg) {
	p, ok := a.participants[msg.userID]
	if !ok {
		return
	}

	if p.role == store.RoleDM && a.phase == store.PhasePlaying {
		a.reply(msg, protocol.NewError(protocol.ErrForbidden, "the DM cannot leave a running game; end it instead", msg.seq))
		return
	}

	switch a.phase {
	case store.PhaseLobby:
		if p.role == store.RoleDM {
			a.endSession("host_left")
			return
		}
		a.removeParticipant(p.userID)
		a.broadcastParticipants()
	case store.PhasePlaying:
		// Applied at the next turn boundary to keep the participant set
		// stable within a turn.
		p.pendingLeave = true
	default:
		a.removeParticipant(p.userID)
		a.broadcastParticipants()
	}
}

func (a *Actor) handleReady(msg inboxMsg) {
	if a.phase != store.PhaseLobby {
		a.reply(msg, protocol.NewError(protocol.ErrInvalidAction, "ready is only valid in the lobby", msg.seq))
		return
	}
	p, ok := a.participants[msg.userID]
	if !ok {
		return
	}
	p.ready = msg.ready
	if err := a.db.UpsertParticipant(&store.Participant{
		SessionID:   a.ID,
		UserID:      p.userID,
		Role:        p.role,
		CharacterID: p.characterID,
		Ready:       p.ready,
		Connected:   p.connected(),
		JoinedAt:    p.joinedAt,
	}); err != nil {
		logging.Error("failed to persist ready flag", map[string]interface{}{
			"session_id": a.ID, "user_id": p.userID, "error": err,
		})
	}
	a.broadcastParticipants()
}

// --- intent handling (the hot path) ---

func (a *Actor) handleIntent(msg inboxMsg) {
	decision := a.limiter.Allow(msg.userID, ratelimit.BucketAction)
	if !decision.Allowed {
		a.reply(msg, protocol.NewRateLimitError(decision.RetryAfter, msg.seq))
		return
	}

	if a.phase != store.PhasePlaying {
		a.reply(msg, protocol.NewError(protocol.ErrInvalidAction, "session is not playing", msg.seq))
		return
	}

	unit := a.state.UnitByID(msg.action.UnitID)
	if unit == nil || msg.action.UnitID != a.turn.UnitID {
		a.reply(msg, protocol.NewError(protocol.ErrNotYourTurn, "not the acting unit's turn", msg.seq))
		return
	}

	sender := a.participants[msg.userID]
	isDM := sender != nil && sender.role == store.RoleDM
	kind := game.ActionKind(msg.action.Kind)
	if unit.OwnerUserID != msg.userID {
		// The DM may end any unit's turn but not act for it.
		if !(isDM && kind == game.ActionEndTurn) {
			a.reply(msg, protocol.NewError(protocol.ErrNotYourTurn, "unit is not yours", msg.seq))
			return
		}
	}

	action := game.Action{
		Kind:       kind,
		UnitID:     msg.action.UnitID,
		TargetUnit: msg.action.TargetUnit,
		TargetPos:  msg.action.TargetPosition,
	}

	switch kind {
	case game.ActionMove:
		if action.TargetPos == nil {
			a.reply(msg, protocol.NewError(protocol.ErrInvalidAction, "move requires a target position", msg.seq))
			return
		}
		dist := unit.Position.Distance(*action.TargetPos)
		if dist == 0 || dist > a.turn.MovementRemaining {
			a.reply(msg, protocol.NewError(protocol.ErrInvalidAction,
				fmt.Sprintf("move distance %d exceeds remaining movement %d", dist, a.turn.MovementRemaining), msg.seq))
			return
		}
	case game.ActionAttack:
		if a.turn.HasActed {
			a.reply(msg, protocol.NewError(protocol.ErrInvalidAction, "unit has already acted this turn", msg.seq))
			return
		}
		target := a.state.UnitByID(action.TargetUnit)
		if target == nil {
			a.reply(msg, protocol.NewError(protocol.ErrInvalidAction, "attack target not found", msg.seq))
			return
		}
		if unit.Position.Distance(target.Position) > unit.Stats.AttackRange {
			a.reply(msg, protocol.NewError(protocol.ErrInvalidAction, "target out of attack range", msg.seq))
			return
		}
	case game.ActionEndTurn:
		// Always legal for the current unit.
	default:
		a.reply(msg, protocol.NewError(protocol.ErrInvalidAction, fmt.Sprintf("unknown action kind %q", msg.action.Kind), msg.seq))
		return
	}

	next, events, err := a.sim.Apply(a.state, action)
	if err != nil {
		if simErr, ok := err.(*game.SimViolationError); ok {
			a.handleSimViolation(simErr)
			a.reply(msg, protocol.NewError(protocol.ErrSimViolation, simErr.Detail, msg.seq))
			return
		}
		a.reply(msg, protocol.NewError(protocol.ErrInvalidAction, err.Error(), msg.seq))
		return
	}

	unitsBefore := len(a.state.Units)
	a.state = next
	if len(a.state.Units) != unitsBefore {
		a.initiativeDirty = true
	}

	// Spend the turn budget before deciding whether the turn is over.
	switch kind {
	case game.ActionMove:
		a.turn.MovementRemaining -= unit.Position.Distance(*action.TargetPos)
	case game.ActionAttack:
		a.turn.HasActed = true
	}

	a.commit(events)

	currentDead := a.state.UnitByID(a.turn.UnitID) == nil
	if kind == game.ActionEndTurn || currentDead || (a.turn.MovementRemaining <= 0 && a.turn.HasActed) {
		a.advanceTurn("")
	}
}

// handleTimerTick auto-ends the current turn on deadline expiry
func (a *Actor) handleTimerTick(msg inboxMsg) {
	if msg.tickGen != a.curGen || a.phase != store.PhasePlaying {
		return
	}

	unitID := a.turn.UnitID
	unit := a.state.UnitByID(unitID)
	if unit == nil {
		a.advanceTurn("timeout")
		return
	}

	ownerID := unit.OwnerUserID
	logging.LogTurnEvent("turn_timeout", a.ID, unitID, map[string]interface{}{
		"user_id": ownerID,
	})

	a.broadcast(protocol.MustEnvelope(protocol.TypeTurnTimeout, protocol.TurnTimeoutPayload{
		UserID: ownerID,
		UnitID: unitID,
	}))

	a.commit([]game.Event{{Kind: game.EventTurnEnded, UnitID: unitID, Reason: "timeout"}})
	a.advanceTurn("timeout")
}

// --- chat ---

func (a *Actor) handleChat(msg inboxMsg) {
	decision := a.limiter.Allow(msg.userID, ratelimit.BucketChat)
	if !decision.Allowed {
		a.reply(msg, protocol.NewRateLimitError(decision.RetryAfter, msg.seq))
		return
	}

	if a.phase == store.PhaseEnded {
		a.reply(msg, protocol.NewError(protocol.ErrAlreadyEnded, "session has ended", msg.seq))
		return
	}

	sender, ok := a.participants[msg.userID]
	if !ok {
		a.reply(msg, protocol.NewError(protocol.ErrForbidden, "not a session participant", msg.seq))
		return
	}

	text := protocol.SanitizeChatText(msg.chat.Text)
	if text == "" {
		a.reply(msg, protocol.NewError(protocol.ErrInvalidAction, "empty chat message", msg.seq))
		return
	}

	kind := msg.chat.Kind
	switch kind {
	case protocol.ChatBroadcast:
	case protocol.ChatWhisper:
		if _, ok := a.participants[msg.chat.Recipient]; !ok {
			a.reply(msg, protocol.NewError(protocol.ErrInvalidAction, "whisper recipient not in session", msg.seq))
			return
		}
	case protocol.ChatDMAnnounce:
		if sender.role != store.RoleDM {
			a.reply(msg, protocol.NewError(protocol.ErrForbidden, "only the DM can announce", msg.seq))
			return
		}
	default:
		a.reply(msg, protocol.NewError(protocol.ErrInvalidAction, fmt.Sprintf("unknown chat kind %q", kind), msg.seq))
		return
	}

	entry := protocol.ChatEntryPayload{
		AuthorID:  msg.userID,
		Kind:      kind,
		Recipient: msg.chat.Recipient,
		Text:      text,
		Timestamp: time.Now(),
	}
	a.chat.Append(entry)

	env := protocol.MustEnvelope(protocol.TypeChatEntry, entry)
	if kind == protocol.ChatWhisper {
		a.sendToUser(msg.userID, env)
		a.sendToUser(msg.chat.Recipient, env)
		return
	}
	a.broadcast(env)
}

// --- reconnect replay ---

func (a *Actor) handleResumeSync(msg inboxMsg) {
	if msg.conn == nil {
		return
	}

	a.sendToConn(msg.conn, protocol.MustEnvelope(protocol.TypeFullStateSync, protocol.FullStateSyncPayload{
		State:        a.state,
		StateVersion: a.version,
	}))

	if batches, ok := a.events.After(msg.resume.LastSeenVersion); ok {
		for _, batch := range batches {
			a.sendToConn(msg.conn, protocol.MustEnvelope(protocol.TypeStateUpdate, protocol.StateUpdatePayload{
				Version: batch.Version,
				Events:  batch.Events,
			}))
		}
	}

	if a.phase == store.PhasePlaying && a.turn.UnitID != "" {
		a.sendToConn(msg.conn, a.turnChangeEnvelope())
	}
}

// --- turn machine ---

// currentTurnOwner returns the user id owning the current-turn unit
func (a *Actor) currentTurnOwner() string {
	unit := a.state.UnitByID(a.turn.UnitID)
	if unit == nil {
		return ""
	}
	return unit.OwnerUserID
}

// advanceTurn moves the pointer to the next live unit, applying queued
// participant changes and initiative recomputation at the boundary.
func (a *Actor) advanceTurn(reason string) {
	if a.phase != store.PhasePlaying {
		return
	}

	lastUnit := a.turn.UnitID
	var boundaryEvents []game.Event
	boundaryEvents = append(boundaryEvents, a.applyBoundaryChanges()...)

	order := a.state.Combat.Order
	if a.initiativeDirty {
		order = game.ComputeInitiative(a.state.Units)
		a.state.Combat.Order = order
		a.initiativeDirty = false
	}

	if len(order) == 0 {
		a.timer.Stop()
		a.pauseSession("no_units_remaining")
		return
	}

	// Find the slot after the unit that just acted; a removed unit leaves the
	// pointer at its successor.
	next := 0
	wrapped := false
	if lastUnit != "" {
		idx := -1
		for i, id := range order {
			if id == lastUnit {
				idx = i
				break
			}
		}
		if idx >= 0 {
			next = idx + 1
		} else {
			next = a.state.Combat.CurrentIndex
		}
		if next >= len(order) {
			next = 0
			wrapped = true
		}
	}

	a.state.Combat.CurrentIndex = next
	if wrapped {
		a.state.Combat.Round++
		boundaryEvents = append(boundaryEvents, game.Event{
			Kind:   game.EventRoundStarted,
			Amount: a.state.Combat.Round,
		})
	}

	unitID := order[next]
	unit := a.state.UnitByID(unitID)
	a.turn = TurnState{
		UnitID:            unitID,
		MovementRemaining: unit.Stats.MoveRange,
	}

	gen, deadline := a.timer.Schedule(a.turnDeadline)
	a.curGen = gen
	a.turn.Deadline = deadline

	if len(boundaryEvents) > 0 {
		a.commit(boundaryEvents)
	}

	logging.LogTurnEvent("turn_started", a.ID, unitID, map[string]interface{}{
		"round":  a.state.Combat.Round,
		"reason": reason,
	})

	a.broadcast(a.turnChangeEnvelope())

	// A disconnected owner starts their turn already in the grace window.
	owner := a.currentTurnOwner()
	if owner != "" {
		if p, ok := a.participants[owner]; ok && !p.connected() {
			a.timer.Grace(a.opts.DisconnectGrace)
		}
	}
}

// applyBoundaryChanges activates queued joins and removes queued leaves and
// kicks. Returns the events describing the changes.
func (a *Actor) applyBoundaryChanges() []game.Event {
	var events []game.Event

	for _, userID := range append([]string(nil), a.joinOrder...) {
		p, ok := a.participants[userID]
		if !ok {
			continue
		}

		if p.pendingLeave || p.kicked {
			for _, u := range a.state.Units {
				if u.OwnerUserID == userID {
					a.state.RemoveUnit(u.ID)
					events = append(events, game.Event{Kind: game.EventUnitRemoved, UnitID: u.ID})
					a.initiativeDirty = true
				}
			}
			if p.kicked {
				events = append(events, game.Event{Kind: game.EventPlayerKicked, UserID: userID})
				for _, conn := range p.conns {
					conn.CloseWithCode(protocol.ErrKicked, "removed by the DM")
				}
			}
			a.removeParticipant(userID)
			continue
		}

		if p.pendingActivation {
			p.pendingActivation = false
			if p.role == store.RolePlayer {
				if ev, err := a.spawnPlayerUnit(p); err != nil {
					logging.Error("failed to spawn unit for late join", map[string]interface{}{
						"session_id": a.ID, "user_id": userID, "error": err,
					})
				} else {
					events = append(events, ev)
					a.initiativeDirty = true
				}
			}
		}
	}

	if len(events) > 0 {
		a.broadcastParticipants()
	}
	return events
}

// spawnPlayerUnit creates a unit for a participant from their character
func (a *Actor) spawnPlayerUnit(p *participant) (game.Event, error) {
	stats, err := a.characterStats(p)
	if err != nil {
		return game.Event{}, err
	}

	pos, ok := a.freeSpawnPosition()
	if !ok {
		return game.Event{}, fmt.Errorf("no free spawn position")
	}

	unit := game.Unit{
		ID:          "u-" + uuid.New().String()[:8],
		OwnerKind:   game.OwnerPlayer,
		OwnerUserID: p.userID,
		Position:    pos,
		Stats:       stats,
	}
	a.state.Units = append(a.state.Units, unit)
	return game.Event{Kind: game.EventUnitSpawned, UnitID: unit.ID, Position: &pos, UserID: p.userID}, nil
}

// characterStats resolves a participant's unit stats from their character,
// falling back to the fighter class when none is attached.
func (a *Actor) characterStats(p *participant) (game.Stats, error) {
	if p.characterID == "" {
		return game.ClassCatalog["fighter"].Stats, nil
	}
	ch, err := a.db.GetCharacter(p.characterID)
	if err != nil {
		return game.Stats{}, err
	}
	class, ok := game.ClassCatalog[ch.Class]
	if !ok {
		return game.Stats{}, fmt.Errorf("unknown character class %q", ch.Class)
	}
	stats := class.Stats
	// Levels add a flat bonus to hp and attack.
	bonus := ch.Level - 1
	if bonus > 0 {
		stats.MaxHP += bonus * 2
		stats.HP = stats.MaxHP
		stats.Attack += bonus
	}
	return stats, nil
}

func (a *Actor) freeSpawnPosition() (game.Position, bool) {
	for _, pos := range game.SpawnPositions() {
		if a.state.Map.Walkable(pos) && a.state.UnitAt(pos) == nil {
			return pos, true
		}
	}
	// Fall back to scanning the map.
	for y := 0; y < a.state.Map.Height; y++ {
		for x := 0; x < a.state.Map.Width; x++ {
			pos := game.Position{X: x, Y: y}
			if a.state.Map.Walkable(pos) && a.state.UnitAt(pos) == nil {
				return pos, true
			}
		}
	}
	return game.Position{}, false
}

// --- commit & persistence ---

// commit applies one accepted mutation: version bump, event log append,
// broadcast, snapshot cadence.
func (a *Actor) commit(events []game.Event) {
	a.version++
	a.events.Append(a.version, events)
	a.mutationsSince++

	if err := a.db.UpdateSessionVersion(a.ID, a.version); err != nil {
		logging.Error("failed to persist state version", map[string]interface{}{
			"session_id": a.ID, "version": a.version, "error": err,
		})
	}

	a.broadcast(protocol.MustEnvelope(protocol.TypeStateUpdate, protocol.StateUpdatePayload{
		Version: a.version,
		Events:  events,
	}))

	if a.mutationsSince >= a.opts.SnapshotEvery {
		a.writeSnapshot(false)
	}
}

// writeSnapshot persists the current state blob. Snapshots are small; the
// write happens inline with a slow-persistence warning past the 500ms budget.
// Three consecutive failures force-pause the session.
func (a *Actor) writeSnapshot(force bool) {
	if !force && a.mutationsSince == 0 {
		return
	}

	data, err := a.state.Serialize()
	if err != nil {
		logging.Error("failed to serialize snapshot", map[string]interface{}{
			"session_id": a.ID, "version": a.version, "error": err,
		})
		return
	}

	start := time.Now()
	err = a.db.PutSnapshot(a.ID, a.version, data)
	elapsed := time.Since(start)
	if elapsed > 500*time.Millisecond {
		logging.Warn("slow snapshot write", map[string]interface{}{
			"session_id": a.ID, "version": a.version, "elapsed_ms": elapsed.Milliseconds(),
		})
	}

	if err != nil {
		a.snapshotFails++
		logging.Error("failed to write snapshot", map[string]interface{}{
			"session_id": a.ID, "version": a.version, "failures": a.snapshotFails, "error": err,
		})
		if a.snapshotFails >= 3 && a.phase == store.PhasePlaying {
			a.pauseSession("persistence_failure")
		}
		return
	}

	a.snapshotFails = 0
	a.mutationsSince = 0
	if err := a.db.PruneSnapshots(a.ID, 5); err != nil {
		logging.Warn("failed to prune snapshots", map[string]interface{}{
			"session_id": a.ID, "error": err,
		})
	}
}

// handleSimViolation treats a broken simulation invariant as a bug: pause the
// session, log the state hash, surface the error. No automatic recovery.
func (a *Actor) handleSimViolation(simErr *game.SimViolationError) {
	hash := "unavailable"
	if data, err := a.state.Serialize(); err == nil {
		sum := sha256.Sum256(data)
		hash = hex.EncodeToString(sum[:8])
	}
	logging.Error("simulation invariant violation", map[string]interface{}{
		"session_id": a.ID, "version": a.version, "state_hash": hash, "detail": simErr.Detail,
	})
	a.pauseSession("internal_error")
}

// --- lifecycle ---

// pauseSession transitions playing -> paused and freezes the turn timer
func (a *Actor) pauseSession(reason string) {
	if a.phase != store.PhasePlaying {
		return
	}
	a.phase = store.PhasePaused
	a.pauseRemaining = a.timer.Pause()

	if err := a.db.UpdateSessionPhase(a.ID, store.PhasePaused); err != nil {
		logging.Error("failed to persist pause", map[string]interface{}{"session_id": a.ID, "error": err})
	}

	a.commit([]game.Event{{Kind: "session_paused", Reason: reason}})
	a.writeSnapshot(true)
	a.broadcast(protocol.MustEnvelope(protocol.TypeSessionPaused, protocol.SessionPausedPayload{Reason: reason}))

	logging.LogSessionEvent("paused", a.ID, map[string]interface{}{"reason": reason})
}

// resumeSession transitions paused -> playing, re-basing the turn deadline by
// the paused duration.
func (a *Actor) resumeSession() {
	if a.phase != store.PhasePaused {
		return
	}
	a.phase = store.PhasePlaying

	if err := a.db.UpdateSessionPhase(a.ID, store.PhasePlaying); err != nil {
		logging.Error("failed to persist resume", map[string]interface{}{"session_id": a.ID, "error": err})
	}

	// A session restored from a snapshot carries the initiative pointer but no
	// in-memory turn state; rebuild it before re-arming the deadline.
	if a.turn.UnitID == "" {
		if unit := a.state.UnitByID(a.state.Combat.CurrentUnitID()); unit != nil {
			a.turn = TurnState{
				UnitID:            unit.ID,
				MovementRemaining: unit.Stats.MoveRange,
			}
		}
	}

	remaining := a.pauseRemaining
	if remaining <= 0 {
		remaining = a.turnDeadline
	}
	if a.turn.UnitID != "" {
		gen, deadline := a.timer.Schedule(remaining)
		a.curGen = gen
		a.turn.Deadline = deadline
	}

	a.commit([]game.Event{{Kind: "session_resumed"}})
	a.writeSnapshot(true)
	a.broadcast(protocol.MustEnvelope(protocol.TypeSessionResumed, struct{}{}))
	if a.turn.UnitID != "" {
		a.broadcast(a.turnChangeEnvelope())
	}

	logging.LogSessionEvent("resumed", a.ID, nil)
}

// endSession transitions to ended, persists the final snapshot, and schedules
// disposal once all connections drop.
func (a *Actor) endSession(reason string) {
	if a.phase == store.PhaseEnded {
		return
	}
	a.phase = store.PhaseEnded
	a.timer.Stop()

	if err := a.db.EndSession(a.ID); err != nil {
		logging.Error("failed to persist session end", map[string]interface{}{"session_id": a.ID, "error": err})
	}

	a.commit([]game.Event{{Kind: "session_ended", Reason: reason}})
	a.writeSnapshot(true)
	a.broadcast(protocol.MustEnvelope(protocol.TypeSessionEnded, protocol.SessionEndedPayload{Reason: reason}))

	logging.LogSessionEvent("ended", a.ID, map[string]interface{}{"reason": reason})

	if a.allDisconnected() {
		a.dispose()
	} else {
		a.startIdleTimer()
	}
}

// dispose removes the actor from the registry and stops the run loop
func (a *Actor) dispose() {
	if a.disposed {
		return
	}
	a.disposed = true
	a.timer.Stop()
	a.stopIdleTimer()
	if a.onDispose != nil {
		a.onDispose(a.ID)
	}
	logging.LogSessionEvent("disposed", a.ID, nil)
}

func (a *Actor) startIdleTimer() {
	a.stopIdleTimer()
	d := a.opts.IdleDisposeAfter
	if a.phase == store.PhaseEnded {
		// Ended sessions linger only briefly for stragglers.
		d = 30 * time.Second
	}
	a.idleTimer = time.AfterFunc(d, func() {
		a.post(inboxMsg{kind: msgIdleExpired})
	})
}

// handleIdleExpired disposes the actor if nobody came back during the idle
// window. A paused game persists its state first so a restart can restore it.
func (a *Actor) handleIdleExpired() {
	if !a.allDisconnected() {
		return
	}
	if a.phase == store.PhasePlaying {
		a.pauseSession("all_disconnected")
	}
	a.writeSnapshot(true)
	a.dispose()
}

func (a *Actor) stopIdleTimer() {
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
}

func (a *Actor) allDisconnected() bool {
	for _, p := range a.participants {
		if p.connected() {
			return false
		}
	}
	return true
}

// removeParticipant deletes a participant from memory and the store
func (a *Actor) removeParticipant(userID string) {
	delete(a.participants, userID)
	for i, id := range a.joinOrder {
		if id == userID {
			a.joinOrder = append(a.joinOrder[:i], a.joinOrder[i+1:]...)
			break
		}
	}
	if err := a.db.RemoveParticipant(a.ID, userID); err != nil {
		logging.Error("failed to remove participant", map[string]interface{}{
			"session_id": a.ID, "user_id": userID, "error": err,
		})
	}
}

// activeCount counts participants including queued joins
func (a *Actor) activeCount() int {
	return len(a.participants)
}

// --- views ---

func (a *Actor) sessionView() protocol.SessionView {
	return protocol.SessionView{
		ID:                  a.ID,
		InviteCode:          a.InviteCode,
		HostUserID:          a.hostUserID,
		MaxPlayers:          a.maxPlayers,
		TurnDeadlineSeconds: int(a.turnDeadline / time.Second),
		Difficulty:          a.difficulty,
		Phase:               a.phase,
		StateVersion:        a.version,
	}
}

func (a *Actor) turnChangeEnvelope() *protocol.Envelope {
	return protocol.MustEnvelope(protocol.TypeTurnChange, protocol.TurnChangePayload{
		CurrentUnit: a.turn.UnitID,
		UserID:      a.currentTurnOwner(),
		Deadline:    a.turn.Deadline,
		Round:       a.state.Combat.Round,
	})
}
