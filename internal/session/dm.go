package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon/gridfall_backend/internal/game"
	"github.com/halcyon/gridfall_backend/internal/logging"
	"github.com/halcyon/gridfall_backend/internal/protocol"
	"github.com/halcyon/gridfall_backend/internal/ratelimit"
	"github.com/halcyon/gridfall_backend/internal/store"
)

// handleDMCommand dispatches the privileged command surface. Everything here
// runs inside the actor loop, so commands read and write state directly.
func (a *Actor) handleDMCommand(msg inboxMsg) {
	decision := a.limiter.Allow(msg.userID, ratelimit.BucketDM)
	if !decision.Allowed {
		a.reply(msg, protocol.NewRateLimitError(decision.RetryAfter, msg.seq))
		return
	}

	sender, ok := a.participants[msg.userID]
	if !ok || sender.role != store.RoleDM {
		logging.LogSessionEvent("dm_command_forbidden", a.ID, map[string]interface{}{
			"user_id": msg.userID, "command": msg.dm.Command,
		})
		a.reply(msg, protocol.NewError(protocol.ErrForbidden, "DM commands require the DM role", msg.seq))
		return
	}

	var err error
	switch msg.dm.Command {
	case "start_game":
		err = a.dmStartGame()
	case "pause_game":
		if a.phase != store.PhasePlaying {
			err = fmt.Errorf("session is not playing")
		} else {
			a.pauseSession("dm_pause")
		}
	case "resume_game":
		if a.phase != store.PhasePaused {
			err = fmt.Errorf("session is not paused")
		} else {
			a.resumeSession()
		}
	case "end_game":
		a.endSession("dm_end")
	case "skip_turn":
		err = a.dmSkipTurn()
	case "kick_player":
		err = a.dmKickPlayer(msg.dm.UserID)
	case "update_settings":
		err = a.dmUpdateSettings(msg.dm.Settings)
	case "grant_gold":
		err = a.dmGrantGold(msg.dm.UserID, msg.dm.Amount)
	case "grant_xp":
		err = a.dmGrantXP(msg.dm.UserID, msg.dm.Amount)
	case "grant_weapon":
		err = a.dmGrantWeapon(msg.dm.WeaponID)
	case "spawn_monster":
		err = a.dmSpawnMonster(msg.dm.MonsterType, msg.dm.Position)
	case "remove_monster":
		err = a.dmRemoveMonster(msg.dm.UnitID)
	case "modify_monster":
		err = a.dmModifyMonster(msg.dm.UnitID, msg.dm.StatDeltas)
	default:
		err = fmt.Errorf("unknown DM command %q", msg.dm.Command)
	}

	if err != nil {
		a.reply(msg, protocol.NewError(protocol.ErrInvalidAction, err.Error(), msg.seq))
	}
}

// dmStartGame transitions lobby -> playing: spawn player units in join order,
// roll initiative, start round 1.
func (a *Actor) dmStartGame() error {
	if a.phase != store.PhaseLobby {
		return fmt.Errorf("game can only start from the lobby")
	}

	var players []*participant
	for _, userID := range a.joinOrder {
		p, ok := a.participants[userID]
		if !ok || p.role != store.RolePlayer {
			continue
		}
		if !p.ready {
			return fmt.Errorf("player %s is not ready", p.displayName)
		}
		players = append(players, p)
	}
	if len(players) == 0 {
		return fmt.Errorf("no players to start with")
	}

	events := []game.Event{{Kind: game.EventGameStarted}}
	for _, p := range players {
		ev, err := a.spawnPlayerUnit(p)
		if err != nil {
			return fmt.Errorf("failed to spawn unit for %s: %v", p.displayName, err)
		}
		events = append(events, ev)
	}

	a.state.Combat.Order = game.ComputeInitiative(a.state.Units)
	a.state.Combat.CurrentIndex = 0
	a.state.Combat.Round = 1
	a.initiativeDirty = false
	events = append(events, game.Event{Kind: game.EventRoundStarted, Amount: 1})

	a.phase = store.PhasePlaying
	if err := a.db.UpdateSessionPhase(a.ID, store.PhasePlaying); err != nil {
		logging.Error("failed to persist game start", map[string]interface{}{
			"session_id": a.ID, "error": err,
		})
	}

	a.commit(events)
	a.writeSnapshot(true)

	a.broadcast(protocol.MustEnvelope(protocol.TypeFullStateSync, protocol.FullStateSyncPayload{
		State:        a.state,
		StateVersion: a.version,
	}))

	unitID := a.state.Combat.CurrentUnitID()
	unit := a.state.UnitByID(unitID)
	a.turn = TurnState{
		UnitID:            unitID,
		MovementRemaining: unit.Stats.MoveRange,
	}
	gen, deadline := a.timer.Schedule(a.turnDeadline)
	a.curGen = gen
	a.turn.Deadline = deadline
	a.broadcast(a.turnChangeEnvelope())

	logging.LogSessionEvent("game_started", a.ID, map[string]interface{}{
		"players": len(players), "units": len(a.state.Units),
	})
	return nil
}

// dmSkipTurn force-ends the current unit's turn
func (a *Actor) dmSkipTurn() error {
	if a.phase != store.PhasePlaying {
		return fmt.Errorf("session is not playing")
	}
	if a.turn.UnitID == "" {
		return fmt.Errorf("no active turn")
	}
	a.commit([]game.Event{{Kind: game.EventTurnEnded, UnitID: a.turn.UnitID, Reason: "dm_skip"}})
	a.advanceTurn("dm_skip")
	return nil
}

// dmKickPlayer removes a player. In the lobby the removal is immediate; during
// play it queues for the turn boundary so the participant set stays stable
// within a turn.
func (a *Actor) dmKickPlayer(userID string) error {
	p, ok := a.participants[userID]
	if !ok {
		return fmt.Errorf("user %s is not in the session", userID)
	}
	if p.role == store.RoleDM {
		return fmt.Errorf("the DM cannot be kicked")
	}

	if a.phase == store.PhasePlaying {
		p.kicked = true
		a.dmEvent("kick_pending", userID, "", 0, "")
		return nil
	}

	for _, conn := range p.conns {
		conn.CloseWithCode(protocol.ErrKicked, "removed by the DM")
	}
	a.removeParticipant(userID)
	a.broadcastParticipants()
	a.dmEvent("player_kicked", userID, "", 0, "")
	return nil
}

// dmUpdateSettings changes the session settings while still in the lobby.
// Once the game starts they are frozen.
func (a *Actor) dmUpdateSettings(settings *protocol.SessionSettings) error {
	if a.phase != store.PhaseLobby {
		return fmt.Errorf("settings can only change in the lobby")
	}
	if settings == nil {
		return fmt.Errorf("update_settings requires settings")
	}
	normalized, err := normalizeSettings(*settings, a.opts.TurnDeadline)
	if err != nil {
		return err
	}
	if normalized.MaxPlayers < a.activeCount() {
		return fmt.Errorf("max_players %d is below the current participant count %d",
			normalized.MaxPlayers, a.activeCount())
	}

	a.maxPlayers = normalized.MaxPlayers
	a.turnDeadline = time.Duration(normalized.TurnDeadlineSeconds) * time.Second
	a.difficulty = normalized.Difficulty

	if err := a.db.UpdateSessionSettings(a.ID, a.maxPlayers, normalized.TurnDeadlineSeconds, a.difficulty); err != nil {
		logging.Error("failed to persist settings", map[string]interface{}{
			"session_id": a.ID, "error": err,
		})
	}

	a.broadcast(protocol.MustEnvelope(protocol.TypeSessionUpdated, protocol.SessionUpdatedPayload{
		Session: a.sessionView(),
	}))
	logging.LogSessionEvent("settings_updated", a.ID, map[string]interface{}{
		"max_players":           a.maxPlayers,
		"turn_deadline_seconds": normalized.TurnDeadlineSeconds,
		"difficulty":            a.difficulty,
	})
	return nil
}

// dmGrantGold adds gold to the shared party inventory
func (a *Actor) dmGrantGold(userID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive")
	}
	a.state.Inventory.Gold += amount
	a.commit([]game.Event{{Kind: game.EventGoldGranted, UserID: userID, Amount: amount}})
	a.dmEvent("gold_granted", userID, "", amount, "")
	return nil
}

// dmGrantXP awards experience to a player's character. Levels derive from
// total xp; the persisted character advances immediately.
func (a *Actor) dmGrantXP(userID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive")
	}
	p, ok := a.participants[userID]
	if !ok || p.role != store.RolePlayer {
		return fmt.Errorf("user %s is not a player in the session", userID)
	}
	if p.characterID == "" {
		return fmt.Errorf("player %s has no character attached", userID)
	}

	ch, err := a.db.GetCharacter(p.characterID)
	if err != nil {
		return fmt.Errorf("failed to load character: %v", err)
	}
	newXP := ch.XP + amount
	newLevel := game.LevelForXP(newXP)
	if err := a.db.AddCharacterXP(p.characterID, newXP, newLevel); err != nil {
		return fmt.Errorf("failed to persist xp: %v", err)
	}

	a.commit([]game.Event{{Kind: game.EventXPGranted, UserID: userID, Amount: amount}})
	a.dmEvent("xp_granted", userID, "", amount, fmt.Sprintf("level %d", newLevel))
	return nil
}

// dmGrantWeapon adds a catalog weapon instance to the shared inventory
func (a *Actor) dmGrantWeapon(weaponID string) error {
	def, ok := game.WeaponCatalog[weaponID]
	if !ok {
		return fmt.Errorf("unknown weapon %q", weaponID)
	}
	instance := game.WeaponInstance{
		InstanceID: uuid.New().String(),
		WeaponID:   def.ID,
		Name:       def.Name,
		Damage:     def.Damage,
	}
	a.state.Inventory.Weapons = append(a.state.Inventory.Weapons, instance)
	a.commit([]game.Event{{Kind: game.EventWeaponGranted, Detail: def.ID}})
	a.dmEvent("weapon_granted", "", "", 0, def.ID)
	return nil
}

// dmSpawnMonster places a catalog monster on a free walkable tile. Initiative
// picks the newcomer up at the next turn boundary.
func (a *Actor) dmSpawnMonster(monsterType string, pos *game.Position) error {
	def, ok := game.MonsterCatalog[monsterType]
	if !ok {
		return fmt.Errorf("unknown monster type %q", monsterType)
	}
	if pos == nil {
		return fmt.Errorf("spawn requires a position")
	}
	if !a.state.Map.Walkable(*pos) {
		return fmt.Errorf("position (%d,%d) is not walkable", pos.X, pos.Y)
	}
	if a.state.UnitAt(*pos) != nil {
		return fmt.Errorf("position (%d,%d) is occupied", pos.X, pos.Y)
	}

	unit := game.Unit{
		ID:        "m-" + uuid.New().String()[:8],
		OwnerKind: game.OwnerMonster,
		Position:  *pos,
		Stats:     def.Stats,
	}
	a.state.Units = append(a.state.Units, unit)
	a.initiativeDirty = true

	a.commit([]game.Event{{Kind: game.EventUnitSpawned, UnitID: unit.ID, Position: pos, Detail: def.Type}})
	a.dmEvent("monster_spawned", "", unit.ID, 0, def.Type)
	return nil
}

// dmRemoveMonster deletes a monster unit from the board
func (a *Actor) dmRemoveMonster(unitID string) error {
	unit := a.state.UnitByID(unitID)
	if unit == nil {
		return fmt.Errorf("unit %s not found", unitID)
	}
	if unit.OwnerKind != game.OwnerMonster {
		return fmt.Errorf("unit %s is not a monster", unitID)
	}

	wasCurrent := a.turn.UnitID == unitID
	a.state.RemoveUnit(unitID)
	a.initiativeDirty = true
	a.commit([]game.Event{{Kind: game.EventUnitRemoved, UnitID: unitID}})
	a.dmEvent("monster_removed", "", unitID, 0, "")

	if wasCurrent && a.phase == store.PhasePlaying {
		a.advanceTurn("unit_removed")
	}
	return nil
}

// dmModifyMonster applies stat deltas to a monster, clamped so the unit stays
// alive and consistent. Killing is remove_monster's job.
func (a *Actor) dmModifyMonster(unitID string, deltas map[string]int) error {
	unit := a.state.UnitByID(unitID)
	if unit == nil {
		return fmt.Errorf("unit %s not found", unitID)
	}
	if unit.OwnerKind != game.OwnerMonster {
		return fmt.Errorf("unit %s is not a monster", unitID)
	}
	if len(deltas) == 0 {
		return fmt.Errorf("no stat deltas given")
	}

	for stat, delta := range deltas {
		switch stat {
		case "hp":
			unit.Stats.HP = clamp(unit.Stats.HP+delta, 1, unit.Stats.MaxHP)
		case "max_hp":
			unit.Stats.MaxHP = clampMin(unit.Stats.MaxHP+delta, 1)
			if unit.Stats.HP > unit.Stats.MaxHP {
				unit.Stats.HP = unit.Stats.MaxHP
			}
		case "attack":
			unit.Stats.Attack = clampMin(unit.Stats.Attack+delta, 0)
		case "defense":
			unit.Stats.Defense = clampMin(unit.Stats.Defense+delta, 0)
		case "initiative":
			unit.Stats.Initiative = clampMin(unit.Stats.Initiative+delta, 0)
			a.initiativeDirty = true
		case "move_range":
			unit.Stats.MoveRange = clampMin(unit.Stats.MoveRange+delta, 1)
		case "attack_range":
			unit.Stats.AttackRange = clampMin(unit.Stats.AttackRange+delta, 1)
		default:
			return fmt.Errorf("unknown stat %q", stat)
		}
	}

	a.commit([]game.Event{{Kind: game.EventUnitModified, UnitID: unitID}})
	a.dmEvent("monster_modified", "", unitID, 0, "")
	return nil
}

// dmEvent broadcasts a DM action announcement to the whole session
func (a *Actor) dmEvent(kind, userID, unitID string, amount int, detail string) {
	a.broadcast(protocol.MustEnvelope(protocol.TypeDMEvent, protocol.DMEventPayload{
		Kind:   kind,
		UserID: userID,
		UnitID: unitID,
		Amount: amount,
		Detail: detail,
	}))
	logging.LogSessionEvent("dm_"+kind, a.ID, map[string]interface{}{
		"user_id": userID, "unit_id": unitID, "amount": amount, "detail": detail,
		"at": time.Now().Format(time.RFC3339),
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampMin(v, lo int) int {
	if v < lo {
		return lo
	}
	return v
}
