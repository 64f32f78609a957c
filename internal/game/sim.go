package game

import (
	"fmt"
)

// ActionKind enumerates the gameplay intents the simulation understands
type ActionKind string

const (
	ActionMove    ActionKind = "move"
	ActionAttack  ActionKind = "attack"
	ActionEndTurn ActionKind = "end_turn"
)

// Action is a validated gameplay intent handed to the simulation
type Action struct {
	Kind       ActionKind `json:"kind"`
	UnitID     string     `json:"unit_id"`
	TargetUnit string     `json:"target_unit,omitempty"`
	TargetPos  *Position  `json:"target_pos,omitempty"`
}

// Event is a single simulation output consumed by clients and the event log
type Event struct {
	Kind     string    `json:"kind"`
	UnitID   string    `json:"unit_id,omitempty"`
	TargetID string    `json:"target_id,omitempty"`
	Position *Position `json:"position,omitempty"`
	Amount   int       `json:"amount,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Event kinds emitted by the simulation and the DM command layer
const (
	EventUnitMoved       = "unit_moved"
	EventUnitAttacked    = "unit_attacked"
	EventUnitDied        = "unit_died"
	EventTurnEnded       = "turn_ended"
	EventUnitSpawned     = "unit_spawned"
	EventUnitRemoved     = "unit_removed"
	EventUnitModified    = "unit_modified"
	EventGoldGranted     = "gold_granted"
	EventXPGranted       = "xp_granted"
	EventWeaponGranted   = "weapon_granted"
	EventGameStarted     = "game_started"
	EventRoundStarted    = "round_started"
	EventPlayerKicked    = "player_kicked"
)

// Simulator is the deterministic game simulation: a pure function from
// (state, action) to (state', events). Implementations must not mutate the
// input state.
type Simulator interface {
	Apply(state *State, action Action) (*State, []Event, error)
}

// SimViolationError marks a simulation output that broke a runtime invariant.
// The session treats it as fatal and pauses rather than committing the state.
type SimViolationError struct {
	Detail string
}

func (e *SimViolationError) Error() string {
	return fmt.Sprintf("simulation invariant violation: %s", e.Detail)
}

// Adapter wraps a Simulator and verifies the runtime invariants around every
// application: unit ids unique, one unit per tile, hp within bounds.
type Adapter struct {
	sim Simulator
}

// NewAdapter creates an adapter around the given simulation
func NewAdapter(sim Simulator) *Adapter {
	return &Adapter{sim: sim}
}

// Apply runs the simulation on a clone of the input and verifies invariants
// on the result before returning it.
func (a *Adapter) Apply(state *State, action Action) (*State, []Event, error) {
	next, events, err := a.sim.Apply(state.Clone(), action)
	if err != nil {
		return nil, nil, err
	}
	if err := CheckInvariants(next); err != nil {
		return nil, nil, &SimViolationError{Detail: err.Error()}
	}
	return next, events, nil
}

// CheckInvariants verifies the structural invariants the runtime guarantees
// around the opaque simulation
func CheckInvariants(s *State) error {
	seenIDs := make(map[string]bool, len(s.Units))
	seenPos := make(map[Position]string, len(s.Units))
	for _, u := range s.Units {
		if seenIDs[u.ID] {
			return fmt.Errorf("duplicate unit id %s", u.ID)
		}
		seenIDs[u.ID] = true

		if holder, ok := seenPos[u.Position]; ok {
			return fmt.Errorf("units %s and %s share position (%d,%d)", holder, u.ID, u.Position.X, u.Position.Y)
		}
		seenPos[u.Position] = u.ID

		if u.Stats.HP < 0 || u.Stats.HP > u.Stats.MaxHP {
			return fmt.Errorf("unit %s hp %d outside [0,%d]", u.ID, u.Stats.HP, u.Stats.MaxHP)
		}
	}
	for _, id := range s.Combat.Order {
		if !seenIDs[id] {
			return fmt.Errorf("initiative order references missing unit %s", id)
		}
	}
	return nil
}

// DefaultSimulator is the reference deterministic simulation
type DefaultSimulator struct{}

// NewDefaultSimulator returns the in-repo reference simulation
func NewDefaultSimulator() *DefaultSimulator {
	return &DefaultSimulator{}
}

// Apply executes one action against the (already cloned) state
func (d *DefaultSimulator) Apply(state *State, action Action) (*State, []Event, error) {
	unit := state.UnitByID(action.UnitID)
	if unit == nil {
		return nil, nil, fmt.Errorf("unit %s not found", action.UnitID)
	}

	switch action.Kind {
	case ActionMove:
		if action.TargetPos == nil {
			return nil, nil, fmt.Errorf("move action requires a target position")
		}
		target := *action.TargetPos
		if !state.Map.Walkable(target) {
			return nil, nil, fmt.Errorf("position (%d,%d) is not walkable", target.X, target.Y)
		}
		if occupant := state.UnitAt(target); occupant != nil && occupant.ID != unit.ID {
			return nil, nil, fmt.Errorf("position (%d,%d) is occupied by %s", target.X, target.Y, occupant.ID)
		}
		unit.Position = target
		return state, []Event{{
			Kind:     EventUnitMoved,
			UnitID:   unit.ID,
			Position: &target,
		}}, nil

	case ActionAttack:
		target := state.UnitByID(action.TargetUnit)
		if target == nil {
			return nil, nil, fmt.Errorf("target unit %s not found", action.TargetUnit)
		}
		if target.Stats.HP <= 0 {
			return nil, nil, fmt.Errorf("target unit %s is already dead", target.ID)
		}

		// Damage is attack minus defense, never below zero; hp clamps at 0.
		damage := unit.Stats.Attack - target.Stats.Defense
		if damage < 0 {
			damage = 0
		}
		target.Stats.HP -= damage
		if target.Stats.HP < 0 {
			target.Stats.HP = 0
		}

		events := []Event{{
			Kind:     EventUnitAttacked,
			UnitID:   unit.ID,
			TargetID: target.ID,
			Amount:   damage,
		}}
		if target.Stats.HP == 0 {
			targetID := target.ID
			state.RemoveUnit(targetID)
			events = append(events, Event{Kind: EventUnitDied, UnitID: targetID})
		}
		return state, events, nil

	case ActionEndTurn:
		return state, []Event{{Kind: EventTurnEnded, UnitID: unit.ID}}, nil

	default:
		return nil, nil, fmt.Errorf("unknown action kind %q", action.Kind)
	}
}
