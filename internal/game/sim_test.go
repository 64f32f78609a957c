package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState() *State {
	s := NewState(DefaultMap())
	s.Units = []Unit{
		{
			ID: "u-hero", OwnerKind: OwnerPlayer, OwnerUserID: "user-1",
			Position: Position{X: 1, Y: 1},
			Stats:    Stats{HP: 20, MaxHP: 20, Attack: 8, Defense: 2, Initiative: 5, MoveRange: 4, AttackRange: 1},
		},
		{
			ID: "m-goblin", OwnerKind: OwnerMonster,
			Position: Position{X: 2, Y: 1},
			Stats:    Stats{HP: 10, MaxHP: 10, Attack: 5, Defense: 1, Initiative: 6, MoveRange: 4, AttackRange: 1},
		},
	}
	s.Combat.Order = []string{"m-goblin", "u-hero"}
	s.Combat.Round = 1
	return s
}

func TestMoveToWalkableTile(t *testing.T) {
	sim := NewAdapter(NewDefaultSimulator())
	s := testState()

	next, events, err := sim.Apply(s, Action{
		Kind: ActionMove, UnitID: "u-hero", TargetPos: &Position{X: 1, Y: 3},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventUnitMoved, events[0].Kind)
	assert.Equal(t, Position{X: 1, Y: 3}, next.UnitByID("u-hero").Position)

	// The input state must be untouched.
	assert.Equal(t, Position{X: 1, Y: 1}, s.UnitByID("u-hero").Position)
}

func TestMoveRejectsWallAndOccupied(t *testing.T) {
	sim := NewAdapter(NewDefaultSimulator())
	s := testState()

	_, _, err := sim.Apply(s, Action{
		Kind: ActionMove, UnitID: "u-hero", TargetPos: &Position{X: 5, Y: 5},
	})
	assert.Error(t, err, "wall tile must be rejected")

	_, _, err = sim.Apply(s, Action{
		Kind: ActionMove, UnitID: "u-hero", TargetPos: &Position{X: 2, Y: 1},
	})
	assert.Error(t, err, "occupied tile must be rejected")

	_, _, err = sim.Apply(s, Action{
		Kind: ActionMove, UnitID: "u-hero", TargetPos: &Position{X: -1, Y: 0},
	})
	assert.Error(t, err, "out-of-bounds tile must be rejected")
}

func TestAttackDealsClampedDamage(t *testing.T) {
	sim := NewAdapter(NewDefaultSimulator())
	s := testState()

	next, events, err := sim.Apply(s, Action{
		Kind: ActionAttack, UnitID: "u-hero", TargetUnit: "m-goblin",
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventUnitAttacked, events[0].Kind)
	// 8 attack - 1 defense = 7 damage
	assert.Equal(t, 7, events[0].Amount)
	assert.Equal(t, 3, next.UnitByID("m-goblin").Stats.HP)
}

func TestAttackNeverHeals(t *testing.T) {
	sim := NewAdapter(NewDefaultSimulator())
	s := testState()
	s.UnitByID("m-goblin").Stats.Defense = 50

	next, events, err := sim.Apply(s, Action{
		Kind: ActionAttack, UnitID: "u-hero", TargetUnit: "m-goblin",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, events[0].Amount)
	assert.Equal(t, 10, next.UnitByID("m-goblin").Stats.HP)
}

func TestLethalAttackRemovesUnit(t *testing.T) {
	sim := NewAdapter(NewDefaultSimulator())
	s := testState()
	s.UnitByID("m-goblin").Stats.HP = 3

	next, events, err := sim.Apply(s, Action{
		Kind: ActionAttack, UnitID: "u-hero", TargetUnit: "m-goblin",
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventUnitDied, events[1].Kind)
	assert.Equal(t, "m-goblin", events[1].UnitID)
	assert.Nil(t, next.UnitByID("m-goblin"))
	assert.NotContains(t, next.Combat.Order, "m-goblin")
}

func TestAttackDeadTargetFails(t *testing.T) {
	sim := NewAdapter(NewDefaultSimulator())
	s := testState()

	_, _, err := sim.Apply(s, Action{
		Kind: ActionAttack, UnitID: "u-hero", TargetUnit: "m-missing",
	})
	assert.Error(t, err)
}

func TestEndTurnEmitsEvent(t *testing.T) {
	sim := NewAdapter(NewDefaultSimulator())
	s := testState()

	_, events, err := sim.Apply(s, Action{Kind: ActionEndTurn, UnitID: "u-hero"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventTurnEnded, events[0].Kind)
}

func TestCheckInvariants(t *testing.T) {
	s := testState()
	assert.NoError(t, CheckInvariants(s))

	dup := testState()
	dup.Units = append(dup.Units, Unit{ID: "u-hero", Position: Position{X: 9, Y: 9}, Stats: Stats{HP: 1, MaxHP: 1}})
	assert.Error(t, CheckInvariants(dup), "duplicate unit id")

	shared := testState()
	shared.Units[1].Position = shared.Units[0].Position
	assert.Error(t, CheckInvariants(shared), "shared position")

	overheal := testState()
	overheal.Units[0].Stats.HP = overheal.Units[0].Stats.MaxHP + 1
	assert.Error(t, CheckInvariants(overheal), "hp above max")

	ghost := testState()
	ghost.Combat.Order = append(ghost.Combat.Order, "u-ghost")
	assert.Error(t, CheckInvariants(ghost), "order references missing unit")
}

// brokenSim returns a state violating the hp bound to exercise the adapter
type brokenSim struct{}

func (brokenSim) Apply(state *State, action Action) (*State, []Event, error) {
	state.Units[0].Stats.HP = -5
	return state, nil, nil
}

func TestAdapterRejectsInvariantViolation(t *testing.T) {
	sim := NewAdapter(brokenSim{})
	s := testState()

	_, _, err := sim.Apply(s, Action{Kind: ActionEndTurn, UnitID: "u-hero"})
	require.Error(t, err)
	var simErr *SimViolationError
	assert.ErrorAs(t, err, &simErr)

	// The caller's state must be untouched by the failed application.
	assert.Equal(t, 20, s.UnitByID("u-hero").Stats.HP)
}

func TestSerializeRoundTrip(t *testing.T) {
	s := testState()
	s.Inventory.Gold = 75
	s.Inventory.Weapons = append(s.Inventory.Weapons, WeaponInstance{
		InstanceID: "w1", WeaponID: "longsword", Name: "Longsword", Damage: 6,
	})

	data, err := s.Serialize()
	require.NoError(t, err)

	restored, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, s.Units, restored.Units)
	assert.Equal(t, s.Combat, restored.Combat)
	assert.Equal(t, s.Inventory, restored.Inventory)
}
