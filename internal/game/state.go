package game

import (
	"encoding/json"
	"fmt"
)

// OwnerKind distinguishes player-controlled units from DM-controlled monsters
type OwnerKind string

const (
	OwnerPlayer  OwnerKind = "player"
	OwnerMonster OwnerKind = "monster"
)

// Position is a tile coordinate on the session map
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Distance returns the Manhattan distance between two positions
func (p Position) Distance(other Position) int {
	dx := p.X - other.X
	if dx < 0 {
		dx = -dx
	}
	dy := p.Y - other.Y
	if dy < 0 {
		dy = -dy
	}
	return dx + dy
}

// Stats holds the combat statistics of a unit
type Stats struct {
	HP          int `json:"hp"`
	MaxHP       int `json:"max_hp"`
	Attack      int `json:"attack"`
	Defense     int `json:"defense"`
	Initiative  int `json:"initiative"`
	MoveRange   int `json:"move_range"`
	AttackRange int `json:"attack_range"`
}

// Unit is a single entity on the map
type Unit struct {
	ID          string    `json:"id"`
	OwnerKind   OwnerKind `json:"owner_kind"`
	OwnerUserID string    `json:"owner_user_id,omitempty"`
	Position    Position  `json:"position"`
	Stats       Stats     `json:"stats"`
}

// Combat tracks initiative order and the round counter
type Combat struct {
	Order        []string `json:"order"`
	CurrentIndex int      `json:"current_index"`
	Round        int      `json:"round"`
}

// CurrentUnitID returns the unit id at the current initiative pointer
func (c *Combat) CurrentUnitID() string {
	if len(c.Order) == 0 || c.CurrentIndex < 0 || c.CurrentIndex >= len(c.Order) {
		return ""
	}
	return c.Order[c.CurrentIndex]
}

// WeaponInstance is a uniquely-identified weapon in the shared inventory
type WeaponInstance struct {
	InstanceID string `json:"instance_id"`
	WeaponID   string `json:"weapon_id"`
	Name       string `json:"name"`
	Damage     int    `json:"damage"`
}

// Inventory is the party-wide shared inventory
type Inventory struct {
	Gold    int              `json:"gold"`
	Weapons []WeaponInstance `json:"weapons"`
}

// GameMap is the static battle map. Tiles listed in Walls are not walkable.
type GameMap struct {
	Width  int        `json:"width"`
	Height int        `json:"height"`
	Walls  []Position `json:"walls"`
}

// Walkable reports whether a position is inside the map and not a wall
func (m *GameMap) Walkable(p Position) bool {
	if p.X < 0 || p.Y < 0 || p.X >= m.Width || p.Y >= m.Height {
		return false
	}
	for _, w := range m.Walls {
		if w == p {
			return false
		}
	}
	return true
}

// State is the canonical game state of one session. The session runtime treats
// it as opaque apart from the invariants checked by the Adapter.
type State struct {
	Map       GameMap   `json:"map"`
	Units     []Unit    `json:"units"`
	Combat    Combat    `json:"combat"`
	Inventory Inventory `json:"inventory"`
}

// NewState creates an empty state on the given map
func NewState(m GameMap) *State {
	return &State{
		Map:       m,
		Units:     make([]Unit, 0),
		Combat:    Combat{Order: []string{}, Round: 0},
		Inventory: Inventory{Weapons: []WeaponInstance{}},
	}
}

// UnitByID returns a pointer into Units for the given id, or nil
func (s *State) UnitByID(id string) *Unit {
	for i := range s.Units {
		if s.Units[i].ID == id {
			return &s.Units[i]
		}
	}
	return nil
}

// UnitAt returns the unit occupying a position, or nil
func (s *State) UnitAt(p Position) *Unit {
	for i := range s.Units {
		if s.Units[i].Position == p {
			return &s.Units[i]
		}
	}
	return nil
}

// RemoveUnit deletes a unit from Units and from the initiative order. It
// returns false if the unit does not exist.
func (s *State) RemoveUnit(id string) bool {
	idx := -1
	for i := range s.Units {
		if s.Units[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	s.Units = append(s.Units[:idx], s.Units[idx+1:]...)
	s.removeFromOrder(id)
	return true
}

// removeFromOrder drops an id from the initiative order, keeping the current
// pointer on the same logical unit where possible.
func (s *State) removeFromOrder(id string) {
	for i, uid := range s.Combat.Order {
		if uid == id {
			s.Combat.Order = append(s.Combat.Order[:i], s.Combat.Order[i+1:]...)
			if i < s.Combat.CurrentIndex {
				s.Combat.CurrentIndex--
			}
			if len(s.Combat.Order) > 0 && s.Combat.CurrentIndex >= len(s.Combat.Order) {
				s.Combat.CurrentIndex = 0
			}
			return
		}
	}
}

// LiveUnits returns units with hp > 0
func (s *State) LiveUnits() []Unit {
	live := make([]Unit, 0, len(s.Units))
	for _, u := range s.Units {
		if u.Stats.HP > 0 {
			live = append(live, u)
		}
	}
	return live
}

// Clone returns a deep copy of the state
func (s *State) Clone() *State {
	c := &State{
		Map: GameMap{
			Width:  s.Map.Width,
			Height: s.Map.Height,
			Walls:  append([]Position(nil), s.Map.Walls...),
		},
		Units: append([]Unit(nil), s.Units...),
		Combat: Combat{
			Order:        append([]string(nil), s.Combat.Order...),
			CurrentIndex: s.Combat.CurrentIndex,
			Round:        s.Combat.Round,
		},
		Inventory: Inventory{
			Gold:    s.Inventory.Gold,
			Weapons: append([]WeaponInstance(nil), s.Inventory.Weapons...),
		},
	}
	return c
}

// Serialize encodes the state for snapshot storage
func (s *State) Serialize() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize game state: %v", err)
	}
	return data, nil
}

// Deserialize decodes a snapshot payload back into a state
func Deserialize(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to deserialize game state: %v", err)
	}
	if s.Units == nil {
		s.Units = []Unit{}
	}
	if s.Combat.Order == nil {
		s.Combat.Order = []string{}
	}
	if s.Inventory.Weapons == nil {
		s.Inventory.Weapons = []WeaponInstance{}
	}
	return &s, nil
}
