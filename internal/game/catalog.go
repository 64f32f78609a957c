package game

// Weapon is a catalog entry the DM can grant into the shared inventory
type Weapon struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Damage int    `json:"damage"`
}

// MonsterDef is a catalog entry the DM can spawn
type MonsterDef struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Stats Stats  `json:"stats"`
}

// CharacterClass is a playable class with its base stats
type CharacterClass struct {
	Tag   string `json:"tag"`
	Name  string `json:"name"`
	Stats Stats  `json:"stats"`
}

// WeaponCatalog is the server's fixed weapon catalog
var WeaponCatalog = map[string]Weapon{
	"shortsword":  {ID: "shortsword", Name: "Shortsword", Damage: 4},
	"longsword":   {ID: "longsword", Name: "Longsword", Damage: 6},
	"greataxe":    {ID: "greataxe", Name: "Greataxe", Damage: 9},
	"dagger":      {ID: "dagger", Name: "Dagger", Damage: 3},
	"warhammer":   {ID: "warhammer", Name: "Warhammer", Damage: 7},
	"shortbow":    {ID: "shortbow", Name: "Shortbow", Damage: 5},
	"apprentice_staff": {ID: "apprentice_staff", Name: "Apprentice Staff", Damage: 5},
}

// MonsterCatalog is the server's fixed monster catalog
var MonsterCatalog = map[string]MonsterDef{
	"goblin": {
		Type: "goblin", Name: "Goblin",
		Stats: Stats{HP: 12, MaxHP: 12, Attack: 5, Defense: 1, Initiative: 6, MoveRange: 4, AttackRange: 1},
	},
	"orc": {
		Type: "orc", Name: "Orc",
		Stats: Stats{HP: 20, MaxHP: 20, Attack: 8, Defense: 3, Initiative: 4, MoveRange: 3, AttackRange: 1},
	},
	"skeleton_archer": {
		Type: "skeleton_archer", Name: "Skeleton Archer",
		Stats: Stats{HP: 10, MaxHP: 10, Attack: 6, Defense: 0, Initiative: 7, MoveRange: 3, AttackRange: 4},
	},
	"troll": {
		Type: "troll", Name: "Troll",
		Stats: Stats{HP: 36, MaxHP: 36, Attack: 10, Defense: 4, Initiative: 2, MoveRange: 2, AttackRange: 1},
	},
	"dire_wolf": {
		Type: "dire_wolf", Name: "Dire Wolf",
		Stats: Stats{HP: 16, MaxHP: 16, Attack: 7, Defense: 2, Initiative: 9, MoveRange: 6, AttackRange: 1},
	},
}

// ClassCatalog is the set of playable character classes
var ClassCatalog = map[string]CharacterClass{
	"fighter": {
		Tag: "fighter", Name: "Fighter",
		Stats: Stats{HP: 24, MaxHP: 24, Attack: 8, Defense: 4, Initiative: 5, MoveRange: 4, AttackRange: 1},
	},
	"rogue": {
		Tag: "rogue", Name: "Rogue",
		Stats: Stats{HP: 16, MaxHP: 16, Attack: 7, Defense: 2, Initiative: 9, MoveRange: 5, AttackRange: 1},
	},
	"ranger": {
		Tag: "ranger", Name: "Ranger",
		Stats: Stats{HP: 18, MaxHP: 18, Attack: 6, Defense: 2, Initiative: 7, MoveRange: 4, AttackRange: 4},
	},
	"mage": {
		Tag: "mage", Name: "Mage",
		Stats: Stats{HP: 12, MaxHP: 12, Attack: 10, Defense: 1, Initiative: 6, MoveRange: 3, AttackRange: 3},
	},
}

// DefaultMap returns the standard battle map used for new sessions
func DefaultMap() GameMap {
	return GameMap{
		Width:  16,
		Height: 16,
		Walls: []Position{
			{X: 5, Y: 5}, {X: 5, Y: 6}, {X: 5, Y: 7},
			{X: 10, Y: 8}, {X: 10, Y: 9}, {X: 10, Y: 10},
			{X: 7, Y: 12}, {X: 8, Y: 12},
		},
	}
}

// SpawnPositions returns the player start tiles in join order
func SpawnPositions() []Position {
	return []Position{
		{X: 1, Y: 1}, {X: 2, Y: 1}, {X: 1, Y: 2}, {X: 2, Y: 2},
		{X: 3, Y: 1}, {X: 1, Y: 3}, {X: 3, Y: 2}, {X: 2, Y: 3},
	}
}
