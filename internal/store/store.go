package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the SQLite-backed store gateway. It exposes typed transactional
// operations and carries no business logic.
type Database struct {
	db *sql.DB
}

// User is a stable identity created at first successful handshake
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// RefreshToken is a persisted refresh token for the account surface
type RefreshToken struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// Character is a user-owned playable character
type Character struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Class      string    `json:"class"`
	Appearance string    `json:"appearance"`
	BaseStats  []byte    `json:"base_stats"`
	XP         int       `json:"xp"`
	Level      int       `json:"level"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Session lifecycle phases persisted in the sessions table
const (
	PhaseLobby   = "lobby"
	PhasePlaying = "playing"
	PhasePaused  = "paused"
	PhaseEnded   = "ended"
)

// Session is the persisted row for one game session
type Session struct {
	ID                  string     `json:"id"`
	InviteCode          string     `json:"invite_code"`
	HostUserID          string     `json:"host_user_id"`
	MaxPlayers          int        `json:"max_players"`
	TurnDeadlineSeconds int        `json:"turn_deadline_seconds"`
	Difficulty          string     `json:"difficulty"`
	Phase               string     `json:"phase"`
	StateVersion        uint64     `json:"state_version"`
	CreatedAt           time.Time  `json:"created_at"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
}

// Participant is a (session, user) membership row
type Participant struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
	CharacterID string    `json:"character_id,omitempty"`
	Ready       bool      `json:"ready"`
	Connected   bool      `json:"connected"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Participant roles
const (
	RoleDM     = "dm"
	RolePlayer = "player"
)

// Snapshot is a versioned opaque state blob used for recovery
type Snapshot struct {
	SessionID    string    `json:"session_id"`
	StateVersion uint64    `json:"state_version"`
	State        []byte    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
}

// New creates a new database connection and runs migrations
func New(dataDir string) (*Database, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "gridfall.db")
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	d := &Database{db: db}
	if err := d.RunMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}
