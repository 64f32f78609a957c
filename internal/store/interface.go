package store

import "time"

// Store defines the interface for store gateway operations
type Store interface {
	Close() error
	RunMigrations() error

	// User management
	CreateUser(user *User, password string) error
	GetUserByID(id string) (*User, error)
	GetUserByUsername(username string) (*User, error)
	VerifyPassword(username, password string) (*User, error)
	CreateRefreshToken(userID, token string, expiresAt time.Time) error
	GetRefreshToken(token string) (*RefreshToken, error)
	DeleteRefreshToken(token string) error

	// Characters
	CreateCharacter(ch *Character) error
	GetCharacter(id string) (*Character, error)
	GetCharactersByOwner(ownerID string) ([]*Character, error)
	UpdateCharacter(ch *Character) error
	AddCharacterXP(id string, xp, level int) error
	DeleteCharacter(id, ownerID string) error

	// Sessions
	CreateSession(s *Session) error
	GetSession(id string) (*Session, error)
	GetSessionByInviteCode(code string) (*Session, error)
	InviteCodeInUse(code string) (bool, error)
	UpdateSessionPhase(id, phase string) error
	UpdateSessionSettings(id string, maxPlayers, turnDeadlineSeconds int, difficulty string) error
	UpdateSessionVersion(id string, version uint64) error
	EndSession(id string) error
	ListUnendedSessions() ([]*Session, error)
	ListSessionsByUser(userID string) ([]*Session, error)

	// Participants
	UpsertParticipant(p *Participant) error
	RemoveParticipant(sessionID, userID string) error
	GetParticipants(sessionID string) ([]*Participant, error)
	SetParticipantConnected(sessionID, userID string, connected bool) error

	// Snapshots
	PutSnapshot(sessionID string, version uint64, state []byte) error
	GetLatestSnapshot(sessionID string) (*Snapshot, error)
	PruneSnapshots(sessionID string, keep int) error
}

// Ensure Database implements Store
var _ Store = (*Database)(nil)
