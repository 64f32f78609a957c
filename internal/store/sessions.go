package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateSession inserts a new session row
func (d *Database) CreateSession(s *Session) error {
	now := time.Now()
	query := `INSERT INTO sessions (id, invite_code, host_user_id, max_players, turn_deadline_seconds, difficulty, phase, state_version, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := d.db.Exec(query, s.ID, s.InviteCode, s.HostUserID, s.MaxPlayers,
		s.TurnDeadlineSeconds, s.Difficulty, s.Phase, s.StateVersion, now)
	if err != nil {
		return fmt.Errorf("failed to create session: %v", err)
	}
	s.CreatedAt = now
	return nil
}

// GetSession retrieves a session by id
func (d *Database) GetSession(id string) (*Session, error) {
	query := sessionSelect + ` WHERE id = ?`
	return d.scanSession(d.db.QueryRow(query, id))
}

// GetSessionByInviteCode resolves an invite code among non-ended sessions
func (d *Database) GetSessionByInviteCode(code string) (*Session, error) {
	query := sessionSelect + ` WHERE invite_code = ? AND phase != 'ended'`
	return d.scanSession(d.db.QueryRow(query, code))
}

// InviteCodeInUse reports whether a code is held by any non-ended session
func (d *Database) InviteCodeInUse(code string) (bool, error) {
	var count int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE invite_code = ? AND phase != 'ended'`, code).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check invite code: %v", err)
	}
	return count > 0, nil
}

const sessionSelect = `SELECT id, invite_code, host_user_id, max_players, turn_deadline_seconds, difficulty, phase, state_version, created_at, ended_at FROM sessions`

func (d *Database) scanSession(row *sql.Row) (*Session, error) {
	var s Session
	var endedAt sql.NullTime
	err := row.Scan(&s.ID, &s.InviteCode, &s.HostUserID, &s.MaxPlayers,
		&s.TurnDeadlineSeconds, &s.Difficulty, &s.Phase, &s.StateVersion, &s.CreatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found")
	} else if err != nil {
		return nil, fmt.Errorf("failed to get session: %v", err)
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	return &s, nil
}

// UpdateSessionPhase updates a session's lifecycle phase
func (d *Database) UpdateSessionPhase(id, phase string) error {
	if _, err := d.db.Exec(`UPDATE sessions SET phase = ? WHERE id = ?`, phase, id); err != nil {
		return fmt.Errorf("failed to update session phase: %v", err)
	}
	return nil
}

// UpdateSessionSettings rewrites the mutable lobby settings
func (d *Database) UpdateSessionSettings(id string, maxPlayers, turnDeadlineSeconds int, difficulty string) error {
	query := `UPDATE sessions SET max_players = ?, turn_deadline_seconds = ?, difficulty = ? WHERE id = ?`
	if _, err := d.db.Exec(query, maxPlayers, turnDeadlineSeconds, difficulty, id); err != nil {
		return fmt.Errorf("failed to update session settings: %v", err)
	}
	return nil
}

// UpdateSessionVersion persists the latest committed state version
func (d *Database) UpdateSessionVersion(id string, version uint64) error {
	if _, err := d.db.Exec(`UPDATE sessions SET state_version = ? WHERE id = ?`, version, id); err != nil {
		return fmt.Errorf("failed to update session version: %v", err)
	}
	return nil
}

// EndSession marks a session ended with a timestamp
func (d *Database) EndSession(id string) error {
	query := `UPDATE sessions SET phase = 'ended', ended_at = ? WHERE id = ?`
	if _, err := d.db.Exec(query, time.Now(), id); err != nil {
		return fmt.Errorf("failed to end session: %v", err)
	}
	return nil
}

// ListUnendedSessions returns all sessions not in the ended phase; used at
// boot to re-materialize actors from snapshots.
func (d *Database) ListUnendedSessions() ([]*Session, error) {
	rows, err := d.db.Query(sessionSelect + ` WHERE phase != 'ended' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %v", err)
	}
	defer rows.Close()
	return d.collectSessions(rows)
}

// ListSessionsByUser returns the non-ended sessions a user participates in
func (d *Database) ListSessionsByUser(userID string) ([]*Session, error) {
	query := sessionSelect + ` WHERE phase != 'ended' AND id IN
	          (SELECT session_id FROM participants WHERE user_id = ?) ORDER BY created_at`
	rows, err := d.db.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %v", err)
	}
	defer rows.Close()
	return d.collectSessions(rows)
}

func (d *Database) collectSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		var s Session
		var endedAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.InviteCode, &s.HostUserID, &s.MaxPlayers,
			&s.TurnDeadlineSeconds, &s.Difficulty, &s.Phase, &s.StateVersion, &s.CreatedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %v", err)
		}
		if endedAt.Valid {
			s.EndedAt = &endedAt.Time
		}
		sessions = append(sessions, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %v", err)
	}
	return sessions, nil
}

// UpsertParticipant inserts or replaces a participant row
func (d *Database) UpsertParticipant(p *Participant) error {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	query := `INSERT OR REPLACE INTO participants (session_id, user_id, role, character_id, ready, connected, joined_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	var charID interface{}
	if p.CharacterID != "" {
		charID = p.CharacterID
	}
	_, err := d.db.Exec(query, p.SessionID, p.UserID, p.Role, charID, p.Ready, p.Connected, p.JoinedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %v", err)
	}
	return nil
}

// RemoveParticipant deletes a participant row
func (d *Database) RemoveParticipant(sessionID, userID string) error {
	_, err := d.db.Exec(`DELETE FROM participants WHERE session_id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove participant: %v", err)
	}
	return nil
}

// GetParticipants lists the participants of a session in join order
func (d *Database) GetParticipants(sessionID string) ([]*Participant, error) {
	query := `SELECT session_id, user_id, role, character_id, ready, connected, joined_at
	          FROM participants WHERE session_id = ? ORDER BY joined_at`
	rows, err := d.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %v", err)
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		var p Participant
		var charID sql.NullString
		if err := rows.Scan(&p.SessionID, &p.UserID, &p.Role, &charID, &p.Ready, &p.Connected, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %v", err)
		}
		if charID.Valid {
			p.CharacterID = charID.String
		}
		participants = append(participants, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participants: %v", err)
	}
	return participants, nil
}

// SetParticipantConnected flips the connected flag for a participant
func (d *Database) SetParticipantConnected(sessionID, userID string, connected bool) error {
	_, err := d.db.Exec(`UPDATE participants SET connected = ? WHERE session_id = ? AND user_id = ?`,
		connected, sessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to update participant: %v", err)
	}
	return nil
}
