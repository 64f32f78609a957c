package store

import (
	"fmt"

	"github.com/halcyon/gridfall_backend/internal/logging"
)

// Migration is a single schema migration applied in id order
type Migration struct {
	ID   int
	Name string
	SQL  string
}

// migrations is the embedded, ordered schema history. Append only.
var migrations = []Migration{
	{
		ID:   1,
		Name: "initial_schema",
		SQL: `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS refresh_tokens (
		token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS characters (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		class TEXT NOT NULL,
		appearance TEXT NOT NULL DEFAULT '',
		base_stats BLOB NOT NULL,
		xp INTEGER NOT NULL DEFAULT 0,
		level INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		invite_code TEXT NOT NULL,
		host_user_id TEXT NOT NULL,
		max_players INTEGER NOT NULL,
		turn_deadline_seconds INTEGER NOT NULL,
		difficulty TEXT NOT NULL DEFAULT 'normal',
		phase TEXT NOT NULL DEFAULT 'lobby',
		state_version INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ended_at TIMESTAMP,
		FOREIGN KEY (host_user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_invite_code ON sessions(invite_code);

	CREATE TABLE IF NOT EXISTS participants (
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		character_id TEXT,
		ready BOOLEAN NOT NULL DEFAULT 0,
		connected BOOLEAN NOT NULL DEFAULT 0,
		joined_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, user_id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		session_id TEXT NOT NULL,
		state_version INTEGER NOT NULL,
		state BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, state_version),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`,
	},
}

// RunMigrations applies any migrations not yet recorded in the migrations
// table, inside a transaction per migration.
func (d *Database) RunMigrations() error {
	if _, err := d.db.Exec(`
	CREATE TABLE IF NOT EXISTS migrations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("failed to create migrations table: %v", err)
	}

	applied := make(map[int]bool)
	rows, err := d.db.Query(`SELECT id FROM migrations`)
	if err != nil {
		return fmt.Errorf("failed to query applied migrations: %v", err)
	}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration record: %v", err)
		}
		applied[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate migration records: %v", err)
	}

	for _, m := range migrations {
		if applied[m.ID] {
			continue
		}

		tx, err := d.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %v", m.ID, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d (%s): %v", m.ID, m.Name, err)
		}

		if _, err := tx.Exec(`INSERT INTO migrations (id, name) VALUES (?, ?)`, m.ID, m.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %v", m.ID, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %v", m.ID, err)
		}

		logging.LogStoreEvent("migrate", "migrations", map[string]interface{}{
			"id":   m.ID,
			"name": m.Name,
		})
	}

	return nil
}
