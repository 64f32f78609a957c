package store

import (
	"database/sql"
	"fmt"
	"time"
)

// PutSnapshot stores a serialized state blob keyed by (session, version)
func (d *Database) PutSnapshot(sessionID string, version uint64, state []byte) error {
	query := `INSERT OR REPLACE INTO snapshots (session_id, state_version, state, created_at) VALUES (?, ?, ?, ?)`
	if _, err := d.db.Exec(query, sessionID, version, state, time.Now()); err != nil {
		return fmt.Errorf("failed to put snapshot: %v", err)
	}
	return nil
}

// GetLatestSnapshot returns the highest-version snapshot for a session
func (d *Database) GetLatestSnapshot(sessionID string) (*Snapshot, error) {
	query := `SELECT session_id, state_version, state, created_at FROM snapshots
	          WHERE session_id = ? ORDER BY state_version DESC LIMIT 1`

	var snap Snapshot
	err := d.db.QueryRow(query, sessionID).Scan(&snap.SessionID, &snap.StateVersion, &snap.State, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("snapshot not found")
	} else if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %v", err)
	}
	return &snap, nil
}

// PruneSnapshots keeps only the newest `keep` snapshots per session
func (d *Database) PruneSnapshots(sessionID string, keep int) error {
	query := `DELETE FROM snapshots WHERE session_id = ? AND state_version NOT IN
	          (SELECT state_version FROM snapshots WHERE session_id = ? ORDER BY state_version DESC LIMIT ?)`
	if _, err := d.db.Exec(query, sessionID, sessionID, keep); err != nil {
		return fmt.Errorf("failed to prune snapshots: %v", err)
	}
	return nil
}
