package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateCharacter inserts a new character row
func (d *Database) CreateCharacter(ch *Character) error {
	now := time.Now()
	query := `INSERT INTO characters (id, owner_id, class, appearance, base_stats, xp, level, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := d.db.Exec(query, ch.ID, ch.OwnerID, ch.Class, ch.Appearance, ch.BaseStats, ch.XP, ch.Level, now, now)
	if err != nil {
		return fmt.Errorf("failed to create character: %v", err)
	}
	ch.CreatedAt = now
	ch.UpdatedAt = now
	return nil
}

// GetCharacter retrieves a character by id
func (d *Database) GetCharacter(id string) (*Character, error) {
	query := `SELECT id, owner_id, class, appearance, base_stats, xp, level, created_at, updated_at
	          FROM characters WHERE id = ?`

	var ch Character
	err := d.db.QueryRow(query, id).Scan(
		&ch.ID, &ch.OwnerID, &ch.Class, &ch.Appearance, &ch.BaseStats,
		&ch.XP, &ch.Level, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("character not found")
	} else if err != nil {
		return nil, fmt.Errorf("failed to get character: %v", err)
	}
	return &ch, nil
}

// GetCharactersByOwner lists all characters owned by a user
func (d *Database) GetCharactersByOwner(ownerID string) ([]*Character, error) {
	query := `SELECT id, owner_id, class, appearance, base_stats, xp, level, created_at, updated_at
	          FROM characters WHERE owner_id = ? ORDER BY created_at`

	rows, err := d.db.Query(query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query characters: %v", err)
	}
	defer rows.Close()

	var characters []*Character
	for rows.Next() {
		var ch Character
		if err := rows.Scan(
			&ch.ID, &ch.OwnerID, &ch.Class, &ch.Appearance, &ch.BaseStats,
			&ch.XP, &ch.Level, &ch.CreatedAt, &ch.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan character: %v", err)
		}
		characters = append(characters, &ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating characters: %v", err)
	}

	return characters, nil
}

// UpdateCharacter updates the mutable fields of a character owned by ownerID
func (d *Database) UpdateCharacter(ch *Character) error {
	query := `UPDATE characters SET class = ?, appearance = ?, base_stats = ?, updated_at = ?
	          WHERE id = ? AND owner_id = ?`
	result, err := d.db.Exec(query, ch.Class, ch.Appearance, ch.BaseStats, time.Now(), ch.ID, ch.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to update character: %v", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %v", err)
	}
	if affected == 0 {
		return fmt.Errorf("character not found or not owned by user")
	}
	return nil
}

// AddCharacterXP applies an xp grant and the recomputed level
func (d *Database) AddCharacterXP(id string, xp, level int) error {
	query := `UPDATE characters SET xp = ?, level = ?, updated_at = ? WHERE id = ?`
	result, err := d.db.Exec(query, xp, level, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update character xp: %v", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %v", err)
	}
	if affected == 0 {
		return fmt.Errorf("character not found")
	}
	return nil
}

// DeleteCharacter removes a character; only the owner may do this
func (d *Database) DeleteCharacter(id, ownerID string) error {
	result, err := d.db.Exec(`DELETE FROM characters WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete character: %v", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %v", err)
	}
	if affected == 0 {
		return fmt.Errorf("character not found or not owned by user")
	}
	return nil
}
