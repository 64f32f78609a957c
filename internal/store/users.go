package store

import (
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// CreateUser creates a new user with a bcrypt-hashed password
func (d *Database) CreateUser(user *User, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %v", err)
	}

	now := time.Now()
	query := `INSERT INTO users (id, username, display_name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := d.db.Exec(query, user.ID, user.Username, user.DisplayName, string(hash), now); err != nil {
		return fmt.Errorf("failed to create user: %v", err)
	}

	user.CreatedAt = now
	return nil
}

// GetUserByID retrieves a user by id
func (d *Database) GetUserByID(id string) (*User, error) {
	query := `SELECT id, username, display_name, password_hash, created_at FROM users WHERE id = ?`
	return d.scanUser(d.db.QueryRow(query, id))
}

// GetUserByUsername retrieves a user by username
func (d *Database) GetUserByUsername(username string) (*User, error) {
	query := `SELECT id, username, display_name, password_hash, created_at FROM users WHERE username = ?`
	return d.scanUser(d.db.QueryRow(query, username))
}

func (d *Database) scanUser(row *sql.Row) (*User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user not found")
	} else if err != nil {
		return nil, fmt.Errorf("failed to get user: %v", err)
	}
	return &user, nil
}

// VerifyPassword checks a username/password pair and returns the user
func (d *Database) VerifyPassword(username, password string) (*User, error) {
	user, err := d.GetUserByUsername(username)
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid credentials")
	}

	return user, nil
}

// CreateRefreshToken stores a refresh token for a user
func (d *Database) CreateRefreshToken(userID, token string, expiresAt time.Time) error {
	query := `INSERT INTO refresh_tokens (token, user_id, expires_at) VALUES (?, ?, ?)`
	if _, err := d.db.Exec(query, token, userID, expiresAt); err != nil {
		return fmt.Errorf("failed to create refresh token: %v", err)
	}
	return nil
}

// GetRefreshToken retrieves a refresh token
func (d *Database) GetRefreshToken(token string) (*RefreshToken, error) {
	query := `SELECT token, user_id, expires_at FROM refresh_tokens WHERE token = ?`

	var rt RefreshToken
	err := d.db.QueryRow(query, token).Scan(&rt.Token, &rt.UserID, &rt.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("refresh token not found")
	} else if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %v", err)
	}

	if time.Now().After(rt.ExpiresAt) {
		return nil, fmt.Errorf("refresh token has expired")
	}

	return &rt, nil
}

// DeleteRefreshToken removes a refresh token
func (d *Database) DeleteRefreshToken(token string) error {
	if _, err := d.db.Exec(`DELETE FROM refresh_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete refresh token: %v", err)
	}
	return nil
}
