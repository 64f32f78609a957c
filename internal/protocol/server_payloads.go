package protocol

import (
	"time"

	"github.com/halcyon/gridfall_backend/internal/game"
)

// HelloPayload greets an authenticated connection
type HelloPayload struct {
	UserID       string   `json:"user_id"`
	DisplayName  string   `json:"display_name"`
	Capabilities []string `json:"capabilities"`
}

// ParticipantView is the client-visible form of a participant
type ParticipantView struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	CharacterID string `json:"character_id,omitempty"`
	Ready       bool   `json:"ready"`
	Connected   bool   `json:"connected"`
}

// SessionView is the client-visible form of a session
type SessionView struct {
	ID                  string `json:"id"`
	InviteCode          string `json:"invite_code"`
	HostUserID          string `json:"host_user_id"`
	MaxPlayers          int    `json:"max_players"`
	TurnDeadlineSeconds int    `json:"turn_deadline_seconds"`
	Difficulty          string `json:"difficulty"`
	Phase               string `json:"phase"`
	StateVersion        uint64 `json:"state_version"`
}

// SessionCreatedPayload confirms session creation to the host
type SessionCreatedPayload struct {
	Session    SessionView `json:"session"`
	InviteCode string      `json:"invite_code"`
}

// SessionJoinedPayload confirms a join
type SessionJoinedPayload struct {
	Session SessionView `json:"session"`
}

// SessionUpdatedPayload announces a lobby settings change
type SessionUpdatedPayload struct {
	Session SessionView `json:"session"`
}

// ParticipantUpdatePayload carries the full participant roster
type ParticipantUpdatePayload struct {
	Participants []ParticipantView `json:"participants"`
}

// FullStateSyncPayload carries the complete state for (re)connection
type FullStateSyncPayload struct {
	State        *game.State `json:"state"`
	StateVersion uint64      `json:"state_version"`
}

// StateUpdatePayload carries the events of one committed mutation
type StateUpdatePayload struct {
	Version uint64       `json:"version"`
	Events  []game.Event `json:"events"`
}

// TurnChangePayload announces the new current turn
type TurnChangePayload struct {
	CurrentUnit string    `json:"current_unit"`
	UserID      string    `json:"user_id,omitempty"`
	Deadline    time.Time `json:"deadline"`
	Round       int       `json:"round"`
}

// TurnTimeoutPayload announces an auto-ended turn
type TurnTimeoutPayload struct {
	UserID string `json:"user_id,omitempty"`
	UnitID string `json:"unit_id"`
}

// ChatEntryPayload is a delivered chat entry
type ChatEntryPayload struct {
	AuthorID  string    `json:"author_id"`
	Kind      string    `json:"kind"`
	Recipient string    `json:"recipient,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat entry kinds
const (
	ChatBroadcast  = "broadcast"
	ChatWhisper    = "whisper"
	ChatDMAnnounce = "dm_announce"
	ChatSystem     = "system"
)

// DMEventPayload announces the effect of a DM command
type DMEventPayload struct {
	Kind   string `json:"kind"`
	UserID string `json:"user_id,omitempty"`
	UnitID string `json:"unit_id,omitempty"`
	Amount int    `json:"amount,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// SessionEndedPayload announces session end
type SessionEndedPayload struct {
	Reason string `json:"reason"`
}

// SessionPausedPayload announces a pause with its reason
type SessionPausedPayload struct {
	Reason string `json:"reason"`
}

// RoomTokenPayload carries a short-lived media room token
type RoomTokenPayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
}
