package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/halcyon/gridfall_backend/internal/game"
)

// MaxChatLength caps sanitized chat text
const MaxChatLength = 500

// Envelope wraps every frame in both directions
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	TS      int64           `json:"ts,omitempty"`
}

// Client -> server message types
const (
	TypeAuth          = "auth"
	TypePing          = "ping"
	TypeCreateSession = "create_session"
	TypeJoinSession   = "join_session"
	TypeLeaveSession  = "leave_session"
	TypeReady         = "ready"
	TypeIntent        = "intent"
	TypeDMCommand     = "dm_command"
	TypeChat          = "chat"
	TypeResumeSync    = "resume_sync"
)

// Server -> client message types
const (
	TypePong              = "pong"
	TypeHello             = "hello"
	TypeError             = "error"
	TypeSessionCreated    = "session_created"
	TypeSessionJoined     = "session_joined"
	TypeSessionUpdated    = "session_updated"
	TypeParticipantUpdate = "participant_update"
	TypeFullStateSync     = "full_state_sync"
	TypeStateUpdate       = "state_update"
	TypeTurnChange        = "turn_change"
	TypeTurnTimeout       = "turn_timeout"
	TypeChatEntry         = "chat"
	TypeDMEvent           = "dm_event"
	TypeSessionEnded      = "session_ended"
	TypeSessionPaused     = "session_paused"
	TypeSessionResumed    = "session_resumed"
	TypeRoomToken         = "room_token"
)

// ErrorCode enumerates the stable wire error codes
type ErrorCode string

const (
	ErrProtocol        ErrorCode = "PROTOCOL"
	ErrAuthTimeout     ErrorCode = "AUTH_TIMEOUT"
	ErrAuthFailed      ErrorCode = "AUTH_FAILED"
	ErrForbidden       ErrorCode = "FORBIDDEN"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrNotYourTurn     ErrorCode = "NOT_YOUR_TURN"
	ErrInvalidAction   ErrorCode = "INVALID_ACTION"
	ErrSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionFull     ErrorCode = "SESSION_FULL"
	ErrAlreadyEnded    ErrorCode = "ALREADY_ENDED"
	ErrSlowConsumer    ErrorCode = "SLOW_CONSUMER"
	ErrIdleTimeout     ErrorCode = "IDLE_TIMEOUT"
	ErrServerBusy      ErrorCode = "SERVER_BUSY"
	ErrSimViolation    ErrorCode = "INTERNAL_SIM_VIOLATION"
	ErrKicked          ErrorCode = "KICKED"
)

// AuthPayload must arrive as the first frame on a connection
type AuthPayload struct {
	Token string `json:"token"`
}

// SessionSettings is the client-supplied session configuration
type SessionSettings struct {
	MaxPlayers          int    `json:"max_players"`
	TurnDeadlineSeconds int    `json:"turn_deadline_seconds"`
	Difficulty          string `json:"difficulty"`
}

// CreateSessionPayload asks the registry to create a session
type CreateSessionPayload struct {
	Config SessionSettings `json:"config"`
}

// JoinSessionPayload joins a session by invite code
type JoinSessionPayload struct {
	InviteCode  string `json:"invite_code"`
	CharacterID string `json:"character_id"`
}

// ReadyPayload toggles the lobby ready flag
type ReadyPayload struct {
	Ready bool `json:"ready"`
}

// ActionPayload is the wire form of a gameplay action
type ActionPayload struct {
	Kind           string         `json:"kind"`
	UnitID         string         `json:"unit_id"`
	TargetUnit     string         `json:"target_unit,omitempty"`
	TargetPosition *game.Position `json:"target_position,omitempty"`
}

// IntentPayload carries a gameplay intent
type IntentPayload struct {
	Action ActionPayload `json:"action"`
}

// DMCommandPayload carries a privileged DM command. Fields beyond Command are
// interpreted per command name.
type DMCommandPayload struct {
	Command     string           `json:"command"`
	UserID      string           `json:"user_id,omitempty"`
	Amount      int              `json:"amount,omitempty"`
	WeaponID    string           `json:"weapon_id,omitempty"`
	MonsterType string           `json:"monster_type,omitempty"`
	UnitID      string           `json:"unit_id,omitempty"`
	Position    *game.Position   `json:"position,omitempty"`
	StatDeltas  map[string]int   `json:"stat_deltas,omitempty"`
	Settings    *SessionSettings `json:"settings,omitempty"`
}

// ChatPayload carries a chat message
type ChatPayload struct {
	Kind      string `json:"kind"`
	Recipient string `json:"recipient,omitempty"`
	Text      string `json:"text"`
}

// ResumeSyncPayload requests event replay after a reconnect
type ResumeSyncPayload struct {
	LastSeenVersion uint64 `json:"last_seen_version"`
}

// ErrorPayload is the server -> client error body. CorrelationSeq echoes the
// seq of the triggering frame when available.
type ErrorPayload struct {
	Code           ErrorCode `json:"code"`
	Message        string    `json:"message"`
	RetryAfterMS   int64     `json:"retry_after_ms,omitempty"`
	CorrelationSeq int64     `json:"correlation_seq,omitempty"`
}

// clientPayloads maps client message types to payload prototypes for strict
// decoding. Unknown types are rejected rather than ignored.
var clientPayloads = map[string]func() interface{}{
	TypeAuth:          func() interface{} { return &AuthPayload{} },
	TypePing:          func() interface{} { return &struct{}{} },
	TypeCreateSession: func() interface{} { return &CreateSessionPayload{} },
	TypeJoinSession:   func() interface{} { return &JoinSessionPayload{} },
	TypeLeaveSession:  func() interface{} { return &struct{}{} },
	TypeReady:         func() interface{} { return &ReadyPayload{} },
	TypeIntent:        func() interface{} { return &IntentPayload{} },
	TypeDMCommand:     func() interface{} { return &DMCommandPayload{} },
	TypeChat:          func() interface{} { return &ChatPayload{} },
	TypeResumeSync:    func() interface{} { return &ResumeSyncPayload{} },
}

// KnownClientType reports whether a message type is part of the client
// vocabulary
func KnownClientType(msgType string) bool {
	_, ok := clientPayloads[msgType]
	return ok
}

// DecodeClientPayload decodes an inbound envelope's payload into its typed
// form. The decoder is strict: unknown message types and unknown payload
// fields are errors.
func DecodeClientPayload(env *Envelope) (interface{}, error) {
	proto, ok := clientPayloads[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	payload := proto()
	raw := env.Payload
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %v", env.Type, err)
	}
	return payload, nil
}

// NewEnvelope builds a server -> client envelope with the current timestamp
func NewEnvelope(msgType string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %v", msgType, err)
	}
	return &Envelope{
		Type:    msgType,
		Payload: raw,
		TS:      time.Now().UnixMilli(),
	}, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to marshal
func MustEnvelope(msgType string, payload interface{}) *Envelope {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// NewError builds an error envelope correlated to the triggering seq
func NewError(code ErrorCode, message string, seq int64) *Envelope {
	return MustEnvelope(TypeError, ErrorPayload{
		Code:           code,
		Message:        message,
		CorrelationSeq: seq,
	})
}

// NewRateLimitError builds a RATE_LIMITED error carrying the retry hint
func NewRateLimitError(retryAfter time.Duration, seq int64) *Envelope {
	return MustEnvelope(TypeError, ErrorPayload{
		Code:           ErrRateLimited,
		Message:        "rate limit exceeded",
		RetryAfterMS:   retryAfter.Milliseconds(),
		CorrelationSeq: seq,
	})
}

// SanitizeChatText strips control characters and caps the length of
// client-supplied chat text
func SanitizeChatText(text string) string {
	var b strings.Builder
	for _, r := range text {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > MaxChatLength {
		// Back off to a rune boundary so the cut never splits a multi-byte
		// character.
		cut := MaxChatLength
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return strings.TrimSpace(out)
}
