package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientPayload(t *testing.T) {
	env := &Envelope{
		Type:    TypeIntent,
		Payload: json.RawMessage(`{"action":{"kind":"move","unit_id":"u1","target_position":{"x":3,"y":4}}}`),
		Seq:     7,
	}

	payload, err := DecodeClientPayload(env)
	require.NoError(t, err)

	intent, ok := payload.(*IntentPayload)
	require.True(t, ok)
	assert.Equal(t, "move", intent.Action.Kind)
	assert.Equal(t, "u1", intent.Action.UnitID)
	require.NotNil(t, intent.Action.TargetPosition)
	assert.Equal(t, 3, intent.Action.TargetPosition.X)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	env := &Envelope{Type: "teleport_to_moon", Payload: json.RawMessage(`{}`)}
	_, err := DecodeClientPayload(env)
	assert.Error(t, err)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	env := &Envelope{
		Type:    TypeReady,
		Payload: json.RawMessage(`{"ready":true,"cheat_mode":true}`),
	}
	_, err := DecodeClientPayload(env)
	assert.Error(t, err, "unknown payload fields must be rejected")
}

func TestDecodeEmptyPayload(t *testing.T) {
	env := &Envelope{Type: TypeLeaveSession}
	_, err := DecodeClientPayload(env)
	assert.NoError(t, err)
}

func TestNewErrorCarriesCorrelation(t *testing.T) {
	env := NewError(ErrNotYourTurn, "wait for it", 42)
	assert.Equal(t, TypeError, env.Type)

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, ErrNotYourTurn, p.Code)
	assert.Equal(t, int64(42), p.CorrelationSeq)
}

func TestNewRateLimitError(t *testing.T) {
	env := NewRateLimitError(2500*time.Millisecond, 9)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, ErrRateLimited, p.Code)
	assert.Equal(t, int64(2500), p.RetryAfterMS)
}

func TestSanitizeChatText(t *testing.T) {
	assert.Equal(t, "hello", SanitizeChatText("  hello  "))
	assert.Equal(t, "ab", SanitizeChatText("a\x00\x1bb"))
	assert.Equal(t, "", SanitizeChatText("\t\n\r"))

	long := strings.Repeat("x", MaxChatLength+100)
	assert.Len(t, SanitizeChatText(long), MaxChatLength)
}

func TestSanitizeChatTextTruncatesOnRuneBoundary(t *testing.T) {
	// 3-byte runes do not divide the cap evenly, so a byte-offset cut would
	// land mid-rune.
	long := strings.Repeat("語", MaxChatLength)
	out := SanitizeChatText(long)
	assert.True(t, utf8.ValidString(out))
	assert.LessOrEqual(t, len(out), MaxChatLength)
	assert.NotEmpty(t, out)
}
