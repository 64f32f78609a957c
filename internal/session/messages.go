package session

import (
	"github.com/halcyon/gridfall_backend/internal/protocol"
)

// Conn is the actor's view of one attached client connection. The server
// package implements it over a websocket; the actor only ever holds these
// references and interacts through non-blocking enqueues.
type Conn interface {
	// ID identifies the connection instance (one user may reconnect with a
	// new connection carrying the same user id).
	ID() string
	UserID() string
	// Enqueue appends an outbound envelope to the connection's bounded queue.
	// It never blocks; false means the queue is full.
	Enqueue(env *protocol.Envelope) bool
	// CloseWithCode sends a final error envelope and tears the connection down.
	CloseWithCode(code protocol.ErrorCode, message string)
}

type msgKind int

const (
	msgAttach msgKind = iota
	msgDetach
	msgLeave
	msgReady
	msgIntent
	msgDMCommand
	msgChat
	msgResumeSync
	msgTimerTick
	msgSnapshotRequest
	msgReconnectExpired
	msgIdleExpired
)

// inboxMsg is the tagged union flowing through the actor inbox. Exactly one
// payload field is meaningful per kind.
type inboxMsg struct {
	kind        msgKind
	userID      string
	displayName string
	conn        Conn
	seq         int64

	characterID string
	ready       bool
	action      protocol.ActionPayload
	dm          protocol.DMCommandPayload
	chat        protocol.ChatPayload
	resume      protocol.ResumeSyncPayload

	// tickGen guards timer ticks against reschedules; a tick whose generation
	// does not match the current turn is stale and dropped.
	tickGen uint64

	// flush, when set on a snapshot request, is closed once the write is done
	flush chan struct{}
}
