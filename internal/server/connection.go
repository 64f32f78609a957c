package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/halcyon/gridfall_backend/internal/logging"
	"github.com/halcyon/gridfall_backend/internal/protocol"
	"github.com/halcyon/gridfall_backend/internal/session"
)

const maxFrameSize = 64 * 1024

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
	EnableCompression: true,
}

// wsConn is one client websocket. The read pump is the only reader and the
// write pump the only writer; the session actor talks to it exclusively
// through Enqueue and CloseWithCode.
type wsConn struct {
	id          string
	userID      string
	displayName string

	ws     *websocket.Conn
	server *Server

	send      chan *protocol.Envelope
	closeOnce sync.Once
	closedCh  chan struct{}

	// lastSeq is touched only by the read pump
	lastSeq int64

	mu       sync.Mutex
	attached *session.Actor
	// attachPending marks a join awaiting the actor's verdict; the attachment
	// is rolled back if the actor rejects it.
	attachPending bool
	attachSeq     int64
}

var _ session.Conn = (*wsConn)(nil)

func (c *wsConn) ID() string     { return c.id }
func (c *wsConn) UserID() string { return c.userID }

// Enqueue hands an envelope to the write pump without blocking. A full queue
// means the client is not keeping up.
func (c *wsConn) Enqueue(env *protocol.Envelope) bool {
	c.resolveAttach(env)
	select {
	case c.send <- env:
		return true
	case <-c.closedCh:
		return true // Already closing, nothing to report.
	default:
		return false
	}
}

// CloseWithCode delivers a final error frame, then tears the connection down
func (c *wsConn) CloseWithCode(code protocol.ErrorCode, message string) {
	env := protocol.NewError(code, message, 0)
	select {
	case c.send <- env:
	default:
	}
	c.close()
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.closedCh)
	})
}

// attachedActor returns the session this connection is bound to, if any
func (c *wsConn) attachedActor() *session.Actor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

func (c *wsConn) setAttached(a *session.Actor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = a
}

// beginAttach provisionally binds the connection to a session so the actor's
// replies route here. The binding sticks once session_joined arrives.
func (c *wsConn) beginAttach(a *session.Actor, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = a
	c.attachPending = true
	c.attachSeq = seq
}

// resolveAttach settles a provisional attachment: session_joined confirms it,
// a join rejection from the actor rolls it back so the connection can try
// another session.
func (c *wsConn) resolveAttach(env *protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.attachPending {
		return
	}

	switch env.Type {
	case protocol.TypeSessionJoined:
		c.attachPending = false
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if p.CorrelationSeq != c.attachSeq {
			return
		}
		switch p.Code {
		case protocol.ErrSessionFull, protocol.ErrAlreadyEnded:
			c.attached = nil
			c.attachPending = false
		}
	}
}

// handleWebSocket upgrades the connection and runs the authenticated frame
// loop. The first frame must be an auth message within the handshake window.
func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn("failed to upgrade connection", map[string]interface{}{"error": err})
		return
	}

	conn := &wsConn{
		id:       uuid.New().String(),
		ws:       ws,
		server:   s,
		send:     make(chan *protocol.Envelope, s.cfg.Session.OutboundQueueSize),
		closedCh: make(chan struct{}),
	}

	if !s.authenticate(conn) {
		ws.Close()
		return
	}

	go conn.writePump(s.cfg.Session.PingInterval, s.cfg.Session.PongTimeout)
	conn.readPump(s.cfg.Session.PingInterval, s.cfg.Session.PongTimeout)
}

// authenticate enforces the handshake: one auth frame within the window,
// carrying a valid identity token. Runs before the pumps start, so it reads
// and writes the socket directly.
func (s *Server) authenticate(conn *wsConn) bool {
	conn.ws.SetReadLimit(maxFrameSize)
	if err := conn.ws.SetReadDeadline(time.Now().Add(s.cfg.Session.AuthTimeout)); err != nil {
		return false
	}

	var env protocol.Envelope
	if err := conn.ws.ReadJSON(&env); err != nil {
		conn.ws.WriteJSON(protocol.NewError(protocol.ErrAuthTimeout, "no auth frame received in time", 0))
		logging.LogWebSocketEvent("auth_timeout", "", "", map[string]interface{}{"conn_id": conn.id})
		return false
	}

	if env.Type != protocol.TypeAuth {
		conn.ws.WriteJSON(protocol.NewError(protocol.ErrAuthFailed, "first frame must be auth", env.Seq))
		return false
	}

	payload, err := protocol.DecodeClientPayload(&env)
	if err != nil {
		conn.ws.WriteJSON(protocol.NewError(protocol.ErrProtocol, err.Error(), env.Seq))
		return false
	}

	claims, err := s.auth.ValidateToken(payload.(*protocol.AuthPayload).Token)
	if err != nil {
		conn.ws.WriteJSON(protocol.NewError(protocol.ErrAuthFailed, "invalid token", env.Seq))
		logging.LogWebSocketEvent("auth_failed", "", "", map[string]interface{}{"conn_id": conn.id})
		return false
	}

	conn.userID = claims.UserID
	conn.displayName = claims.DisplayName
	conn.lastSeq = env.Seq

	hello := protocol.MustEnvelope(protocol.TypeHello, protocol.HelloPayload{
		UserID:       conn.userID,
		DisplayName:  conn.displayName,
		Capabilities: []string{"sessions", "chat", "reconnect"},
	})
	if err := conn.ws.WriteJSON(hello); err != nil {
		return false
	}

	logging.LogWebSocketEvent("authenticated", "", conn.userID, map[string]interface{}{"conn_id": conn.id})
	return true
}

// readPump reads frames until the connection dies, dispatching each one.
// Duplicate or reordered frames (seq not strictly increasing) end the
// connection with a protocol error.
func (c *wsConn) readPump(pingInterval, pongTimeout time.Duration) {
	defer func() {
		if actor := c.attachedActor(); actor != nil {
			actor.Detach(c.userID, c)
		}
		c.close()
		c.ws.Close()
	}()

	readWindow := pingInterval + pongTimeout
	c.ws.SetReadDeadline(time.Now().Add(readWindow))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readWindow))
	})

	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Keepalive lapsed: no frames or pongs within the window.
				c.CloseWithCode(protocol.ErrIdleTimeout, "no activity within the keepalive window")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.LogWebSocketEvent("read_error", "", c.userID, map[string]interface{}{
					"conn_id": c.id, "error": err.Error(),
				})
			}
			return
		}

		// At-most-once: client seq must strictly increase. A violation is a
		// protocol error and ends the connection.
		if env.Seq != 0 {
			if env.Seq <= c.lastSeq {
				c.CloseWithCode(protocol.ErrProtocol, fmt.Sprintf("seq %d is not strictly increasing", env.Seq))
				return
			}
			c.lastSeq = env.Seq
		}

		c.dispatch(&env)

		select {
		case <-c.closedCh:
			return
		default:
		}
	}
}

// dispatch routes one authenticated frame
func (c *wsConn) dispatch(env *protocol.Envelope) {
	if env.Type == protocol.TypePing {
		c.Enqueue(protocol.MustEnvelope(protocol.TypePong, struct{}{}))
		return
	}

	payload, err := protocol.DecodeClientPayload(env)
	if err != nil {
		// An unknown frame type ends the connection; a malformed payload of a
		// known type only earns an error reply.
		if !protocol.KnownClientType(env.Type) {
			c.CloseWithCode(protocol.ErrProtocol, err.Error())
			return
		}
		c.Enqueue(protocol.NewError(protocol.ErrProtocol, err.Error(), env.Seq))
		return
	}

	switch env.Type {
	case protocol.TypeAuth:
		// Re-auth after the handshake is a protocol error.
		c.Enqueue(protocol.NewError(protocol.ErrProtocol, "already authenticated", env.Seq))

	case protocol.TypeCreateSession:
		c.handleCreateSession(payload.(*protocol.CreateSessionPayload), env.Seq)

	case protocol.TypeJoinSession:
		c.handleJoinSession(payload.(*protocol.JoinSessionPayload), env.Seq)

	default:
		actor := c.attachedActor()
		if actor == nil {
			c.Enqueue(protocol.NewError(protocol.ErrInvalidAction, "not in a session", env.Seq))
			return
		}

		switch env.Type {
		case protocol.TypeLeaveSession:
			actor.Leave(c.userID, c, env.Seq)
		case protocol.TypeReady:
			actor.Ready(c.userID, c, payload.(*protocol.ReadyPayload).Ready, env.Seq)
		case protocol.TypeIntent:
			actor.Intent(c.userID, c, payload.(*protocol.IntentPayload).Action, env.Seq)
		case protocol.TypeDMCommand:
			actor.DMCommand(c.userID, c, *payload.(*protocol.DMCommandPayload), env.Seq)
		case protocol.TypeChat:
			actor.Chat(c.userID, c, *payload.(*protocol.ChatPayload), env.Seq)
		case protocol.TypeResumeSync:
			actor.ResumeSync(c.userID, c, *payload.(*protocol.ResumeSyncPayload), env.Seq)
		default:
			c.CloseWithCode(protocol.ErrProtocol, "unhandled message type")
		}
	}
}

func (c *wsConn) handleCreateSession(p *protocol.CreateSessionPayload, seq int64) {
	if c.attachedActor() != nil {
		c.Enqueue(protocol.NewError(protocol.ErrInvalidAction, "already in a session", seq))
		return
	}

	actor, err := c.server.registry.Create(c.userID, p.Config)
	if err != nil {
		c.Enqueue(protocol.NewError(registryErrorCode(err), err.Error(), seq))
		return
	}

	c.setAttached(actor)
	c.Enqueue(protocol.MustEnvelope(protocol.TypeSessionCreated, protocol.SessionCreatedPayload{
		Session:    protocol.SessionView{ID: actor.ID, InviteCode: actor.InviteCode},
		InviteCode: actor.InviteCode,
	}))
	actor.Attach(c.userID, c.displayName, "", c, seq)
}

func (c *wsConn) handleJoinSession(p *protocol.JoinSessionPayload, seq int64) {
	if c.attachedActor() != nil {
		c.Enqueue(protocol.NewError(protocol.ErrInvalidAction, "already in a session", seq))
		return
	}

	actor, ok := c.server.registry.LookupByCode(p.InviteCode)
	if !ok {
		c.Enqueue(protocol.NewError(protocol.ErrSessionNotFound, "no session with that invite code", seq))
		return
	}

	c.beginAttach(actor, seq)
	actor.Attach(c.userID, c.displayName, p.CharacterID, c, seq)
}

// registryErrorCode maps registry errors to wire codes
func registryErrorCode(err error) protocol.ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrTooManySessions):
		return protocol.ErrServerBusy
	case errors.Is(err, session.ErrSessionNotFound):
		return protocol.ErrSessionNotFound
	default:
		return protocol.ErrInvalidAction
	}
}

// writePump serializes all socket writes: outbound envelopes and keepalive
// pings. Stamps a per-connection server seq on each frame.
func (c *wsConn) writePump(pingInterval, pongTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	var outSeq int64
	for {
		select {
		case env := <-c.send:
			// Broadcast envelopes are shared across connections; stamp the
			// per-connection seq on a copy.
			outSeq++
			frame := *env
			frame.Seq = outSeq
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteJSON(&frame); err != nil {
				c.close()
				return
			}
			if env.Type == protocol.TypeError {
				if code := errorCodeOf(env); code == protocol.ErrKicked || code == protocol.ErrSlowConsumer || code == protocol.ErrServerBusy {
					c.close()
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(pongTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.closedCh:
			// Drain anything already queued, then say goodbye.
			for {
				select {
				case env := <-c.send:
					outSeq++
					frame := *env
					frame.Seq = outSeq
					c.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
					if c.ws.WriteJSON(&frame) != nil {
						return
					}
				default:
					c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func errorCodeOf(env *protocol.Envelope) protocol.ErrorCode {
	var p protocol.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return ""
	}
	return p.Code
}
