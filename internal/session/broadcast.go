package session

import (
	"sort"

	"github.com/halcyon/gridfall_backend/internal/logging"
	"github.com/halcyon/gridfall_backend/internal/protocol"
)

// broadcast fans an envelope out to every attached connection. Enqueue is
// non-blocking; a full outbound queue marks the consumer too slow to keep up,
// and the connection is closed rather than letting it stall the session.
func (a *Actor) broadcast(env *protocol.Envelope) {
	for _, p := range a.participants {
		a.fanOut(p, env)
	}
}

// sendToUser delivers to all of one user's connections
func (a *Actor) sendToUser(userID string, env *protocol.Envelope) {
	p, ok := a.participants[userID]
	if !ok {
		return
	}
	a.fanOut(p, env)
}

// sendToConn delivers to a single connection
func (a *Actor) sendToConn(conn Conn, env *protocol.Envelope) {
	if conn == nil {
		return
	}
	if !conn.Enqueue(env) {
		a.dropSlowConn(conn)
	}
}

// reply answers the sender of an inbox message, if it still has a connection
func (a *Actor) reply(msg inboxMsg, env *protocol.Envelope) {
	a.sendToConn(msg.conn, env)
}

func (a *Actor) fanOut(p *participant, env *protocol.Envelope) {
	var slow []Conn
	for _, conn := range p.conns {
		if !conn.Enqueue(env) {
			slow = append(slow, conn)
		}
	}
	for _, conn := range slow {
		a.dropSlowConn(conn)
	}
}

// dropSlowConn closes an overflowing connection and detaches it. The
// participant stays; the client may reconnect and resume.
func (a *Actor) dropSlowConn(conn Conn) {
	logging.LogWebSocketEvent("slow_consumer", a.ID, conn.UserID(), map[string]interface{}{
		"conn_id": conn.ID(),
	})
	conn.CloseWithCode(protocol.ErrSlowConsumer, "outbound queue overflow")
	if p, ok := a.participants[conn.UserID()]; ok {
		delete(p.conns, conn.ID())
	}
}

// broadcastParticipants pushes the current roster to everyone. Queued joins
// are included so lobbies see who is waiting; their units appear at the next
// turn boundary.
func (a *Actor) broadcastParticipants() {
	views := make([]protocol.ParticipantView, 0, len(a.participants))
	for _, userID := range a.joinOrder {
		p, ok := a.participants[userID]
		if !ok {
			continue
		}
		views = append(views, protocol.ParticipantView{
			UserID:      p.userID,
			DisplayName: p.displayName,
			Role:        p.role,
			CharacterID: p.characterID,
			Ready:       p.ready,
			Connected:   p.connected(),
		})
	}
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].Role != views[j].Role {
			return views[i].Role == "dm"
		}
		return false
	})

	a.broadcast(protocol.MustEnvelope(protocol.TypeParticipantUpdate, protocol.ParticipantUpdatePayload{
		Participants: views,
	}))
}
