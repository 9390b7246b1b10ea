package signaling

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/meshconf/meshconf/internal/metrics"
	"github.com/meshconf/meshconf/internal/room"
)

// Sender is the outbound half of one signaling connection. Send must be
// non-blocking with respect to the router: implementations queue the message
// and report an error only when the connection is no longer usable.
type Sender interface {
	Send(ServerMessage) error
}

type connState struct {
	send     Sender
	userName string
}

// Router owns the room registry and the live connection table, and relays
// signaling messages between connections.
//
// All registry mutation and roster snapshot capture for one event happen
// atomically inside the registry; the router itself only guards the
// connection table. Rooms share no state, so traffic in one room never
// blocks on negotiation traffic in another beyond the table lookup.
type Router struct {
	log      *slog.Logger
	registry *room.Registry
	metrics  *metrics.Metrics

	mu    sync.Mutex
	conns map[string]*connState
}

func NewRouter(registry *room.Registry, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		log:      logger,
		registry: registry,
		metrics:  m,
		conns:    make(map[string]*connState),
	}
}

// Register adds a live connection and assigns its connection ID.
func (r *Router) Register(s Sender) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.conns[id] = &connState{send: s}
	r.mu.Unlock()

	r.log.Debug("connection registered", "conn_id", id)
	return id
}

// Dispatch routes one validated inbound message. Every message kind the wire
// protocol declares is handled here; ParseClientMessage guarantees no other
// kind reaches this switch.
func (r *Router) Dispatch(connID string, msg ClientMessage) {
	switch msg.Kind {
	case KindJoinRoom:
		r.handleJoin(connID, msg)
	case KindOffer:
		r.relay(connID, msg.To, func(from *connState) ServerMessage {
			return ServerMessage{
				Kind:     KindOffer,
				Offer:    msg.Offer,
				From:     connID,
				UserName: from.userName,
			}
		})
	case KindAnswer:
		r.relay(connID, msg.To, func(*connState) ServerMessage {
			return ServerMessage{Kind: KindAnswer, Answer: msg.Answer, From: connID}
		})
	case KindICECandidate:
		r.relay(connID, msg.To, func(*connState) ServerMessage {
			return ServerMessage{Kind: KindICECandidate, Candidate: msg.Candidate, From: connID}
		})
	case KindExistingParticipants, KindUserJoined, KindUserLeft:
		// Server->client kinds; ParseClientMessage rejects them before dispatch.
		r.metrics.Inc(metrics.InvalidMessages)
	}
}

// Disconnect tears down a connection: it is removed from the table, its room
// membership is released, and remaining room members get a user-left event.
// Safe to call for connections that never joined a room.
func (r *Router) Disconnect(connID string) {
	r.mu.Lock()
	_, known := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()
	if !known {
		return
	}

	r.metrics.Inc(metrics.Disconnects)

	res, ok := r.registry.Leave(connID)
	if !ok {
		r.log.Debug("connection closed outside any room", "conn_id", connID)
		return
	}
	if res.Emptied {
		r.log.Info("room deleted", "room_id", res.RoomID)
		return
	}

	r.broadcast(res.Remaining, ServerMessage{
		Kind:         KindUserLeft,
		ConnectionID: connID,
		UserName:     res.UserName,
	})
	r.log.Info("participant left", "room_id", res.RoomID, "conn_id", connID, "user_name", res.UserName)
}

func (r *Router) handleJoin(connID string, msg ClientMessage) {
	userName := msg.UserName
	if userName == "" {
		userName = "Anonymous"
	}

	r.mu.Lock()
	st, ok := r.conns[connID]
	if ok {
		st.userName = userName
	}
	r.mu.Unlock()
	if !ok {
		// The connection dropped while the message was in flight.
		return
	}

	roster, left := r.registry.Join(msg.RoomID, connID, userName)
	r.metrics.Inc(metrics.Joins)
	r.log.Info("participant joined", "room_id", msg.RoomID, "conn_id", connID, "user_name", userName)

	// A re-join implicitly left a previous membership; members still in that
	// room hear the departure so they can tear their sessions down.
	if left != nil {
		if left.Emptied {
			r.log.Info("room deleted", "room_id", left.RoomID)
		} else {
			r.broadcast(left.Remaining, ServerMessage{
				Kind:         KindUserLeft,
				ConnectionID: connID,
				UserName:     left.UserName,
			})
			r.log.Info("participant left", "room_id", left.RoomID, "conn_id", connID, "user_name", left.UserName)
		}
	}

	existing := make([]ParticipantInfo, 0, len(roster))
	for _, e := range roster {
		existing = append(existing, ParticipantInfo{ConnectionID: e.ConnID, UserName: e.UserName})
	}
	r.sendTo(connID, ServerMessage{Kind: KindExistingParticipants, Participants: existing})

	r.broadcast(roster, ServerMessage{
		Kind:         KindUserJoined,
		ConnectionID: connID,
		UserName:     userName,
	})
}

// relay forwards a targeted message, stamping the sender's identity. A target
// that is no longer connected is a tolerated race: the message is dropped
// with a counter bump and nothing is reported to the sender.
func (r *Router) relay(fromID, toID string, build func(from *connState) ServerMessage) {
	r.mu.Lock()
	from, fromOK := r.conns[fromID]
	to, toOK := r.conns[toID]
	r.mu.Unlock()

	if !fromOK {
		return
	}
	if !toOK {
		r.metrics.Inc(metrics.RelayDropNoTarget)
		r.log.Debug("relay target gone, message dropped", "from", fromID, "to", toID)
		return
	}

	if err := to.send.Send(build(from)); err != nil {
		r.metrics.Inc(metrics.RelayDropNoTarget)
		r.log.Debug("relay send failed, message dropped", "from", fromID, "to", toID, "err", err)
		return
	}
	r.metrics.Inc(metrics.Relays)
}

func (r *Router) sendTo(connID string, msg ServerMessage) {
	r.mu.Lock()
	st, ok := r.conns[connID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := st.send.Send(msg); err != nil {
		r.log.Debug("send failed", "conn_id", connID, "err", err)
	}
}

// broadcast fans a membership event out to a roster snapshot. Entries whose
// connection vanished between snapshot and send are skipped.
func (r *Router) broadcast(roster []room.RosterEntry, msg ServerMessage) {
	for _, e := range roster {
		r.sendTo(e.ConnID, msg)
	}
}
