package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meshwire/roomrelay/internal/metrics"
	"github.com/meshwire/roomrelay/internal/registry"
)

// Conn is the transport handle for one client: a concurrency-safe JSON
// writer plus the ability to tear the connection down.
type Conn interface {
	Send(v any) error
	Close() error
}

// Router owns the registry and the live sessions. It is shared by every
// connection handler.
type Router struct {
	log     *slog.Logger
	reg     *registry.Registry
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[registry.ClientID]*Session
}

func NewRouter(log *slog.Logger, reg *registry.Registry, m *metrics.Metrics) *Router {
	return &Router{
		log:      log,
		reg:      reg,
		metrics:  m,
		sessions: make(map[registry.ClientID]*Session),
	}
}

// NewSession wraps a freshly accepted connection. The session stays
// unregistered until the client's first message names it and picks a room.
func (rt *Router) NewSession(conn Conn) *Session {
	return &Session{router: rt, conn: conn, log: rt.log}
}

func (rt *Router) track(s *Session) {
	rt.mu.Lock()
	rt.sessions[s.id] = s
	rt.mu.Unlock()
}

func (rt *Router) untrack(id registry.ClientID) {
	rt.mu.Lock()
	delete(rt.sessions, id)
	rt.mu.Unlock()
}

// closePeer runs the close transition for a peer whose connection turned
// out to be dead during a send. Safe to call for peers already gone.
func (rt *Router) closePeer(id registry.ClientID) {
	rt.mu.Lock()
	s := rt.sessions[id]
	rt.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}

// Session is one client's connection state. Lifecycle: unregistered until
// the first message, registered until Close, then terminal. HandleMessage
// is driven by a single reader goroutine; Close may race it from anywhere.
type Session struct {
	router *Router
	conn   Conn
	log    *slog.Logger

	mu         sync.Mutex
	registered bool
	id         registry.ClientID
	room       string

	closeOnce sync.Once
	closeErr  error
}

// HandleMessage processes one inbound frame. A returned error means the
// connection itself is broken and the caller should close it; protocol
// problems (malformed JSON, bad targets, unknown types) are absorbed here
// and never end the connection.
func (s *Session) HandleMessage(data []byte) error {
	msg, err := parseInbound(data)
	if err != nil {
		s.router.metrics.Dropped(metrics.DropReasonBadMessage)
		s.log.Debug("dropping malformed message", "error", err)
		return nil
	}

	s.mu.Lock()
	registered := s.registered
	s.mu.Unlock()

	if !registered {
		return s.register(msg)
	}
	return s.route(msg)
}

// register handles the join handshake carried by the first message.
func (s *Session) register(msg *inbound) error {
	room := msg.roomID
	if room == "" {
		room = registry.DefaultRoom
	}

	id, name := s.router.reg.Join(s.conn, msg.peerName, room)

	s.mu.Lock()
	s.registered = true
	s.id = id
	s.room = room
	s.mu.Unlock()
	s.router.track(s)

	total := s.router.reg.Count()
	inRoom := s.router.reg.RoomCount(room)
	s.router.metrics.Inc(metrics.PeerJoined)
	s.log.Info("peer joined",
		"clientId", uint64(id),
		"peerName", name,
		"room", room,
		"totalClients", total,
		"peersInRoom", inRoom-1,
	)

	if err := s.conn.Send(welcomeMessage{
		Type:         typeWelcome,
		ClientID:     uint64(id),
		TotalClients: total,
		PeersInRoom:  inRoom - 1,
	}); err != nil {
		return fmt.Errorf("send welcome: %w", err)
	}

	s.broadcast(room, id, peerConnectedMessage{
		Type:         typePeerConnected,
		ClientID:     uint64(id),
		PeerName:     name,
		TotalClients: total,
		PeersInRoom:  inRoom,
	})

	// The handshake may double as the first signaling message.
	if isNegotiation(msg.typ) && msg.hasTarget {
		s.forwardTargeted(msg)
	}
	return nil
}

func (s *Session) route(msg *inbound) error {
	if msg.peerName != "" {
		s.router.reg.SetName(s.id, msg.peerName)
	}

	switch {
	case isNegotiation(msg.typ):
		if msg.hasTarget {
			s.forwardTargeted(msg)
		} else {
			s.broadcast(s.room, s.id, msg.forwardPayload(s.id))
			s.router.metrics.Inc(metrics.MessageBroadcast)
			s.log.Debug("broadcast signaling message", "type", msg.typ, "clientId", uint64(s.id), "room", s.room)
		}
	case msg.typ == typeChat:
		s.relayChat(msg)
	case msg.typ == typeGetPeers:
		return s.sendPeerList()
	default:
		s.router.metrics.Dropped(metrics.DropReasonUnknownType)
		s.log.Debug("unknown message type", "type", msg.typ, "clientId", uint64(s.id))
	}
	return nil
}

// forwardTargeted delivers a negotiation message to one peer in the same
// room. Misrouted messages are dropped without telling the sender; peers
// behind the rendezvous retry on their own.
func (s *Session) forwardTargeted(msg *inbound) {
	target, ok := s.router.reg.Peer(msg.targetID)
	if !ok {
		s.router.metrics.Dropped(metrics.DropReasonTargetNotFound)
		s.log.Debug("target not found", "type", msg.typ, "clientId", uint64(s.id), "targetId", uint64(msg.targetID))
		return
	}
	if target.Room != s.room {
		s.router.metrics.Dropped(metrics.DropReasonTargetCrossRoom)
		s.log.Debug("target in different room",
			"type", msg.typ,
			"clientId", uint64(s.id),
			"targetId", uint64(msg.targetID),
			"room", s.room,
			"targetRoom", target.Room,
		)
		return
	}

	err := s.router.reg.SendTo(target.ID, msg.forwardPayload(s.id))
	switch {
	case errors.Is(err, registry.ErrNotFound):
		s.router.metrics.Dropped(metrics.DropReasonTargetNotFound)
		s.log.Debug("target gone before forward", "type", msg.typ, "targetId", uint64(target.ID))
	case err != nil:
		s.router.metrics.Dropped(metrics.DropReasonSendFailed)
		s.log.Warn("forward failed", "type", msg.typ, "targetId", uint64(target.ID), "error", err)
		s.router.closePeer(target.ID)
	default:
		s.router.metrics.Inc(metrics.MessageForwarded)
		s.log.Debug("forwarded", "type", msg.typ, "clientId", uint64(s.id), "targetId", uint64(target.ID), "room", s.room)
	}
}

// relayChat rebuilds chat messages into a fixed shape instead of passing
// them through, so clients cannot spoof senderId.
func (s *Session) relayChat(msg *inbound) {
	name := msg.senderName
	if name == "" {
		if p, ok := s.router.reg.Peer(s.id); ok {
			name = p.Name
		}
	}

	s.broadcast(s.room, s.id, chatMessage{
		Type:       typeChat,
		Text:       msg.text,
		SenderID:   uint64(s.id),
		SenderName: name,
		Timestamp:  msg.timestamp,
	})
	s.router.metrics.Inc(metrics.ChatRelayed)
	s.log.Debug("chat relayed", "clientId", uint64(s.id), "room", s.room)
}

func (s *Session) sendPeerList() error {
	members := s.router.reg.RoomMembers(s.room, s.id)
	peers := make([]uint64, 0, len(members))
	for _, m := range members {
		peers = append(peers, uint64(m.ID))
	}

	if err := s.conn.Send(peerListMessage{Type: typePeerList, Peers: peers}); err != nil {
		return fmt.Errorf("send peer list: %w", err)
	}
	s.router.metrics.Inc(metrics.PeerListServed)
	return nil
}

// broadcast fans v out to every member of room except exclude. Failures
// are isolated per recipient: a peer that cannot be written to gets its
// own close transition after the walk, and everyone else still receives v.
func (s *Session) broadcast(room string, exclude registry.ClientID, v any) {
	members := s.router.reg.RoomMembers(room, exclude)

	var failed []registry.ClientID
	for _, m := range members {
		if err := m.Conn.Send(v); err != nil {
			s.log.Warn("broadcast send failed", "clientId", uint64(m.ID), "room", room, "error", err)
			failed = append(failed, m.ID)
		}
	}
	for _, id := range failed {
		s.router.metrics.Dropped(metrics.DropReasonSendFailed)
		s.router.closePeer(id)
	}
}

// Close runs the terminal transition exactly once: deregister, tell the
// room, then close the transport. Duplicate calls (reader exit racing an
// implicit disconnect) collapse into the first.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		registered, id, room := s.registered, s.id, s.room
		s.mu.Unlock()

		if registered {
			// Untrack first so a failed disconnect broadcast cannot
			// re-enter this session via closePeer.
			s.router.untrack(id)
			if p, ok := s.router.reg.Leave(id); ok {
				s.router.metrics.Inc(metrics.PeerLeft)
				total := s.router.reg.Count()
				inRoom := s.router.reg.RoomCount(room)
				s.log.Info("peer left",
					"clientId", uint64(id),
					"peerName", p.Name,
					"room", room,
					"totalClients", total,
				)
				s.broadcast(room, id, peerDisconnectedMessage{
					Type:         typePeerDisconnected,
					ClientID:     uint64(id),
					TotalClients: total,
					PeersInRoom:  inRoom,
				})
			}
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
