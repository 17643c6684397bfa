// Package registry tracks connected peers and their room membership.
//
// The registry is the single source of truth for who is connected: it
// assigns client IDs, resolves display names, and maintains a per-room
// index so room-scoped fan-out never scans the full peer table. It knows
// nothing about message formats; routing lives in the signaling package.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultRoom is used when a client joins without naming a room.
const DefaultRoom = "default"

// ErrNotFound is returned by SendTo when the target peer is not registered.
var ErrNotFound = errors.New("registry: peer not found")

// ClientID identifies a peer for the lifetime of its connection. IDs are
// assigned from a monotonically increasing counter and never reused, so a
// stale ID can only miss, never hit a different peer.
type ClientID uint64

// Conn is the send side of a peer's connection. Send must be safe for
// concurrent use; the registry calls it outside its own lock.
type Conn interface {
	Send(v any) error
}

// Peer is a snapshot of a registered peer's public identity.
type Peer struct {
	ID   ClientID
	Name string
	Room string
}

// Member pairs a peer snapshot with its connection, for fan-out.
type Member struct {
	Peer
	Conn Conn
}

type entry struct {
	conn Conn
	name string
	room string
}

type Registry struct {
	mu     sync.Mutex
	nextID ClientID
	peers  map[ClientID]*entry
	rooms  map[string]map[ClientID]struct{}
}

func New() *Registry {
	return &Registry{
		peers: make(map[ClientID]*entry),
		rooms: make(map[string]map[ClientID]struct{}),
	}
}

// Join registers a connection and returns its assigned ID and resolved
// display name. An empty name falls back to "Client <id>"; an empty room
// falls back to DefaultRoom. The room is fixed for the connection's
// lifetime.
func (r *Registry) Join(conn Conn, name, room string) (ClientID, string) {
	if room == "" {
		room = DefaultRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	if name == "" {
		name = fmt.Sprintf("Client %d", id)
	}

	r.peers[id] = &entry{conn: conn, name: name, room: room}
	members := r.rooms[room]
	if members == nil {
		members = make(map[ClientID]struct{})
		r.rooms[room] = members
	}
	members[id] = struct{}{}

	return id, name
}

// Leave removes a peer and returns its last snapshot. Leaving twice is
// harmless; the second call reports ok=false.
func (r *Registry) Leave(id ClientID) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	delete(r.peers, id)

	members := r.rooms[e.room]
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, e.room)
	}

	return Peer{ID: id, Name: e.name, Room: e.room}, true
}

// SetName updates a peer's display name. Empty names are ignored.
func (r *Registry) SetName(id ClientID, name string) bool {
	if name == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[id]
	if !ok {
		return false
	}
	e.name = name
	return true
}

// Peer returns a snapshot of a registered peer.
func (r *Registry) Peer(id ClientID) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return Peer{ID: id, Name: e.name, Room: e.room}, true
}

// SendTo delivers v to a single peer. The connection is resolved under the
// lock but written to outside it, so a slow peer cannot stall the registry.
func (r *Registry) SendTo(id ClientID, v any) error {
	r.mu.Lock()
	e, ok := r.peers[id]
	var conn Conn
	if ok {
		conn = e.conn
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	return conn.Send(v)
}

// RoomMembers returns the members of a room, excluding exclude, ordered by
// ID. Pass 0 to exclude nobody.
func (r *Registry) RoomMembers(room string, exclude ClientID) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.rooms[room]
	if len(ids) == 0 {
		return nil
	}

	out := make([]Member, 0, len(ids))
	for id := range ids {
		if id == exclude {
			continue
		}
		e := r.peers[id]
		out = append(out, Member{
			Peer: Peer{ID: id, Name: e.name, Room: room},
			Conn: e.conn,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoomCount returns the number of peers currently in room.
func (r *Registry) RoomCount(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[room])
}

// Count returns the total number of registered peers across all rooms.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
