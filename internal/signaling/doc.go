// Package signaling implements the rendezvous protocol spoken over the
// /ws endpoint.
//
// A connection's first message is its join handshake: it names the peer
// and picks a room, and the room never changes for the life of the
// connection. Every message after that is routed within that room —
// offer/answer/ice-candidate payloads are passed through opaquely to one
// peer or fanned out to the whole room, chat is normalized and relayed,
// and get-peers answers with the current room roster. Misrouted messages
// are dropped silently; peers that cannot be written to are treated as
// disconnected.
package signaling
