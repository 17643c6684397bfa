package signaling

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/meshwire/roomrelay/internal/registry"
)

// Inbound message types with routing behavior. Any other type is counted
// and dropped.
const (
	typeOffer        = "offer"
	typeAnswer       = "answer"
	typeICECandidate = "ice-candidate"
	typeChat         = "chat"
	typeGetPeers     = "get-peers"
	typeUnknown      = "unknown"
)

// Outbound message types.
const (
	typeWelcome          = "welcome"
	typePeerConnected    = "peer-connected"
	typePeerDisconnected = "peer-disconnected"
	typePeerList         = "peer-list"
)

func isNegotiation(typ string) bool {
	switch typ {
	case typeOffer, typeAnswer, typeICECandidate:
		return true
	}
	return false
}

// inbound is a decoded client message. The original fields are retained so
// negotiation payloads (SDP, ICE attributes, anything the clients agree on)
// pass through the relay untouched.
type inbound struct {
	typ        string
	peerName   string
	roomID     string
	targetID   registry.ClientID
	hasTarget  bool
	text       string
	senderName string
	timestamp  any

	fields map[string]any
}

func parseInbound(data []byte) (*inbound, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("decode message: not a JSON object")
	}

	msg := &inbound{
		typ:       typeUnknown,
		timestamp: fields["timestamp"],
		fields:    fields,
	}
	if s, ok := fields["type"].(string); ok && s != "" {
		msg.typ = s
	}
	// Clients send either key; "peerName" wins when both are present.
	if s, ok := fields["peerName"].(string); ok && s != "" {
		msg.peerName = s
	} else if s, ok := fields["name"].(string); ok && s != "" {
		msg.peerName = s
	}
	if s, ok := fields["roomId"].(string); ok {
		msg.roomID = strings.TrimSpace(s)
	}
	if s, ok := fields["text"].(string); ok {
		msg.text = s
	}
	if s, ok := fields["senderName"].(string); ok {
		msg.senderName = s
	}
	if id, ok := parseClientID(fields["targetId"]); ok {
		msg.targetID = id
		msg.hasTarget = true
	}

	return msg, nil
}

// parseClientID accepts a client ID as a JSON number or a numeric string.
func parseClientID(v any) (registry.ClientID, bool) {
	switch n := v.(type) {
	case float64:
		if n <= 0 || n != math.Trunc(n) || n > math.MaxUint32 {
			return 0, false
		}
		return registry.ClientID(n), true
	case string:
		id, err := strconv.ParseUint(strings.TrimSpace(n), 10, 64)
		if err != nil || id == 0 {
			return 0, false
		}
		return registry.ClientID(id), true
	default:
		return 0, false
	}
}

// forwardPayload copies the original fields and stamps the sender's
// identity, mirroring what the sender put on the wire otherwise.
func (m *inbound) forwardPayload(sender registry.ClientID) map[string]any {
	out := make(map[string]any, len(m.fields)+1)
	for k, v := range m.fields {
		out[k] = v
	}
	out["senderId"] = uint64(sender)
	return out
}

type welcomeMessage struct {
	Type         string `json:"type"`
	ClientID     uint64 `json:"clientId"`
	TotalClients int    `json:"totalClients"`
	PeersInRoom  int    `json:"peersInRoom"`
}

type peerConnectedMessage struct {
	Type         string `json:"type"`
	ClientID     uint64 `json:"clientId"`
	PeerName     string `json:"peerName"`
	TotalClients int    `json:"totalClients"`
	PeersInRoom  int    `json:"peersInRoom"`
}

type peerDisconnectedMessage struct {
	Type         string `json:"type"`
	ClientID     uint64 `json:"clientId"`
	TotalClients int    `json:"totalClients"`
	PeersInRoom  int    `json:"peersInRoom"`
}

type peerListMessage struct {
	Type  string   `json:"type"`
	Peers []uint64 `json:"peers"`
}

type chatMessage struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	SenderID   uint64 `json:"senderId"`
	SenderName string `json:"senderName"`
	Timestamp  any    `json:"timestamp"`
}
