package signaling

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/meshwire/roomrelay/internal/metrics"
	"github.com/meshwire/roomrelay/internal/registry"
)

type testConn struct {
	mu      sync.Mutex
	sent    []any
	closed  bool
	sendErr error
}

func (c *testConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *testConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *testConn) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *testConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestRouter(t *testing.T) (*Router, *metrics.Metrics, *registry.Registry) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New()
	m := metrics.New()
	return NewRouter(log, reg, m), m, reg
}

func join(t *testing.T, rt *Router, conn *testConn, name, room string) *Session {
	t.Helper()
	s := rt.NewSession(conn)
	raw := fmt.Sprintf(`{"peerName":%q,"roomId":%q}`, name, room)
	if err := s.HandleMessage([]byte(raw)); err != nil {
		t.Fatalf("join handshake: %v", err)
	}
	return s
}

func TestJoinHandshake_WelcomeAndPeerConnected(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	connA := &testConn{}
	join(t, rt, connA, "alice", "lobby")

	msgs := connA.messages()
	if len(msgs) != 1 {
		t.Fatalf("alice received %d messages, want 1", len(msgs))
	}
	welcome, ok := msgs[0].(welcomeMessage)
	if !ok {
		t.Fatalf("first message %T, want welcomeMessage", msgs[0])
	}
	if welcome.ClientID != 1 || welcome.TotalClients != 1 || welcome.PeersInRoom != 0 {
		t.Fatalf("welcome=%+v, want clientId=1 total=1 peersInRoom=0", welcome)
	}

	connB := &testConn{}
	join(t, rt, connB, "bob", "lobby")

	welcomeB := connB.messages()[0].(welcomeMessage)
	if welcomeB.ClientID != 2 || welcomeB.TotalClients != 2 || welcomeB.PeersInRoom != 1 {
		t.Fatalf("welcome=%+v, want clientId=2 total=2 peersInRoom=1", welcomeB)
	}

	msgsA := connA.messages()
	if len(msgsA) != 2 {
		t.Fatalf("alice received %d messages after bob joined, want 2", len(msgsA))
	}
	pc, ok := msgsA[1].(peerConnectedMessage)
	if !ok {
		t.Fatalf("second message %T, want peerConnectedMessage", msgsA[1])
	}
	if pc.ClientID != 2 || pc.PeerName != "bob" || pc.TotalClients != 2 || pc.PeersInRoom != 2 {
		t.Fatalf("peer-connected=%+v, want clientId=2 name=bob total=2 peersInRoom=2", pc)
	}
}

func TestJoinHandshake_RoomScoped(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	connA := &testConn{}
	join(t, rt, connA, "alice", "red")

	connB := &testConn{}
	join(t, rt, connB, "bob", "blue")

	// Alice must not hear about a join in another room.
	if got := len(connA.messages()); got != 1 {
		t.Fatalf("alice received %d messages, want 1 (welcome only)", got)
	}
	welcomeB := connB.messages()[0].(welcomeMessage)
	if welcomeB.TotalClients != 2 || welcomeB.PeersInRoom != 0 {
		t.Fatalf("welcome=%+v, want total=2 peersInRoom=0", welcomeB)
	}
}

func TestJoinHandshake_DefaultRoomAndName(t *testing.T) {
	rt, _, reg := newTestRouter(t)

	conn := &testConn{}
	s := rt.NewSession(conn)
	if err := s.HandleMessage([]byte(`{}`)); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	p, ok := reg.Peer(1)
	if !ok {
		t.Fatalf("peer not registered")
	}
	if p.Room != registry.DefaultRoom {
		t.Fatalf("room=%q, want %q", p.Room, registry.DefaultRoom)
	}
	if p.Name != "Client 1" {
		t.Fatalf("name=%q, want %q", p.Name, "Client 1")
	}
}

func TestJoinHandshake_ImmediateNegotiation(t *testing.T) {
	rt, m, _ := newTestRouter(t)

	connA := &testConn{}
	join(t, rt, connA, "alice", "lobby")

	connB := &testConn{}
	s := rt.NewSession(connB)
	err := s.HandleMessage([]byte(`{"type":"offer","peerName":"bob","roomId":"lobby","targetId":1,"sdp":"v=0"}`))
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}

	msgsA := connA.messages()
	if len(msgsA) != 3 {
		t.Fatalf("alice received %d messages, want 3 (welcome, peer-connected, offer)", len(msgsA))
	}
	fwd, ok := msgsA[2].(map[string]any)
	if !ok {
		t.Fatalf("third message %T, want forwarded map", msgsA[2])
	}
	if fwd["type"] != "offer" || fwd["sdp"] != "v=0" || fwd["senderId"] != uint64(2) {
		t.Fatalf("forwarded=%v, want offer from senderId=2", fwd)
	}
	if got := m.Get(metrics.MessageForwarded); got != 1 {
		t.Fatalf("forwarded counter=%d, want 1", got)
	}
}

func TestTargetedForward(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	connA := &testConn{}
	sA := join(t, rt, connA, "alice", "lobby")
	connB := &testConn{}
	join(t, rt, connB, "bob", "lobby")
	connC := &testConn{}
	join(t, rt, connC, "carol", "lobby")

	if err := sA.HandleMessage([]byte(`{"type":"ice-candidate","targetId":2,"candidate":"c=..."}`)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	msgsB := connB.messages()
	last, ok := msgsB[len(msgsB)-1].(map[string]any)
	if !ok {
		t.Fatalf("bob's last message %T, want forwarded map", msgsB[len(msgsB)-1])
	}
	if last["candidate"] != "c=..." || last["senderId"] != uint64(1) {
		t.Fatalf("forwarded=%v, want candidate from senderId=1", last)
	}

	// Carol must not see the targeted message.
	for _, v := range connC.messages() {
		if m, ok := v.(map[string]any); ok && m["type"] == "ice-candidate" {
			t.Fatalf("targeted message leaked to third peer: %v", m)
		}
	}
}

func TestTargetedForward_StringTargetID(t *testing.T) {
	rt, m, _ := newTestRouter(t)

	connA := &testConn{}
	sA := join(t, rt, connA, "alice", "lobby")
	connB := &testConn{}
	join(t, rt, connB, "bob", "lobby")

	if err := sA.HandleMessage([]byte(`{"type":"answer","targetId":"2"}`)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got := m.Get(metrics.MessageForwarded); got != 1 {
		t.Fatalf("forwarded counter=%d, want 1", got)
	}
}

func TestTargetedForward_SilentDrops(t *testing.T) {
	rt, m, _ := newTestRouter(t)

	connA := &testConn{}
	sA := join(t, rt, connA, "alice", "red")
	connB := &testConn{}
	join(t, rt, connB, "bob", "blue")

	// Cross-room target.
	if err := sA.HandleMessage([]byte(`{"type":"offer","targetId":2}`)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got := m.Get("message_dropped_" + metrics.DropReasonTargetCrossRoom); got != 1 {
		t.Fatalf("cross-room drop counter=%d, want 1", got)
	}

	// Nonexistent target.
	if err := sA.HandleMessage([]byte(`{"type":"offer","targetId":99}`)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got := m.Get("message_dropped_" + metrics.DropReasonTargetNotFound); got != 1 {
		t.Fatalf("not-found drop counter=%d, want 1", got)
	}

	// No error replies to the sender in either case.
	if got := len(connA.messages()); got != 1 {
		t.Fatalf("alice received %d messages, want 1 (welcome only)", got)
	}
	// Bob saw nothing beyond his welcome.
	if got := len(connB.messages()); got != 1 {
		t.Fatalf("bob received %d messages, want 1 (welcome only)", got)
	}
}

func TestBroadcastNegotiation(t *testing.T) {
	rt, m, _ := newTestRouter(t)

	connA := &testConn{}
	sA := join(t, rt, connA, "alice", "lobby")
	connB := &testConn{}
	join(t, rt, connB, "bob", "lobby")
	connC := &testConn{}
	join(t, rt, connC, "carol", "other")

	if err := sA.HandleMessage([]byte(`{"type":"offer","sdp":"v=0"}`)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	msgsB := connB.messages()
	last, ok := msgsB[len(msgsB)-1].(map[string]any)
	if !ok || last["type"] != "offer" || last["senderId"] != uint64(1) {
		t.Fatalf("bob's last message=%v, want broadcast offer from 1", msgsB[len(msgsB)-1])
	}

	for _, v := range connC.messages() {
		if mm, ok := v.(map[string]any); ok && mm["type"] == "offer" {
			t.Fatalf("broadcast crossed rooms: %v", mm)
		}
	}
	// Sender is excluded from its own broadcast.
	for _, v := range connA.messages() {
		if mm, ok := v.(map[string]any); ok && mm["type"] == "offer" {
			t.Fatalf("sender received its own broadcast: %v", mm)
		}
	}
	if got := m.Get(metrics.MessageBroadcast); got != 1 {
		t.Fatalf("broadcast counter=%d, want 1", got)
	}
}

func TestChatRelay_NormalizedShape(t *testing.T) {
	rt, m, _ := newTestRouter(t)

	connA := &testConn{}
	sA := join(t, rt, connA, "alice", "lobby")
	connB := &testConn{}
	join(t, rt, connB, "bob", "lobby")

	raw := `{"type":"chat","text":"hi","senderName":"Alice","timestamp":1700000000,"senderId":999,"junk":"x"}`
	if err := sA.HandleMessage([]byte(raw)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	msgsB := connB.messages()
	chat, ok := msgsB[len(msgsB)-1].(chatMessage)
	if !ok {
		t.Fatalf("bob's last message %T, want chatMessage", msgsB[len(msgsB)-1])
	}
	if chat.Text != "hi" || chat.SenderName != "Alice" {
		t.Fatalf("chat=%+v, want text=hi senderName=Alice", chat)
	}
	if chat.SenderID != 1 {
		t.Fatalf("senderId=%d, want 1 (spoofed value must be replaced)", chat.SenderID)
	}
	if chat.Timestamp != float64(1700000000) {
		t.Fatalf("timestamp=%v, want passthrough", chat.Timestamp)
	}
	if got := m.Get(metrics.ChatRelayed); got != 1 {
		t.Fatalf("chat counter=%d, want 1", got)
	}
}

func TestChatRelay_TargetIDIgnored(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	connA := &testConn{}
	sA := join(t, rt, connA, "alice", "lobby")
	connB := &testConn{}
	join(t, rt, connB, "bob", "lobby")
	connC := &testConn{}
	join(t, rt, connC, "carol", "lobby")

	// Chat is always a room broadcast, even with a targetId on it.
	if err := sA.HandleMessage([]byte(`{"type":"chat","text":"hi","targetId":2}`)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	for _, conn := range []*testConn{connB, connC} {
		msgs := conn.messages()
		if _, ok := msgs[len(msgs)-1].(chatMessage); !ok {
			t.Fatalf("last message %T, want chatMessage for every room member", msgs[len(msgs)-1])
		}
	}
}

func TestChatRelay_SenderNameFallback(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	connA := &testConn{}
	sA := join(t, rt, connA, "alice", "lobby")
	connB := &testConn{}
	join(t, rt, connB, "bob", "lobby")

	if err := sA.HandleMessage([]byte(`{"type":"chat","text":"yo"}`)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	msgsB := connB.messages()
	chat := msgsB[len(msgsB)-1].(chatMessage)
	if chat.SenderName != "alice" {
		t.Fatalf("senderName=%q, want registry fallback %q", chat.SenderName, "alice")
	}
}

func TestGetPeers(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	connA := &testConn{}
	sA := join(t, rt, connA, "alice", "lobby")
	connB := &testConn{}
	join(t, rt, connB, "bob", "lobby")
	connC := &testConn{}
	join(t, rt, connC, "carol", "other")

	if err := sA.HandleMessage([]byte(`{"type":"get-peers"}`)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	msgsA := connA.messages()
	list, ok := msgsA[len(msgsA)-1].(peerListMessage)
	if !ok {
		t.Fatalf("alice's last message %T, want peerListMessage", msgsA[len(msgsA)-1])
	}
	if len(list.Peers) != 1 || list.Peers[0] != 2 {
		t.Fatalf("peers=%v, want [2]", list.Peers)
	}
}

func TestGetPeers_EmptyRoomIsEmptyList(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	connA := &testConn{}
	sA := join(t, rt, connA, "alice", "lobby")

	if err := sA.HandleMessage([]byte(`{"type":"get-peers"}`)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	msgsA := connA.messages()
	list := msgsA[len(msgsA)-1].(peerListMessage)
	if list.Peers == nil || len(list.Peers) != 0 {
		t.Fatalf("peers=%#v, want empty non-nil slice", list.Peers)
	}
}

func TestNameUpdateOnLaterMessage(t *testing.T) {
	rt, _, reg := newTestRouter(t)

	connA := &testConn{}
	sA := join(t, rt, connA, "alice", "lobby")

	if err := sA.HandleMessage([]byte(`{"type":"get-peers","peerName":"alice2"}`)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	p, _ := reg.Peer(1)
	if p.Name != "alice2" {
		t.Fatalf("name=%q, want %q", p.Name, "alice2")
	}
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	rt, m, reg := newTestRouter(t)

	connA := &testConn{}
	sA := join(t, rt, connA, "alice", "lobby")

	if err := sA.HandleMessage([]byte(`{not json`)); err != nil {
		t.Fatalf("HandleMessage returned error for malformed input: %v", err)
	}
	if connA.isClosed() {
		t.Fatalf("connection closed on malformed input")
	}
	if reg.Count() != 1 {
		t.Fatalf("peer deregistered on malformed input")
	}
	if got := m.Get("message_dropped_" + metrics.DropReasonBadMessage); got != 1 {
		t.Fatalf("bad-message drop counter=%d, want 1", got)
	}
}

func TestUnknownTypeDropped(t *testing.T) {
	rt, m, _ := newTestRouter(t)

	connA := &testConn{}
	sA := join(t, rt, connA, "alice", "lobby")
	connB := &testConn{}
	join(t, rt, connB, "bob", "lobby")

	if err := sA.HandleMessage([]byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got := m.Get("message_dropped_" + metrics.DropReasonUnknownType); got != 1 {
		t.Fatalf("unknown-type drop counter=%d, want 1", got)
	}
	if got := len(connB.messages()); got != 1 {
		t.Fatalf("bob received %d messages, want 1 (welcome only, no relay of unknown types)", got)
	}
}

func TestClose_NotifiesRoomOnce(t *testing.T) {
	rt, _, reg := newTestRouter(t)

	connA := &testConn{}
	sA := join(t, rt, connA, "alice", "lobby")
	connB := &testConn{}
	join(t, rt, connB, "bob", "lobby")

	if err := sA.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sA.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if reg.Count() != 1 {
		t.Fatalf("count=%d after close, want 1", reg.Count())
	}
	if !connA.isClosed() {
		t.Fatalf("transport not closed")
	}

	var disconnects int
	for _, v := range connB.messages() {
		if pd, ok := v.(peerDisconnectedMessage); ok {
			disconnects++
			if pd.ClientID != 1 || pd.TotalClients != 1 || pd.PeersInRoom != 1 {
				t.Fatalf("peer-disconnected=%+v, want clientId=1 total=1 peersInRoom=1", pd)
			}
		}
	}
	if disconnects != 1 {
		t.Fatalf("bob saw %d peer-disconnected messages, want exactly 1", disconnects)
	}
}

func TestClose_BeforeHandshake(t *testing.T) {
	rt, _, reg := newTestRouter(t)

	conn := &testConn{}
	s := rt.NewSession(conn)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !conn.isClosed() {
		t.Fatalf("transport not closed")
	}
	if reg.Count() != 0 {
		t.Fatalf("count=%d, want 0", reg.Count())
	}
}

func TestBroadcast_FailedRecipientGetsImplicitDisconnect(t *testing.T) {
	rt, _, reg := newTestRouter(t)

	connA := &testConn{}
	sA := join(t, rt, connA, "alice", "lobby")
	connB := &testConn{}
	join(t, rt, connB, "bob", "lobby")
	connC := &testConn{}
	join(t, rt, connC, "carol", "lobby")

	connB.mu.Lock()
	connB.sendErr = errors.New("broken pipe")
	connB.mu.Unlock()

	if err := sA.HandleMessage([]byte(`{"type":"offer"}`)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	// Carol still got the offer despite bob's dead connection.
	msgsC := connC.messages()
	last, ok := msgsC[len(msgsC)-1].(map[string]any)
	if !ok || last["type"] != "offer" {
		t.Fatalf("carol's last message=%v, want the offer", msgsC[len(msgsC)-1])
	}

	// Bob was treated as disconnected.
	if !connB.isClosed() {
		t.Fatalf("failed recipient's transport not closed")
	}
	if _, ok := reg.Peer(2); ok {
		t.Fatalf("failed recipient still registered")
	}
	if reg.RoomCount("lobby") != 2 {
		t.Fatalf("room count=%d, want 2", reg.RoomCount("lobby"))
	}

	// And the survivors heard about it.
	var sawDisconnect bool
	for _, v := range connC.messages() {
		if pd, ok := v.(peerDisconnectedMessage); ok && pd.ClientID == 2 {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Fatalf("no peer-disconnected for the failed recipient")
	}
}
