package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshwire/roomrelay/internal/metrics"
	"github.com/meshwire/roomrelay/internal/origin"
	"github.com/meshwire/roomrelay/internal/ratelimit"
)

const writeTimeout = 10 * time.Second

// ServerConfig carries the per-connection hardening knobs.
type ServerConfig struct {
	Origin               origin.Policy
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// Server terminates WebSocket connections and drives one Session per
// connection.
type Server struct {
	log      *slog.Logger
	router   *Router
	metrics  *metrics.Metrics
	cfg      ServerConfig
	upgrader websocket.Upgrader
}

func NewServer(log *slog.Logger, router *Router, m *metrics.Metrics, cfg ServerConfig) *Server {
	s := &Server{
		log:     log,
		router:  router,
		metrics: m,
		cfg:     cfg,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     cfg.Origin.CheckRequest,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug("websocket upgrade rejected", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}

	s.log.Debug("websocket connected", "remoteAddr", r.RemoteAddr)

	wc := &wsConn{conn: conn}
	sess := s.router.NewSession(wc)
	defer sess.Close()

	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(wc, stop)

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	bucket := ratelimit.NewTokenBucket(ratelimit.RealClock{},
		int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("websocket read error", "remoteAddr", r.RemoteAddr, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			// The protocol is JSON text; a binary frame means a broken client.
			s.metrics.Dropped(metrics.DropReasonBadMessage)
			s.log.Debug("closing on binary frame", "remoteAddr", r.RemoteAddr)
			return
		}
		if !bucket.Allow() {
			s.metrics.Dropped(metrics.DropReasonRateLimited)
			s.log.Warn("message rate limit exceeded", "remoteAddr", r.RemoteAddr)
			continue
		}
		if err := sess.HandleMessage(data); err != nil {
			s.log.Debug("closing session", "remoteAddr", r.RemoteAddr, "error", err)
			return
		}
	}
}

func (s *Server) pingLoop(c *wsConn, stop <-chan struct{}) {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// wsConn serializes writes to a gorilla connection. Control frames go
// through WriteControl, which gorilla allows concurrently with data
// writes.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *wsConn) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}
