package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshconf/meshconf/internal/metrics"
	"github.com/meshconf/meshconf/internal/origin"
	"github.com/meshconf/meshconf/internal/ratelimit"
)

const (
	wsWriteWait = 10 * time.Second

	defaultMaxMessageBytes   = int64(64 * 1024) // SDP bodies fit comfortably
	defaultMessagesPerSecond = 50
	defaultIdleTimeout       = 60 * time.Second
	defaultPingInterval      = 20 * time.Second

	sendQueueSize = 32
)

var (
	errConnClosed    = errors.New("signaling connection closed")
	errSendQueueFull = errors.New("signaling send queue full")
)

// WSConfig carries the per-connection hardening knobs for the transport.
type WSConfig struct {
	AllowedOrigins    []string
	MaxMessageBytes   int64
	MessagesPerSecond int
	IdleTimeout       time.Duration
	PingInterval      time.Duration
}

func (c WSConfig) withDefaults() WSConfig {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = defaultMessagesPerSecond
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	return c
}

// WebSocketServer upgrades signaling connections and pumps messages between
// the socket and the router. Each connection gets one reader goroutine (the
// HTTP handler itself) and one writer goroutine; the router only ever touches
// the buffered send queue.
type WebSocketServer struct {
	log      *slog.Logger
	router   *Router
	metrics  *metrics.Metrics
	cfg      WSConfig
	upgrader websocket.Upgrader
}

func NewWebSocketServer(router *Router, logger *slog.Logger, m *metrics.Metrics, cfg WSConfig) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &WebSocketServer{
		log:     logger,
		router:  router,
		metrics: m,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return origin.CheckRequest(r.Header.Get("Origin"), r.Host, cfg.AllowedOrigins)
			},
		},
	}
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	c := &wsConn{
		sock:         sock,
		send:         make(chan ServerMessage, sendQueueSize),
		done:         make(chan struct{}),
		pingInterval: s.cfg.PingInterval,
	}
	connID := s.router.Register(c)
	log := s.log.With("conn_id", connID, "remote_addr", sock.RemoteAddr().String())
	log.Debug("signaling connection open")

	go c.writePump()
	s.readLoop(connID, c, log)

	s.router.Disconnect(connID)
	c.close()
	log.Debug("signaling connection closed")
}

func (s *WebSocketServer) readLoop(connID string, c *wsConn, log *slog.Logger) {
	c.sock.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = c.sock.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	limiter := ratelimit.NewTokenBucket(ratelimit.RealClock{}, int64(s.cfg.MessagesPerSecond), int64(s.cfg.MessagesPerSecond))

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug("signaling read error", "err", err)
			}
			return
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if !limiter.Allow(1) {
			c.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := ParseClientMessage(data)
		if err != nil {
			// Malformed input is ignored; the connection stays open.
			s.metrics.Inc(metrics.InvalidMessages)
			log.Debug("ignoring invalid signaling message", "err", err)
			continue
		}

		s.router.Dispatch(connID, msg)
	}
}

// wsConn is the per-connection transport state handed to the router as a
// Sender. Send never blocks: a full queue means the consumer stopped reading,
// and the connection is torn down rather than stalling room broadcasts.
type wsConn struct {
	sock         *websocket.Conn
	send         chan ServerMessage
	done         chan struct{}
	closeOnce    sync.Once
	pingInterval time.Duration
}

func (c *wsConn) Send(msg ServerMessage) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.close()
		return errSendQueueFull
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.sock.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.sock.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.sock.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *wsConn) writeClose(code int, reason string) {
	_ = c.sock.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
