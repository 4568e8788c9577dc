package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"coordinator/internal/config"
	"coordinator/internal/protocol"
	"coordinator/internal/queue"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrSocketClosed is returned by Send on a closed socket.
var ErrSocketClosed = errors.New("socket closed")

// ErrSlowConsumer is returned when a socket's send buffer overflows. The
// socket is closed.
var ErrSlowConsumer = errors.New("socket send buffer full")

// SocketConfig tunes client and worker sockets.
type SocketConfig struct {
	SendBuffer   int           // outbound messages buffered per socket (default: 256)
	WriteTimeout time.Duration // per-frame write deadline (default: 10s)
	PongWait     time.Duration // read deadline refreshed by any frame (default: 60s)
	PingPeriod   time.Duration // control ping cadence, must be below PongWait (default: 50s)
}

// LoadSocketConfigFromEnv loads socket tuning from environment variables.
func LoadSocketConfigFromEnv() SocketConfig {
	cfg := SocketConfig{
		SendBuffer:   config.GetIntEnv("SOCKET_SEND_BUFFER", 256),
		WriteTimeout: config.GetDurationEnv("SOCKET_WRITE_TIMEOUT", 10*time.Second),
		PongWait:     config.GetDurationEnv("SOCKET_PONG_WAIT", 60*time.Second),
	}
	return cfg.withDefaults()
}

func (c SocketConfig) withDefaults() SocketConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 5 / 6
	}
	return c
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// socket is one attached client or worker. Outbound frames go through a
// buffered channel drained by a single writer goroutine.
type socket struct {
	id     string
	ws     *websocket.Conn
	cfg    SocketConfig
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newSocket(ws *websocket.Conn, cfg SocketConfig, logger *slog.Logger) *socket {
	id := uuid.NewString()
	return &socket{
		id:     id,
		ws:     ws,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		logger: logger.With("conn", id),
	}
}

func (s *socket) ID() string { return s.id }

// Send queues msg without blocking.
func (s *socket) Send(msg protocol.Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

func (s *socket) enqueue(data []byte) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		s.logger.Warn("Closing slow socket", "buffered", len(s.send))
		s.close()
		return ErrSlowConsumer
	}
}

func (s *socket) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ws.Close()
	})
}

func (s *socket) writeLoop() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("Socket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop feeds frames to c until the socket fails or ctx ends.
func (s *socket) readLoop(ctx context.Context, c *queue.Coordinator) {
	defer s.close()

	s.ws.SetReadLimit(maxRequestBodySize)
	extend := func() { _ = s.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait)) }
	extend()
	s.ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		typ, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Socket closed unexpectedly", "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		extend()
		if typ != websocket.TextMessage {
			continue
		}
		if string(data) == protocol.Ping {
			_ = s.enqueue([]byte(protocol.Pong))
			continue
		}

		var msg protocol.Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("Dropping malformed frame", "error", err)
			continue
		}
		c.HandleInbound(ctx, s, msg)
	}
}

// ServeSocket handles GET /v1/queues/{queue}/ws. Clients and workers share
// the endpoint; a socket becomes a worker by sending WorkerRegistration.
func (h *Handler) ServeSocket(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.Warn("WebSocket upgrade failed", "queue", c.Queue(), "error", err)
		return
	}

	s := newSocket(ws, h.socket, slog.With("component", "socket", "queue", c.Queue()))
	go s.writeLoop()
	go func() {
		select {
		case <-h.closing:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			s.close()
		case <-s.done:
		}
	}()

	c.Connect(s)
	s.logger.Debug("Socket attached")

	// The request context ends when the handler returns, so the socket
	// lives on its own context until the read loop exits.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	s.readLoop(ctx, c)

	c.Disconnect(ctx, s)
	s.logger.Debug("Socket detached")
}

// CloseSockets disconnects every attached socket. Hijacked connections are
// not closed by http.Server.Shutdown, so servers register this with
// RegisterOnShutdown.
func (h *Handler) CloseSockets() {
	h.closeOnce.Do(func() { close(h.closing) })
}

var _ queue.Conn = (*socket)(nil)
