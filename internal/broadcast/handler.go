package broadcast

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/consultq/internal/domain"
)

// Config tunes connection handling.
type Config struct {
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	EventTimeout     time.Duration
	AllowedOrigins   []string
	Development      bool
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = 10 * time.Second
	}
	return c
}

// Handler upgrades HTTP requests and runs one session per connection.
type Handler struct {
	hub      *Hub
	svc      Service
	auth     Authenticator
	cfg      Config
	clock    clockwork.Clock
	metrics  Metrics
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, svc Service, auth Authenticator, cfg Config, clock clockwork.Clock, m Metrics) *Handler {
	if m == nil {
		m = noopMetrics{}
	}
	cfg = cfg.withDefaults()
	return &Handler{
		hub:     hub,
		svc:     svc,
		auth:    auth,
		cfg:     cfg,
		clock:   clock,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(cfg.AllowedOrigins, cfg.Development),
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(64 * 1024)

	s := &session{
		conn:       conn,
		hub:        h.hub,
		svc:        h.svc,
		auth:       h.auth,
		cfg:        h.cfg,
		clock:      h.clock,
		metrics:    h.metrics,
		state:      StateConnecting,
		queueRooms: make(map[domain.Room]uuid.UUID),
	}
	s.serve(r.Context())
}
