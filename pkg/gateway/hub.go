// Package gateway terminates client WebSocket connections and routes each
// one to its session relay. It owns the token-to-session mapping; the
// relay itself never sees another session's state.
package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/voicebridge/voicebridge/internal/telemetry"
	"github.com/voicebridge/voicebridge/pkg/protocol"
	"github.com/voicebridge/voicebridge/pkg/relay"
	"github.com/voicebridge/voicebridge/pkg/upstream"
)

// Config configures the hub.
type Config struct {
	// Upstream is the per-session connector template; each session gets
	// its own client built from it.
	Upstream upstream.Config

	Verifier   relay.Verifier
	Accounting relay.Accounting

	// BufferLimit caps each session's pending-message queue; 0 means
	// unbounded.
	BufferLimit int

	VerifyTimeout time.Duration
	FlushTimeout  time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Hub manages WebSocket sessions from clients.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*relay.Session // keyed by session token

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// NewConnector builds the upstream connector for one session.
	// Overridable in tests.
	NewConnector func(logger *slog.Logger) relay.Connector

	// Stats
	sessionsStarted  atomic.Uint64
	sessionsClosed   atomic.Uint64
	messagesReceived atomic.Uint64
}

// NewHub creates a new session hub.
func NewHub(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "gateway.hub"),
		sessions: make(map[string]*relay.Session),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.NewConnector = func(logger *slog.Logger) relay.Connector {
		ucfg := cfg.Upstream
		ucfg.Logger = logger
		return upstream.New(ucfg)
	}
	return h
}

// RegisterRoutes registers the WebSocket session route on a Fiber app.
// The upgrade middleware rejects non-upgrade requests with 426 and
// tokenless requests with 400 before the socket is accepted.
func (h *Hub) RegisterRoutes(app *fiber.App) {
	app.Use("/v1/session", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		token := bearerToken(c.Get(fiber.HeaderAuthorization))
		if token == "" {
			// Browser WebSocket clients cannot set headers; accept the
			// query form as a fallback.
			token = c.Query("token")
		}
		if token == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing session token")
		}
		c.Locals("token", token)
		return c.Next()
	})

	app.Get("/v1/session", websocket.New(h.handleSession))
}

// handleSession owns one client connection: it builds the session relay,
// pumps inbound frames into it, and waits for the shutdown protocol to
// finish before releasing the socket.
func (h *Hub) handleSession(c *websocket.Conn) {
	token, _ := c.Locals("token").(string)
	connID := uuid.NewString()
	logger := h.logger.With("conn_id", connID)

	h.mu.Lock()
	if _, exists := h.sessions[token]; exists {
		h.mu.Unlock()
		logger.Warn("rejecting duplicate session for token")
		_ = c.WriteMessage(websocket.TextMessage,
			protocol.NewErrorFrame(relay.TypeAuthorization, "session already active"))
		c.Close()
		return
	}

	sess := relay.New(relay.Config{
		Token:         token,
		Client:        c,
		Connector:     h.NewConnector(logger),
		Verifier:      h.cfg.Verifier,
		Accounting:    h.cfg.Accounting,
		Logger:        logger,
		BufferLimit:   h.cfg.BufferLimit,
		VerifyTimeout: h.cfg.VerifyTimeout,
		FlushTimeout:  h.cfg.FlushTimeout,
	})
	h.sessions[token] = sess
	count := len(h.sessions)
	h.mu.Unlock()

	h.sessionsStarted.Add(1)
	h.cfg.Metrics.SessionStarted(h.ctx)
	logger.Info("client connected", "sessions", count)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		sess.Run(h.ctx)
	}()

	for {
		messageType, data, err := c.ReadMessage()
		if err != nil {
			sess.ClientClosed()
			break
		}
		h.messagesReceived.Add(1)
		h.cfg.Metrics.MessageRelayed(h.ctx, "client_to_upstream")
		sess.HandleClientMessage(messageType, data)
	}

	// Let the relay finish its shutdown protocol before fiber reclaims
	// the connection.
	<-sess.Done()

	h.mu.Lock()
	delete(h.sessions, token)
	count = len(h.sessions)
	h.mu.Unlock()

	h.sessionsClosed.Add(1)
	sum := sess.Summary()
	h.cfg.Metrics.SessionClosed(context.Background(), sum.Reason)
	h.cfg.Metrics.TokensMetered(context.Background(), sum.InputTokens, sum.OutputTokens)
	logger.Info("session finished",
		"reason", sum.Reason,
		"total_tokens", sum.TotalTokens,
		"messages_to_upstream", sum.MessagesToUpstream,
		"messages_to_client", sum.MessagesToClient,
		"transcript_entries", len(sum.Transcript),
		"sessions", count,
	)
}

// Shutdown terminates all live sessions and waits for them to finish,
// up to the context deadline.
func (h *Hub) Shutdown(ctx context.Context) bool {
	h.cancel()

	doneCh := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		return true
	case <-ctx.Done():
		return false
	}
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Session returns the live session for a token, or nil.
func (h *Hub) Session(token string) *relay.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[token]
}

// Stats contains hub statistics.
type Stats struct {
	ActiveSessions   int    `json:"active_sessions"`
	SessionsStarted  uint64 `json:"sessions_started"`
	SessionsClosed   uint64 `json:"sessions_closed"`
	MessagesReceived uint64 `json:"messages_received"`
}

// GetStats returns hub statistics.
func (h *Hub) GetStats() Stats {
	return Stats{
		ActiveSessions:   h.SessionCount(),
		SessionsStarted:  h.sessionsStarted.Load(),
		SessionsClosed:   h.sessionsClosed.Load(),
		MessagesReceived: h.messagesReceived.Load(),
	}
}

// RegisterAPIRoutes registers session management routes.
func (h *Hub) RegisterAPIRoutes(api fiber.Router) {
	sessions := api.Group("/sessions")

	sessions.Get("/", func(c *fiber.Ctx) error {
		h.mu.RLock()
		states := make([]string, 0, len(h.sessions))
		for _, s := range h.sessions {
			states = append(states, s.State().String())
		}
		h.mu.RUnlock()
		return c.JSON(fiber.Map{
			"count":  len(states),
			"states": states,
		})
	})

	sessions.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(h.GetStats())
	})
}

// bearerToken extracts the credential from an Authorization header.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
