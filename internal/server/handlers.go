package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/presencechat/internal/config"
	"github.com/Tyrowin/presencechat/internal/presence"
	"github.com/Tyrowin/presencechat/internal/store"
)

const (
	version         = "0.2.0"
	maxHistoryLimit = 200
)

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Config     *config.Config
	Hub        *Hub
	Dispatcher Dispatcher
	Registry   *presence.Registry
	Store      store.MessageStore
	Logger     zerolog.Logger
}

// Handlers serves the WebSocket endpoint and the JSON endpoints.
type Handlers struct {
	cfg        *config.Config
	hub        *Hub
	dispatcher Dispatcher
	registry   *presence.Registry
	store      store.MessageStore
	origins    *OriginPolicy
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewHandlers builds the handlers and their upgrader.
func NewHandlers(deps Deps) *Handlers {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}

	h := &Handlers{
		cfg:        cfg,
		hub:        deps.Hub,
		dispatcher: deps.Dispatcher,
		registry:   deps.Registry,
		store:      deps.Store,
		origins:    NewOriginPolicy(cfg.AllowedOrigins, deps.Logger),
		logger:     deps.Logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.CheckOrigin,
	}
	return h
}

// Origins exposes the origin policy, shared with CORS.
func (h *Handlers) Origins() *OriginPolicy {
	return h.origins
}

// JSON sends a JSON response with the given status code.
func (h *Handlers) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug().Err(err).Msg("error writing JSON response")
	}
}

// Error sends a JSON error response with the given status code.
func (h *Handlers) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// WebSocket upgrades the request and hands the connection to the hub.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := NewClient(conn, h.hub, h.dispatcher, r.RemoteAddr, h.cfg, h.logger)
	if !h.hub.Register(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
}

// Check is the status of one dependency.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string           `json:"status"` // "healthy" or "degraded"
	Version     string           `json:"version"`
	Connections int              `json:"connections"`
	UsersOnline int              `json:"users_online"`
	Checks      map[string]Check `json:"checks"`
	Timestamp   string           `json:"timestamp"`
}

// Health pings the message store and reports live counts.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	healthy := true

	if h.store != nil {
		start := time.Now()
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("store health check failed")
			checks["store"] = Check{Status: "fail", Message: "connection failed"}
			healthy = false
		} else {
			checks["store"] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
	} else {
		checks["store"] = Check{Status: "fail", Message: "not configured"}
		healthy = false
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	resp := HealthResponse{
		Status:    status,
		Version:   version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.hub != nil {
		resp.Connections = h.hub.ClientCount()
	}
	if h.registry != nil {
		resp.UsersOnline = h.registry.Count()
	}

	h.JSON(w, statusCode, resp)
}

// PresenceResponse is the body of GET /api/presence.
type PresenceResponse struct {
	Count int             `json:"count"`
	Users []presence.User `json:"users"`
}

// Presence lists joined users.
func (h *Handlers) Presence(w http.ResponseWriter, _ *http.Request) {
	users := h.registry.ListAll()
	h.JSON(w, http.StatusOK, PresenceResponse{Count: len(users), Users: users})
}

// HistoryResponse is the body of GET /api/history.
type HistoryResponse struct {
	Messages []store.Message `json:"messages"`
}

// History returns recent stored messages, oldest first. The limit query
// parameter must be between 1 and 200.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	limit := h.cfg.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxHistoryLimit {
			h.Error(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = parsed
	}

	if h.store == nil {
		h.JSON(w, http.StatusOK, HistoryResponse{Messages: []store.Message{}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Store.Timeout)
	defer cancel()

	messages, err := h.store.FetchRecent(ctx, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("error fetching history")
		h.Error(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}

	h.JSON(w, http.StatusOK, HistoryResponse{Messages: messages})
}
