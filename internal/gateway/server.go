// Package gateway is the protocol engine: it terminates operator
// WebSockets, speaks the JSON-RPC dialect over them, authorizes every
// method against the scope table, and fans server events out to the
// subscribed connections.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/wireclaw/wireclaw/internal/approval"
	"github.com/wireclaw/wireclaw/internal/audit"
	"github.com/wireclaw/wireclaw/internal/bus"
	"github.com/wireclaw/wireclaw/internal/config"
	"github.com/wireclaw/wireclaw/internal/identity"
	"github.com/wireclaw/wireclaw/internal/otel"
	"github.com/wireclaw/wireclaw/internal/persistence"
	"github.com/wireclaw/wireclaw/internal/scope"
	"github.com/wireclaw/wireclaw/internal/shared"
)

type Config struct {
	Logger    *slog.Logger
	Bus       *bus.Bus
	Approvals *approval.Coordinator
	Runner    AgentRunner
	Nodes     NodeInvoker
	Store     *persistence.Store
	Identity  identity.Provider

	Cfg     *config.Config
	HomeDir string

	// AllowOrigins controls accepted Origin headers for browser clients.
	// Empty means same-origin only.
	AllowOrigins []string

	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	router  *router
	limiter *limiter
	started time.Time

	liveCfg atomic.Pointer[config.Config]

	connsMu sync.RWMutex
	conns   map[string]*connection

	dropCount atomic.Int64

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		started:    time.Now(),
		conns:      map[string]*connection{},
		shutdownCh: make(chan struct{}),
	}
	s.liveCfg.Store(cfg.Cfg)

	rl := cfg.Cfg.RateLimit
	s.limiter = newLimiter(rl.Enabled, rl.RequestsPerMinute, rl.BurstSize)

	table := scope.NewTable(methodScopes())
	s.router = newRouter(table, s.limiter, logger, cfg.Metrics, cfg.Tracer)
	s.registerHandlers()

	cfg.Bus.OnDrop(func(eventType string) {
		s.dropCount.Add(1)
		if cfg.Metrics != nil {
			cfg.Metrics.BroadcastDrops.Add(context.Background(), 1)
		}
	})
	return s
}

func (s *Server) currentConfig() *config.Config {
	return s.liveCfg.Load()
}

// ApplyConfig swaps in a hot-reloaded configuration. Only the reloadable
// knobs take effect; bind address changes need a restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.liveCfg.Store(cfg)
	s.limiter.update(cfg.RateLimit.Enabled, cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.BurstSize)
	s.logger.Info("configuration applied", "fingerprint", cfg.Fingerprint())
}

// ShutdownRequested is closed when admin.shutdown was called.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// EvictStaleBuckets drops idle rate-limit buckets. Run from maintenance.
func (s *Server) EvictStaleBuckets(maxAge time.Duration) int {
	return s.limiter.evictStale(maxAge)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

func (s *Server) connectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Server) addConn(c *connection) {
	s.connsMu.Lock()
	s.conns[c.id] = c
	s.connsMu.Unlock()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveConnections.Add(context.Background(), 1)
	}
}

func (s *Server) removeConn(c *connection) {
	s.connsMu.Lock()
	delete(s.conns, c.id)
	s.connsMu.Unlock()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveConnections.Add(context.Background(), -1)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		dbOK = s.cfg.Store.Healthy(ctx)
		cancel()
	}
	payload := map[string]any{
		"healthy":           dbOK,
		"db_ok":             dbOK,
		"connections":       s.connectionCount(),
		"pending_approvals": s.cfg.Approvals.PendingCount(),
		"uptime_seconds":    int64(time.Since(s.started).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ident, err := s.resolveRequest(r)
	if err != nil || !scope.Allows(ident.Scopes, scope.Read) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	payload := map[string]any{
		"active_connections": s.connectionCount(),
		"subscribers":        s.cfg.Bus.SubscriberCount(),
		"pending_approvals":  s.cfg.Approvals.PendingCount(),
		"authz_denials":      audit.DenyCount(),
		"broadcast_drops":    s.dropCount.Load(),
		"alloc_bytes":        mem.Alloc,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// parseCredentials splits the Authorization header into its scheme and
// token. Both Bearer and DeviceToken are accepted.
func parseCredentials(r *http.Request) identity.Credentials {
	creds := identity.Credentials{
		ClientName: strings.TrimSpace(r.Header.Get("X-Client")),
		DeviceID:   strings.TrimSpace(r.Header.Get("X-Device-Id")),
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if scheme, token, ok := strings.Cut(authz, " "); ok {
		creds.Scheme = scheme
		creds.Token = strings.TrimSpace(token)
	}
	return creds
}

func (s *Server) resolveRequest(r *http.Request) (*identity.Identity, error) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	return s.cfg.Identity.Resolve(ctx, parseCredentials(r))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	c := newConnection(r.Context(), ws, s.logger)
	defer c.close(websocket.StatusNormalClosure, "bye")

	ctx := shared.WithConnectionID(c.ctx, c.id)
	ctx = shared.WithSessionID(ctx, c.sessionID)

	// Version negotiation happens before authentication; a major mismatch
	// is a handshake failure, not a per-call error.
	version, err := negotiateVersion(r.Header.Get("X-Protocol-Version"))
	if err != nil {
		c.logger.Warn("handshake rejected", "reason", err)
		s.handshakeFail(ctx, c, ErrCodeUnsupported, err.Error())
		return
	}
	c.protocolVersion = version
	c.clientName = strings.TrimSpace(r.Header.Get("X-Client"))
	c.deviceID = strings.TrimSpace(r.Header.Get("X-Device-Id"))

	if err := c.transition(stateAuthenticating); err != nil {
		return
	}
	ident, err := s.cfg.Identity.Resolve(ctx, parseCredentials(r))
	if err != nil {
		c.logger.Warn("authentication failed", "client", c.clientName)
		s.handshakeFail(ctx, c, ErrCodeUnauthorized, "authentication failed")
		return
	}
	c.setIdentity(ident)
	ctx = shared.WithSubject(ctx, ident.Subject)

	if err := c.transition(stateActive); err != nil {
		return
	}
	c.sub = s.cfg.Bus.Subscribe(bus.DefaultFilter()...)
	s.addConn(c)
	c.logger.Info("connection active",
		"subject", ident.Subject, "client", c.clientName, "protocol", version)

	defer func() {
		_ = c.transition(stateClosing)
		s.cfg.Bus.Unsubscribe(c.sub)
		s.removeConn(c)
		c.logger.Info("connection closed", "subject", ident.Subject)
	}()

	go c.writeLoop()
	go c.forwardEvents()

	_ = c.send(notification("system.welcome", map[string]any{
		"server_version":   serverVersion,
		"protocol_version": version,
		"session_id":       c.sessionID,
		"capabilities":     []string{"chat", "agents", "nodes", "canvas", "approvals", "config", "admin"},
	}))

	s.readLoop(ctx, c)
}

// handshakeFail sends one final error frame and closes. Best effort; the
// client may already be gone.
func (s *Server) handshakeFail(ctx context.Context, c *connection, code int, message string) {
	_ = c.transition(stateClosing)
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = wsjson.Write(writeCtx, c.ws, errorResponse(nil, code, message))
	cancel()
	c.close(websocket.StatusPolicyViolation, "handshake failed")
}

// readLoop decodes frames and dispatches each request on its own
// goroutine so a slow handler never blocks subsequent reads.
func (s *Server) readLoop(ctx context.Context, c *connection) {
	for {
		msgType, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = c.send(errorResponse(nil, ErrCodeParse, "parse error"))
			if c.recordMalformed() {
				c.logger.Warn("too many malformed frames, closing")
				c.close(websocket.StatusPolicyViolation, "malformed frames")
				return
			}
			continue
		}

		if !req.isNotification() {
			if err := c.beginRequest(req.ID); err != nil {
				_ = c.send(errorResponse(req.ID, ErrCodeInvalidRequest, err.Error()))
				continue
			}
		}

		reqCtx := shared.WithTraceID(ctx, shared.NewTraceID())
		go func(req rpcRequest) {
			resp := s.router.dispatch(reqCtx, c, &req)
			if !req.isNotification() {
				defer c.endRequest(req.ID)
			}
			if resp != nil {
				_ = c.send(resp)
			}
		}(req)
	}
}

// Shutdown closes every connection with a going-away frame and waits for
// the connection tasks to notice, up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) {
	s.cfg.Bus.Publish(bus.Event{
		Type:    bus.TypeSystemNotice,
		Payload: map[string]any{"notice": "server shutting down"},
		Time:    time.Now(),
	})
	// Give the notice a moment to drain through the write loops.
	time.Sleep(50 * time.Millisecond)

	s.connsMu.RLock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.RUnlock()

	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "server shutdown")
	}

	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for s.connectionCount() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}
