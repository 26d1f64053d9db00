// Package gateway is the realtime WebSocket gateway. Many browser clients
// connect to one gateway; each connection can create, observe and drive any
// number of agent sessions, and run provider logins.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jholhewres/clawgate/pkg/clawgate/authflow"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/convlock"
	"github.com/jholhewres/clawgate/pkg/clawgate/session"
)

const (
	defaultAddress   = "127.0.0.1:8788"
	defaultQueueSize = 256
	readLimit        = 1 << 20
	writeTimeout     = 10 * time.Second
)

// Config configures the gateway listener.
type Config struct {
	// Address is the listen address.
	Address string

	// AuthToken is the shared secret clients must present. Empty disables
	// authentication.
	AuthToken string

	// StaticDir, when set, serves a browser client from this directory and
	// enables the same-origin check on upgrades.
	StaticDir string

	// QueueSize bounds each connection's outbound queue. A connection whose
	// queue overflows is closed.
	QueueSize int
}

// Gateway terminates client connections and multiplexes sessions over them.
type Gateway struct {
	cfg      Config
	registry *session.Registry
	locker   *convlock.Locker
	auth     *authflow.Controller
	logger   *slog.Logger

	// turns run on this context, not on the connection that started them
	baseCtx    context.Context
	baseCancel context.CancelFunc

	server    *http.Server
	listener  net.Listener
	startedAt time.Time

	mu        sync.Mutex
	conns     map[*conn]struct{}
	subs      map[session.Key]map[*conn]struct{}
	listeners map[session.Key]func()

	activity func(channels.Route)
}

// New creates a gateway and registers it as an observer of registry, so
// every session the registry opens gets exactly one event listener.
func New(cfg Config, registry *session.Registry, locker *convlock.Locker, auth *authflow.Controller, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = defaultAddress
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:        cfg,
		registry:   registry,
		locker:     locker,
		auth:       auth,
		logger:     logger.With("component", "gateway"),
		baseCtx:    ctx,
		baseCancel: cancel,
		startedAt:  time.Now(),
		conns:      make(map[*conn]struct{}),
		subs:       make(map[session.Key]map[*conn]struct{}),
		listeners:  make(map[session.Key]func()),
	}
	registry.AddObserver(g)
	return g
}

// OnActivity sets the function told about every prompt a client sends, with
// the route of the addressed conversation.
func (g *Gateway) OnActivity(fn func(channels.Route)) {
	g.mu.Lock()
	g.activity = fn
	g.mu.Unlock()
}

func (g *Gateway) touch(key session.Key) {
	g.mu.Lock()
	fn := g.activity
	g.mu.Unlock()
	if fn == nil {
		return
	}
	if route, ok := key.Route(); ok {
		route.At = time.Now()
		fn(route)
	}
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/", g.handleRoot)
	return securityHeaders(mux)
}

// Start listens on the configured address and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Address)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	g.listener = ln
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return g.baseCtx },
	}

	if g.cfg.AuthToken == "" && !isLoopbackAddr(g.cfg.Address) {
		g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address",
			"address", g.cfg.Address)
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String(), "static", g.cfg.StaticDir != "")
	return nil
}

// Addr returns the bound address once started.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return g.cfg.Address
	}
	return g.listener.Addr().String()
}

// Stop closes every connection and shuts the HTTP server down. Running
// turns are cancelled.
func (g *Gateway) Stop(ctx context.Context) error {
	g.logger.Info("gateway stopping...")
	g.mu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
	g.baseCancel()

	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

// Connections returns the number of open connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Subscribers returns how many connections receive events of key.
func (g *Gateway) Subscribers(key session.Key) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs[key])
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      uptime,
		"connections": g.Connections(),
		"sessions":    g.registry.Len(),
	})
}

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	if isUpgrade(r) {
		g.handleUpgrade(w, r)
		return
	}
	if g.cfg.StaticDir != "" {
		serveStatic(w, r, g.cfg.StaticDir)
		return
	}
	writeError(w, "websocket upgrade required", http.StatusUpgradeRequired)
}

func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if g.cfg.AuthToken != "" {
		token := extractToken(r)
		if token == "" || !compareTokens(token, g.cfg.AuthToken) {
			g.logger.Warn("rejected unauthenticated connection", "remote", r.RemoteAddr)
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if g.cfg.StaticDir != "" && !sameOrigin(r) {
		g.logger.Warn("rejected cross-origin connection", "origin", r.Header.Get("Origin"), "host", r.Host)
		writeError(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin is checked above when a browser client is served.
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Debug("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(readLimit)

	c := newConn(g.baseCtx, ws, g.cfg.QueueSize, g.logger)
	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()
	c.logger.Info("client connected", "remote", r.RemoteAddr)

	go c.writeLoop()
	defer g.dropConn(c)

	for {
		typ, data, err := ws.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && c.ctx.Err() == nil {
				c.logger.Debug("read error", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			g.reply(c, "", parseFailure("binary frames are not supported"))
			continue
		}
		g.handleFrame(c, data)
	}
}

// dropConn forgets c everywhere. Sessions it was watching stay alive.
func (g *Gateway) dropConn(c *conn) {
	c.close(websocket.StatusNormalClosure, "")
	g.mu.Lock()
	delete(g.conns, c)
	g.unsubscribeAllLocked(c)
	g.mu.Unlock()
	if g.auth != nil {
		g.auth.Drop(c.id)
	}
	c.logger.Info("client disconnected")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]any{"error": map[string]any{"message": msg, "code": code}})
}
