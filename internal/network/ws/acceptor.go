package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/realmgate/internal/config"
	"github.com/cory-johannsen/realmgate/internal/network/conn"
)

// Registrar hands out connection ids and takes ownership of new connections.
// *registry.Registry implements it; registering a connection starts
// admission.
type Registrar interface {
	NextID() string
	Register(c *conn.Connection)
}

// Acceptor upgrades HTTP requests on the configured path to WebSocket
// connections, registers each one and runs its read loop.
type Acceptor struct {
	cfg      config.NetworkConfig
	reg      Registrar
	opts     conn.Options
	logger   *zap.Logger
	upgrader websocket.Upgrader

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	live     map[string]*conn.Connection
}

// NewAcceptor creates a WebSocket acceptor.
//
// Precondition: reg and logger must be non-nil. opts supplies the per-connection
// limits; its Logger is replaced by logger.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.NetworkConfig, reg Registrar, opts conn.Options, logger *zap.Logger) *Acceptor {
	opts.Logger = logger
	return &Acceptor{
		cfg:    cfg,
		reg:    reg,
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Game clients are served from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		live: make(map[string]*conn.Connection),
	}
}

// OptionsFromConfig maps the network section onto per-connection options.
func OptionsFromConfig(cfg config.NetworkConfig) conn.Options {
	return conn.Options{
		IdleTimeout:       cfg.IdleTimeout,
		DedupWindow:       cfg.DedupWindow,
		MessageRateLimit:  cfg.MessageRateLimit,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Debug:             cfg.Debug,
	}
}

// ListenAndServe starts the HTTP listener and serves upgrades until Stop is
// called. This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.Path, a.serveWS)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.mu.Lock()
	a.listener = listener
	a.server = server
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

func (a *Acceptor) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		a.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	if a.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(a.cfg.MaxMessageBytes)
	}

	c := conn.New(a.reg.NextID(), remoteHost(r.RemoteAddr), NewTransport(ws, a.cfg.WriteTimeout), a.opts)
	if !a.track(c) {
		c.Close(conn.ReasonNone, true)
		return
	}
	defer a.untrack(c)

	start := time.Now()
	a.reg.Register(c)
	err = readLoop(ws, c)
	c.TransportClosed(err)
	c.Logger().Debug("read loop ended", zap.Duration("duration", time.Since(start)))
}

// readLoop feeds every data frame to c until the socket fails or closes.
func readLoop(ws *websocket.Conn, c *conn.Connection) error {
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		c.HandleIncoming(data)
	}
}

func (a *Acceptor) track(c *conn.Connection) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return false
	}
	a.wg.Add(1)
	a.live[c.ID()] = c
	return true
}

func (a *Acceptor) untrack(c *conn.Connection) {
	a.mu.Lock()
	delete(a.live, c.ID())
	a.mu.Unlock()
	a.wg.Done()
}

// remoteHost strips the port so per-address limits apply per client host.
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Stop closes the listener, force-closes every live connection and waits for
// their read loops to exit.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	server := a.server
	live := make([]*conn.Connection, 0, len(a.live))
	for _, c := range a.live {
		live = append(live, c)
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		a.logger.Warn("shutting down http server", zap.Error(err))
	}
	for _, c := range live {
		c.Close(conn.ReasonNone, true)
	}
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped", zap.Int("closed", len(live)))
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// LiveCount returns the number of connections whose read loop is running.
func (a *Acceptor) LiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
