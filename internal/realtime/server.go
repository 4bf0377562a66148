package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ostapchuk/crmsync/internal/auth"
)

// Config holds server configuration.
type Config struct {
	// Port to listen on (0 picks a random free port).
	Port int

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// Server accepts WebSocket connections, authenticates the handshake, and
// hands verified principals to the connection registry. It also mounts the
// pull endpoints so push and pull share one listener.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	registry *Registry
	verifier *auth.Verifier
	api      http.Handler

	// ctx scopes every connection's read loop to the server lifetime, so
	// Stop can interrupt blocked reads.
	ctx    context.Context
	cancel context.CancelFunc

	logger *log.Logger
}

// NewServer creates the push/pull HTTP server.
//
// The api handler serves everything outside /ws and /health (the pull
// endpoint and the record write API); it may be nil when only the push
// channel is wanted (tests).
func NewServer(config *Config, registry *Registry, verifier *auth.Verifier, api http.Handler) *Server {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Server{
		addr:     fmt.Sprintf(":%d", config.Port),
		registry: registry,
		verifier: verifier,
		api:      api,
		logger:   logger,
	}
}

// Start begins listening and serving. Non-blocking; use Stop to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.api != nil {
		mux.Handle("/", s.api)
	}

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Printf("Server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server and all live connections. Shutdown
// leaves upgraded WebSocket connections alone, so live clients are torn down
// through the registry afterwards.
func (s *Server) Stop() error {
	s.logger.Println("Stopping server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)

	if s.cancel != nil {
		s.cancel()
	}
	s.registry.DisconnectAll()

	if err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// handleWebSocket authenticates the handshake and upgrades the connection.
// An invalid credential is refused before the upgrade: no room is joined and
// no partial state is created.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"), r.URL.Query().Get("token"))

	principal, err := s.verifier.Verify(token)
	if err != nil {
		s.logger.Printf("Handshake rejected: %v", err)
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client, err := s.registry.Connect(principal, &wsConn{conn: conn})
	if err != nil {
		s.logger.Printf("Failed to register connection: %v", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "connection refused")
		return
	}

	go s.readLoop(client, conn)
}

// readLoop keeps the WebSocket alive and tears the client down when the peer
// goes away. Client messages are not processed; the push channel is one-way.
func (s *Server) readLoop(client *Client, conn *websocket.Conn) {
	defer s.registry.Disconnect(client)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.registry.ClientCount(),
	})
}

// wsConn adapts a coder/websocket connection to the registry transport.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
