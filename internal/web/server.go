package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/dopejs/bgproxy/internal/proxy"
	"github.com/gorilla/websocket"
)

// Options wires the admin server to the running proxy. Any field may be nil;
// the matching endpoints then answer with empty data.
type Options struct {
	Pool         *proxy.Pool
	Checker      *proxy.HealthChecker
	Store        *proxy.LogDB
	Events       *proxy.EventBus
	PasswordHash string
}

// Server is the admin API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *log.Logger
	version    string
	auth       *AuthManager
	keys       *KeyPair
	upgrader   websocket.Upgrader

	pool         *proxy.Pool
	checker      *proxy.HealthChecker
	store        *proxy.LogDB
	events       *proxy.EventBus
	passwordHash string

	mu   sync.Mutex
	addr string
	stop chan struct{}
}

// NewServer creates an admin server that will listen on addr.
func NewServer(version, addr string, opts Options, logger *log.Logger) *Server {
	s := &Server{
		logger:       logger,
		version:      version,
		auth:         NewAuthManager(),
		pool:         opts.Pool,
		checker:      opts.Checker,
		store:        opts.Store,
		events:       opts.Events,
		passwordHash: opts.PasswordHash,
		addr:         addr,
		stop:         make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: sameOrigin,
		},
	}
	if kp, err := GenerateKeyPair(); err == nil {
		s.keys = kp
	} else {
		logger.Printf("admin: login key unavailable, encrypted passwords disabled: %v", err)
	}

	s.mux = http.NewServeMux()

	// Auth routes (accessible without authentication)
	s.mux.HandleFunc("/api/v1/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/v1/auth/logout", s.handleLogout)
	s.mux.HandleFunc("/api/v1/auth/check", s.handleAuthCheck)
	s.mux.HandleFunc("/api/v1/auth/pubkey", s.handlePubKey)

	// API routes
	s.mux.HandleFunc("/api/v1/health", s.handleHealth)
	s.mux.HandleFunc("/api/v1/pool", s.handlePool)
	s.mux.HandleFunc("/api/v1/metrics", s.handleMetrics)
	s.mux.HandleFunc("/api/v1/metrics/latency", s.handleLatency)
	s.mux.HandleFunc("/api/v1/attempts", s.handleAttempts)
	s.mux.HandleFunc("/api/v1/events", s.handleEvents)
	s.mux.HandleFunc("/api/v1/events/ws", s.handleEventsWS)

	s.httpServer = &http.Server{
		Handler: s.securityHeaders(s.authMiddleware(s.mux)),
	}
	return s
}

// HandleFunc registers an additional handler on the server's mux.
// Must be called before Start().
func (s *Server) HandleFunc(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

// Handler returns the fully wrapped admin handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen binds the admin address and serves in the background. It returns
// the bound address.
func (s *Server) Listen() (string, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return "", fmt.Errorf("admin listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go s.auth.sessionCleanupLoop(s.stop)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("admin server error: %v", err)
		}
	}()
	s.logger.Printf("admin API listening on %s", ln.Addr())
	return ln.Addr().String(), nil
}

// Addr returns the configured or bound address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown gracefully stops the server and closes open event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	return s.httpServer.Shutdown(ctx)
}

// securityHeaders adds security response headers.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

// --- helpers ---

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
