package web

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	sessionCookieName = "bgproxy_session"
	sessionMaxAge     = 24 * time.Hour
	minPasswordLength = 6
)

// AuthManager handles session-based authentication for the admin API.
type AuthManager struct {
	mu       sync.RWMutex
	sessions map[string]time.Time // token -> last accessed

	failMu   sync.Mutex
	failures map[string]*loginFailure // IP -> failure info
}

type loginFailure struct {
	count    int
	lastFail time.Time
}

// NewAuthManager creates a new auth manager.
func NewAuthManager() *AuthManager {
	return &AuthManager{
		sessions: make(map[string]time.Time),
		failures: make(map[string]*loginFailure),
	}
}

// HashPassword returns the bcrypt hash to put in admin.password_hash.
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", errPasswordTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// GeneratePassword creates a random 16-character password and its hash.
// The plaintext is for one-time display to the user.
func GeneratePassword() (password, hash string, err error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	password = hex.EncodeToString(b)[:16]
	hash, err = HashPassword(password)
	return password, hash, err
}

type authError string

func (e authError) Error() string { return string(e) }

const errPasswordTooShort = authError("password must be at least 6 characters")

func (s *Server) hasPassword() bool {
	return s.passwordHash != ""
}

// createSession generates a new session token and stores it.
func (am *AuthManager) createSession() string {
	b := make([]byte, 32)
	rand.Read(b)
	token := hex.EncodeToString(b)

	am.mu.Lock()
	am.sessions[token] = time.Now()
	am.mu.Unlock()

	return token
}

// validateSession checks if a session token is valid and not expired.
func (am *AuthManager) validateSession(token string) bool {
	if token == "" {
		return false
	}

	am.mu.Lock()
	defer am.mu.Unlock()
	lastAccess, ok := am.sessions[token]
	if !ok {
		return false
	}
	if time.Since(lastAccess) > sessionMaxAge {
		delete(am.sessions, token)
		return false
	}
	am.sessions[token] = time.Now()
	return true
}

// deleteSession removes a session token.
func (am *AuthManager) deleteSession(token string) {
	am.mu.Lock()
	delete(am.sessions, token)
	am.mu.Unlock()
}

// CleanExpired removes expired sessions. Called periodically.
func (am *AuthManager) CleanExpired() {
	am.mu.Lock()
	defer am.mu.Unlock()
	now := time.Now()
	for token, lastAccess := range am.sessions {
		if now.Sub(lastAccess) > sessionMaxAge {
			delete(am.sessions, token)
		}
	}
}

// sessionCleanupLoop runs CleanExpired hourly until stop is closed.
func (am *AuthManager) sessionCleanupLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			am.CleanExpired()
		case <-stop:
			return
		}
	}
}

// checkBruteForce returns how long the client should wait before
// attempting login, based on past failures from this IP.
func (am *AuthManager) checkBruteForce(ip string) time.Duration {
	am.failMu.Lock()
	defer am.failMu.Unlock()

	f, ok := am.failures[ip]
	if !ok || f.count == 0 {
		return 0
	}

	// Reset after 10 minutes of no failures
	if time.Since(f.lastFail) > 10*time.Minute {
		delete(am.failures, ip)
		return 0
	}

	// Exponential backoff: 2^count seconds, max 30s
	delay := time.Duration(math.Min(math.Pow(2, float64(f.count)), 30)) * time.Second
	elapsed := time.Since(f.lastFail)
	if elapsed >= delay {
		return 0
	}
	return delay - elapsed
}

// recordFailure increments the failure counter for an IP.
func (am *AuthManager) recordFailure(ip string) {
	am.failMu.Lock()
	defer am.failMu.Unlock()

	f, ok := am.failures[ip]
	if !ok {
		f = &loginFailure{}
		am.failures[ip] = f
	}
	f.count++
	f.lastFail = time.Now()
}

// resetFailures clears the failure counter for an IP.
func (am *AuthManager) resetFailures(ip string) {
	am.failMu.Lock()
	delete(am.failures, ip)
	am.failMu.Unlock()
}

// isLocalRequest checks whether the request originates from localhost.
// Returns false if X-Forwarded-For or X-Real-IP headers are present (reverse proxy).
func isLocalRequest(r *http.Request) bool {
	if r.Header.Get("X-Forwarded-For") != "" || r.Header.Get("X-Real-IP") != "" {
		return false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// clientIP extracts the client IP from the request.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

// authMiddleware enforces authentication. Local requests and the login and
// pubkey endpoints are always let through.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/auth/login" ||
			r.URL.Path == "/api/v1/auth/pubkey" ||
			r.URL.Path == "/api/v1/auth/check" {
			next.ServeHTTP(w, r)
			return
		}

		if isLocalRequest(r) || !s.hasPassword() {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(sessionCookieName)
		if err == nil && s.auth.validateSession(cookie.Value) {
			next.ServeHTTP(w, r)
			return
		}

		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

// handleLogin handles POST /api/v1/auth/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ip := clientIP(r)
	if delay := s.auth.checkBruteForce(ip); delay > 0 {
		w.Header().Set("Retry-After", time.Now().Add(delay).Format(time.RFC1123))
		writeError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if !s.hasPassword() {
		writeError(w, http.StatusForbidden, "no password configured")
		return
	}

	password, err := s.keys.MaybeDecrypt(req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid encrypted password")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err != nil {
		s.auth.recordFailure(ip)
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	s.auth.resetFailures(ip)
	token := s.auth.createSession()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.Header.Get("X-Forwarded-Proto") == "https",
		MaxAge:   int(sessionMaxAge.Seconds()),
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLogout handles POST /api/v1/auth/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.auth.deleteSession(cookie.Value)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuthCheck handles GET /api/v1/auth/check.
func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	local := isLocalRequest(r)
	authenticated := local || !s.hasPassword()
	if !authenticated {
		if cookie, err := r.Cookie(sessionCookieName); err == nil {
			authenticated = s.auth.validateSession(cookie.Value)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated":     authenticated,
		"password_required": s.hasPassword() && !local,
		"is_local":          local,
	})
}

// handlePubKey handles GET /api/v1/auth/pubkey.
func (s *Server) handlePubKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.keys == nil {
		writeError(w, http.StatusServiceUnavailable, "key not available")
		return
	}
	pemStr, err := s.keys.PublicKeyPEM()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": pemStr})
}
