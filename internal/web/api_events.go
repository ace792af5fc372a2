package web

import (
	"net/http"
	"net/url"
	"time"

	"github.com/dopejs/bgproxy/internal/proxy"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// handleEvents handles GET /api/v1/events. Without parameters it returns the
// in-memory recent events; with ?hours=N it reads the store.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if hours := queryInt(r, "hours", 0); hours > 0 && s.store != nil {
		events, err := s.store.QueryEvents(time.Now().Add(-time.Duration(hours)*time.Hour), queryInt(r, "limit", 100))
		if err != nil {
			s.logger.Printf("admin: query events: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to query events")
			return
		}
		if events == nil {
			events = []proxy.Event{}
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	events := s.events.Recent()
	if events == nil {
		events = []proxy.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleEventsWS handles GET /api/v1/events/ws - a live event stream.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.events.Subscribe(64)
	defer cancel()

	// The reader only handles control frames and notices the client leaving.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				_ = websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure)
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.stop:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}

// sameOrigin accepts requests without an Origin header (CLI clients) and
// browser requests whose Origin host matches the request host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}
