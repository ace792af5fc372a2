package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dopejs/bgproxy/internal/config"
)

// Identity headers added to successful responses.
const (
	HeaderUpstreamBackend = "X-Upstream-Backend"
	HeaderUpstreamRole    = "X-Upstream-Role"
	HeaderUpstreamPool    = "X-Upstream-Pool"
)

type ProxyServer struct {
	Dispatcher      *Dispatcher
	Logger          *log.Logger
	MaxBodyBytes    int64
	IdentityHeaders bool
}

func NewProxyServer(d *Dispatcher, logger *log.Logger) *ProxyServer {
	return &ProxyServer{
		Dispatcher:      d,
		Logger:          logger,
		MaxBodyBytes:    config.DefaultMaxBodyBytes,
		IdentityHeaders: true,
	}
}

func (s *ProxyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body io.Reader = r.Body
	if s.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)
	}
	bodyBytes, err := io.ReadAll(body)
	r.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeProxyError(w, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		case r.Context().Err() != nil:
			s.Logger.Printf("%s %s: client went away while sending body", r.Method, r.URL.Path)
		default:
			writeProxyError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		}
		return
	}

	res, err := s.Dispatcher.Dispatch(r.Context(), r, bodyBytes)
	if err != nil {
		if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
			s.Logger.Printf("%s %s: client went away, dispatch canceled", r.Method, r.URL.Path)
			return
		}
		s.Logger.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		writeProxyError(w, http.StatusBadGateway, "bad_gateway", "upstream unavailable")
		return
	}

	s.copyResponse(w, res)
}

// copyResponse streams a committed response. Once headers are written no
// other backend can be tried, so a broken upstream body aborts the client
// connection rather than ending the response cleanly.
func (s *ProxyServer) copyResponse(w http.ResponseWriter, res *Result) {
	resp := res.Response
	defer resp.Body.Close()

	h := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	removeHopHeaders(h)
	if s.IdentityHeaders {
		h.Set(HeaderUpstreamBackend, res.Backend.Name)
		h.Set(HeaderUpstreamRole, string(res.Backend.Role))
		h.Set(HeaderUpstreamPool, s.Dispatcher.Pool.Name)
	}
	w.WriteHeader(resp.StatusCode)

	// Stream SSE responses
	flusher, canFlush := w.(http.Flusher)
	stream := canFlush && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if stream {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.Logger.Printf("[%s] response aborted mid-stream: %v", res.Backend.Name, err)
			panic(http.ErrAbortHandler)
		}
	}

	for k, vv := range resp.Trailer {
		for _, v := range vv {
			h.Add(http.TrailerPrefix+k, v)
		}
	}
}

func writeProxyError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}

// StartProxy serves handler on listenAddr in the background. It returns the
// server, for graceful shutdown, and the bound address.
func StartProxy(handler http.Handler, listenAddr string, logger *log.Logger) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, "", fmt.Errorf("listen: %w", err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          logger,
	}
	logger.Printf("proxy listening on %s", ln.Addr())

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Printf("proxy server error: %v", err)
		}
	}()

	return srv, ln.Addr().String(), nil
}
