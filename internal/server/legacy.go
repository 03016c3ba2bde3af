package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/neboloop/cdp-relay/internal/httputil"
	"github.com/neboloop/cdp-relay/internal/pool"
)

// launchOptions is the `launch=<json>` query parameter shape (spec 6).
type launchOptions struct {
	User string   `json:"user,omitempty"`
	Args []string `json:"args,omitempty"`
}

// parsePathPairs decodes a `/k1/v1/k2/v2` path into a map. An odd number
// of segments drops the trailing, unpaired one.
func parsePathPairs(path string) map[string]string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	pairs := make(map[string]string, len(segments)/2)
	for i := 0; i+1 < len(segments); i += 2 {
		if segments[i] == "" {
			continue
		}
		pairs[segments[i]] = segments[i+1]
	}
	return pairs
}

// handleLegacyLaunch implements the legacy direct-launch path: a shared
// token authorizes launching (or reusing) a locally managed Chrome
// instance, whose inspector socket is then proxied to the caller.
func (s *Server) handleLegacyLaunch(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		httputil.ErrorWithCode(w, http.StatusServiceUnavailable, "direct launch not configured")
		return
	}

	query := r.URL.Query()
	token := query.Get("token")
	if s.cfg.Token == "" || token != s.cfg.Token {
		httputil.ErrorWithCode(w, http.StatusForbidden, "invalid token")
		return
	}

	startingURL := query.Get("startingUrl")
	if startingURL == "" {
		httputil.ErrorWithCode(w, http.StatusBadRequest, "startingUrl is required")
		return
	}
	if _, err := url.Parse(startingURL); err != nil {
		httputil.ErrorWithCode(w, http.StatusBadRequest, "startingUrl is not a valid URL")
		return
	}

	var launch launchOptions
	if raw := query.Get("launch"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &launch); err != nil {
			httputil.ErrorWithCode(w, http.StatusBadRequest, "launch is not valid JSON")
			return
		}
	}
	_ = parsePathPairs(r.URL.Path) // path-pair segments are accepted but not presently load-bearing beyond the above query params

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	inst, err := s.pool.Acquire(ctx, launch.User, pool.LaunchOptions{Args: launch.Args, StartingURL: startingURL})
	if err != nil {
		if err == pool.ErrAtCapacity {
			httputil.ErrorWithCode(w, http.StatusServiceUnavailable, "pool at capacity")
			return
		}
		s.log.Error("chrome acquire failed", zap.Error(err))
		httputil.ErrorWithCode(w, http.StatusInternalServerError, "failed to launch browser")
		return
	}

	wsURL, err := inst.WebSocketURL(ctx)
	if err != nil {
		s.log.Error("chrome websocket url unavailable", zap.Error(err))
		httputil.ErrorWithCode(w, http.StatusInternalServerError, "browser inspector socket unavailable")
		return
	}

	proxyWebSocket(w, r, wsURL, s.log)
}

// proxyWebSocket hijacks the client connection and splices it directly to
// a locally launched Chrome's inspector socket, byte for byte.
func proxyWebSocket(w http.ResponseWriter, r *http.Request, targetWSURL string, log *zap.Logger) {
	u, err := url.Parse(targetWSURL)
	if err != nil {
		httputil.ErrorWithCode(w, http.StatusInternalServerError, "invalid inspector url")
		return
	}

	backendConn, err := net.DialTimeout("tcp", u.Host, 5*time.Second)
	if err != nil {
		httputil.ErrorWithCode(w, http.StatusBadGateway, "browser unreachable")
		return
	}
	defer backendConn.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		httputil.ErrorWithCode(w, http.StatusInternalServerError, "websocket hijack unsupported")
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		log.Error("hijack failed", zap.Error(err))
		return
	}
	defer clientConn.Close()

	outbound := r.Clone(r.Context())
	outbound.URL = u
	outbound.Host = u.Host
	if err := outbound.Write(backendConn); err != nil {
		return
	}
	if n := clientBuf.Reader.Buffered(); n > 0 {
		buffered := make([]byte, n)
		_, _ = clientBuf.Read(buffered)
		_, _ = backendConn.Write(buffered)
	}

	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(backendConn, clientConn); done <- struct{}{} }()
	go func() { _, _ = io.Copy(clientConn, backendConn); done <- struct{}{} }()
	<-done
}
