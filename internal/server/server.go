// Package server implements the Upgrade Dispatcher (spec 4.4): the HTTP
// surface that parses an incoming request, decides which of the three
// WebSocket surfaces it targets, and either commits a definite error
// response or hands the connection off to the registry/bridge/pool.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/neboloop/cdp-relay/internal/config"
	"github.com/neboloop/cdp-relay/internal/httputil"
	"github.com/neboloop/cdp-relay/internal/pool"
	"github.com/neboloop/cdp-relay/internal/registry"
	"github.com/neboloop/cdp-relay/internal/relay"
	"github.com/neboloop/cdp-relay/internal/telemetry"
	"github.com/neboloop/cdp-relay/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ShutdownBudget is the maximum time Run gives in-flight connections to
// drain once its context is cancelled (spec 5: "10s shutdown budget").
const ShutdownBudget = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the Upgrade Dispatcher's HTTP surface to the registry,
// bridge, and pool.
type Server struct {
	cfg     config.Config
	log     *zap.Logger
	reg     *registry.Registry
	bridge  *relay.Bridge
	pool    *pool.Pool
	metrics *telemetry.Metrics

	httpServer *http.Server
}

// New builds the chi router and wraps it in an *http.Server bound to
// cfg.Port. pool may be nil, in which case the legacy launch path always
// answers 503. promGatherer is the registry /metrics scrapes; pass
// prometheus.DefaultGatherer if metrics were registered there instead.
func New(cfg config.Config, log *zap.Logger, reg *registry.Registry, bridge *relay.Bridge, pl *pool.Pool, metrics *telemetry.Metrics, promGatherer prometheus.Gatherer) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		log:     log.With(zap.String("component", "server")),
		reg:     reg,
		bridge:  bridge,
		pool:    pl,
		metrics: metrics,
	}

	r := chi.NewRouter()
	r.Get("/cdp", s.handleCDPClient)
	r.Get("/extension", s.handleExtension)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(promGatherer, promhttp.HandlerOpts{}))
	r.Get("/*", s.handleLegacyLaunch)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // long-lived WebSocket connections
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Run listens until ctx is cancelled, then shuts down within ShutdownBudget.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownBudget)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("graceful shutdown incomplete", zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httputil.OkJSON(w, map[string]string{"status": "ok"})
}

// handleCDPClient implements /cdp?deviceId=<id>. Per the spec's open
// question on a missing deviceId, this answers 400.
func (s *Server) handleCDPClient(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		httputil.ErrorWithCode(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	if _, ok := s.reg.GetTransport(deviceID); !ok {
		httputil.ErrorWithCode(w, http.StatusNotFound, "device not connected")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("cdp client upgrade failed", zap.Error(err))
		return
	}
	tr := transport.NewWSTransport(conn)

	clientID := "client-" + uuid.New().String()[:8]
	if _, err := s.bridge.AttachClient(clientID, deviceID, tr); err != nil {
		s.log.Info("cdp client attach rejected", zap.String("device_id", deviceID), zap.Error(err))
		_ = tr.Close(websocket.CloseNormalClosure, "device not connected")
		return
	}

	s.log.Info("cdp client attached", zap.String("client_id", clientID), zap.String("device_id", deviceID))
	tr.Run()
}
