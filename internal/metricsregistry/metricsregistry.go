// Package metricsregistry serves the prometheus registry populated by
// internal/session and internal/udpproxy's own per-package metrics, plus a
// readiness endpoint for orchestrators. Grounded on the teacher's
// metrics.ServeMetrics/ReadyServer, trimmed to drop the gracenet listener
// pool, pprof/trace wiring, and the tunnel-orchestrator/quicktunnel endpoints
// that have no equivalent in this core.
package metricsregistry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const defaultShutdownTimeout = 15 * time.Second

// SessionCounter reports how many sessions are currently live; wired to
// session.Manager in production, stubbed in tests.
type SessionCounter func() int

// ReadyServer serves HTTP 200 with the live session count once the manager
// is up, and is intended for orchestrator readiness probes.
type ReadyServer struct {
	counter SessionCounter
}

// NewReadyServer builds a ReadyServer backed by counter.
func NewReadyServer(counter SessionCounter) *ReadyServer {
	return &ReadyServer{counter: counter}
}

func (rs *ReadyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	count := 0
	if rs.counter != nil {
		count = rs.counter()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"status":200,"activeSessions":%d}`, count)
}

// Config configures the metrics/readiness HTTP server.
type Config struct {
	Ready           *ReadyServer
	ShutdownTimeout time.Duration
}

func newHandler(config Config) *http.ServeMux {
	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "OK\n")
	})
	if config.Ready != nil {
		router.Handle("/ready", config.Ready)
	}
	return router
}

// Serve runs the metrics/readiness HTTP server on l until ctx is canceled,
// then shuts it down gracefully within config.ShutdownTimeout.
func Serve(ctx context.Context, l net.Listener, config Config, log *zerolog.Logger) error {
	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      newHandler(config),
	}

	var wg sync.WaitGroup
	var serveErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveErr = server.Serve(l)
	}()
	log.Info().Str("addr", l.Addr().String()).Msg("Starting metrics server")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	wg.Wait()

	if serveErr == http.ErrServerClosed || serveErr == nil {
		log.Info().Msg("Metrics server stopped")
		return nil
	}
	log.Err(serveErr).Msg("Metrics server failed")
	return serveErr
}
