// Package healthcheck implements the two unauthenticated HTTP
// endpoints the supervisor exposes: /healthz (process alive) and
// /ready (state-DB init plus the first MetricsCollector page done).
package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
)

const shutdownTimeout = 5 * time.Second

type status struct {
	Status string `json:"status"`
}

// Server serves /healthz and /ready. Ready becomes true exactly once,
// the moment the caller signals it via MarkReady.
type Server struct {
	log    *zap.SugaredLogger
	srv    *http.Server
	ready  chan struct{}
}

func New(log *zap.SugaredLogger, cfg v1alpha1.Healthcheck) *Server {
	s := &Server{
		log:   log,
		ready: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeOK(w)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.ready:
		writeOK(w)
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status{Status: "OK"})
}

// MarkReady is called once, after state.initialize() and the first
// collection page complete.
func (s *Server) MarkReady() {
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
