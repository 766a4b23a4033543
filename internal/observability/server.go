package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// StatsProvider feeds the /stats endpoint.
type StatsProvider interface {
	Stats() any
}

type StatsFunc func() any

func (f StatsFunc) Stats() any { return f() }

// Server exposes /metrics, /healthz and /stats.
type Server struct {
	addr  string
	stats StatsProvider

	mu     sync.Mutex
	srv    *http.Server
	ln     net.Listener
	served chan struct{}
}

func NewServer(addr string, stats StatsProvider) *Server {
	return &Server{addr: addr, stats: stats}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		if s.stats == nil {
			http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.stats.Stats()); err != nil {
			s.getLogEntry().WithField("error", err.Error()).Warn("encode stats")
		}
	})
	return r
}

// Addr reports the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil || s.addr == "" {
		return nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	s.served = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.getLogEntry().WithField("error", err.Error()).Error("metrics server failed")
		}
	}(s.srv, s.served)
	s.getLogEntry().WithField("addr", ln.Addr().String()).Info("metrics server listening")
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.served
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	<-done
	return nil
}

func (s *Server) getLogEntry() *log.Entry {
	return log.WithField("object", "ObservabilityServer")
}
