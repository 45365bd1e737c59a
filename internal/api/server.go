// Package api serves the task HTTP API, the websocket notifier and the
// health and metrics endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carbonetes/mltaskd/internal/core"
	"github.com/carbonetes/mltaskd/internal/telemetry"
)

// DefaultMaxUpload bounds the size of a submission request body.
const DefaultMaxUpload = 64 << 20

// Server exposes a core.Service over HTTP.
type Server struct {
	Version string
	Service *core.Service
	// Events serves GET /ws; nil disables the route.
	Events  http.Handler
	Monitor *telemetry.Monitor
	// Token enables bearer auth on /api and /ws.
	Token     string
	MaxUpload int64

	mu  sync.Mutex
	srv *http.Server
}

// routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	mux.Handle("POST /api/tasks", s.auth(s.instrument("create_task", s.createTask)))
	mux.Handle("GET /api/tasks", s.auth(s.instrument("list_tasks", s.listTasks)))
	mux.Handle("GET /api/tasks/{id}", s.auth(s.instrument("get_task", s.getTask)))
	if s.Events != nil {
		mux.Handle("GET /ws", s.auth(s.Events))
	}
	if s.Monitor != nil {
		mux.HandleFunc("GET /healthz", s.Monitor.HealthHandler)
		mux.HandleFunc("GET /metrics", s.Monitor.MetricsHandler)
	}
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": s.Version})
	})
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

// auth checks the bearer token when one is configured. Browsers cannot set
// headers on websocket upgrades, so a token query parameter is accepted too.
func (s *Server) auth(next http.Handler) http.Handler {
	if s.Token == "" {
		return next
	}
	want := []byte(s.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Auth-Token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			got = strings.TrimPrefix(h, "Bearer ")
		}
		if got == "" {
			got = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			telemetry.CounterGlobal("mltaskd_api_unauthorized", 1, map[string]string{"component": "api"})
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		labels := map[string]string{
			"component": "api",
			"endpoint":  endpoint,
			"status":    strconv.Itoa(rec.status),
		}
		telemetry.CounterGlobal("mltaskd_api_requests", 1, labels)
		telemetry.TimerGlobal("mltaskd_api_request_duration", time.Since(start), labels)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("api request")
	})
}

// ListenAndServe starts the server, with TLS when tlsCfg carries a
// certificate. It returns http.ErrServerClosed after Shutdown.
func (s *Server) ListenAndServe(addr string, tlsCfg core.TLSConfig) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ln, tlsCfg)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener, tlsCfg core.TLSConfig) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if tlsCfg.Cert != "" {
		conf, err := ConfigureTLS(tlsCfg)
		if err != nil {
			_ = ln.Close()
			return err
		}
		srv.Handler = MTLSMiddleware(tlsCfg.RequireMTLS)(srv.Handler)
		srv.TLSConfig = conf
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	if srv.TLSConfig == nil {
		log.Info().Str("addr", ln.Addr().String()).Msg("API listening")
		return srv.Serve(ln)
	}
	log.Info().
		Str("addr", ln.Addr().String()).
		Bool("mtls_required", tlsCfg.RequireMTLS).
		Msg("API listening with TLS")
	return srv.ServeTLS(ln, "", "")
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return errors.New("server not running")
	}
	return srv.Shutdown(ctx)
}
