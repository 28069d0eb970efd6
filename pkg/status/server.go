// Package status HTTP сервер диагностики: /healthz, /state и /metrics.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Snapshotter источник списка активных звонков, см. callstate.Registry
type Snapshotter interface {
	Snapshot() []string
}

// AccountStatus состояние регистрации SIP аккаунта
type AccountStatus struct {
	Index      int  `json:"index"`
	Registered bool `json:"registered"`
}

// State ответ /state
type State struct {
	ActiveCalls []string        `json:"active_calls"`
	Count       int             `json:"count"`
	Accounts    []AccountStatus `json:"accounts,omitempty"`
}

// Options параметры сервера
type Options struct {
	Addr     string
	Registry Snapshotter
	// Accounts может быть nil
	Accounts func() []AccountStatus
	// Gatherer nil означает prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
	Log      *slog.Logger
}

// Server сервер диагностики
type Server struct {
	opts Options
	http *http.Server
	log  *slog.Logger
}

// New создает сервер
func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		opts: opts,
		log:  opts.Log.With(slog.String("component", "status")),
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler маршруты сервера
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.healthz)
	r.Get("/state", s.state)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	return r
}

// Start открывает порт и обслуживает запросы в фоне
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.opts.Addr)
	}
	s.log.Info("Status server listening", slog.String("addr", ln.Addr().String()))
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status server stopped", slog.Any("error", err))
		}
	}()
	return nil
}

// Shutdown останавливает сервер
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	ids := s.opts.Registry.Snapshot()
	if ids == nil {
		ids = []string{}
	}
	resp := State{ActiveCalls: ids, Count: len(ids)}
	if s.opts.Accounts != nil {
		resp.Accounts = s.opts.Accounts()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("encode state", slog.Any("error", err))
	}
}
