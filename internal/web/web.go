// Package web is the read-only HTTP view over the storage directories,
// the runtime counters and the effective configuration.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pawciobiel/dyson/internal/config"
	"github.com/pawciobiel/dyson/internal/stats"
	"github.com/pawciobiel/dyson/internal/types"
)

// StorageView is what the HTTP view reads from storage.
type StorageView interface {
	IncomingDir() string
	ProcessedDir() string
	IncomingMailFiles() ([]string, error)
	ProcessedMailFiles() ([]string, error)
	IsRunning() bool
}

// FileList is the JSON body of /files/{role}.
type FileList struct {
	Role  string   `json:"role"`
	Dir   string   `json:"dir"`
	Count int      `json:"count"`
	Files []string `json:"files"`
}

type Server struct {
	config  *config.Config
	storage StorageView
	stats   *stats.Statistics
	logger  *slog.Logger

	registry *prometheus.Registry
	router   *mux.Router

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	done     chan struct{}
}

func New(cfg *config.Config, storage StorageView, st *stats.Statistics, logger *slog.Logger) (*Server, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(st); err != nil {
		return nil, fmt.Errorf("failed to register statistics collector: %w", err)
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		config:   cfg,
		storage:  storage,
		stats:    st,
		logger:   logger.With("component", "web"),
		registry: registry,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/files/{role:incoming|processed}", s.handleFiles).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})).Methods(http.MethodGet)

	for _, role := range types.StorageDirRoles() {
		prefix := "/storage/" + role.String() + "/"
		router.PathPrefix(prefix).Handler(http.StripPrefix(prefix,
			http.FileServer(http.Dir(s.dir(role))))).Methods(http.MethodGet, http.MethodHead)
	}

	return router
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) dir(role types.DirRole) string {
	if role == types.DirRoleProcessed {
		return s.storage.ProcessedDir()
	}
	return s.storage.IncomingDir()
}

// handleInfo writes the runtime information and then the configuration,
// one sorted key=value pair per line.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := s.stats.RuntimeInformation()
	info["storage.running"] = strconv.FormatBool(s.storage.IsRunning())

	keys := make([]string, 0, len(info))
	for key := range info {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	settings, err := s.config.Settings()
	if err != nil {
		s.logger.Error("Failed to dump configuration", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, key := range keys {
		fmt.Fprintf(w, "%s=%s\n", key, info[key])
	}
	fmt.Fprintln(w)
	for _, setting := range settings {
		fmt.Fprintf(w, "%s=%s\n", setting.Name, setting.Value)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.storage.IsRunning() {
		http.Error(w, "storage not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	role := types.DirRole(mux.Vars(r)["role"])

	var files []string
	var err error
	if role == types.DirRoleProcessed {
		files, err = s.storage.ProcessedMailFiles()
	} else {
		files, err = s.storage.IncomingMailFiles()
	}
	if err != nil {
		s.logger.Error("Failed to list mail files", "role", role, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if files == nil {
		files = []string{}
	}

	s.sendJSON(w, FileList{
		Role:  role.String(),
		Dir:   s.dir(role),
		Count: len(files),
		Files: files,
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// Start listens on http.bind:http.port and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.HTTP.Bind, strconv.Itoa(s.config.HTTP.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	s.mu.Lock()
	s.http = srv
	s.listener = listener
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "address", listener.Addr().String())
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.http, s.done
	s.http = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.logger.Info("Shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	<-done
	return nil
}
