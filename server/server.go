// Package server exposes the sync engine over HTTP: a JSON API for
// introspection and element registration, and a websocket endpoint that
// connects live DOM agents to the event bus.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/realm/bus"
	"github.com/hazyhaar/realm/changelog"
	"github.com/hazyhaar/realm/engine"
	"github.com/hazyhaar/realm/registry"
	"github.com/hazyhaar/realm/watch"
)

// Options configures the HTTP server.
type Options struct {
	// Addr is the listen address. Default: ":7465".
	Addr string `json:"addr" yaml:"addr"`
	// ShutdownTimeout bounds graceful shutdown. Default: 5s.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// Logger overrides the default slog logger.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (o *Options) defaults() {
	if o.Addr == "" {
		o.Addr = ":7465"
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Server is the HTTP facade over the sync engine.
type Server struct {
	opts    Options
	logger  *slog.Logger
	reg     *registry.Registry
	eng     *engine.Engine
	log     *changelog.Log
	watcher *watch.Watcher
	events  *bus.Bus

	http *http.Server
}

// New wires the router. watcher may be nil when file watching is disabled.
func New(reg *registry.Registry, eng *engine.Engine, log *changelog.Log, watcher *watch.Watcher, events *bus.Bus, opts Options) *Server {
	opts.defaults()
	s := &Server{
		opts:    opts,
		logger:  opts.Logger,
		reg:     reg,
		eng:     eng,
		log:     log,
		watcher: watcher,
		events:  events,
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi router. Exposed for tests.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)
		r.Get("/elements", s.handleElementsByFile)
		r.Get("/elements/{hash}", s.handleElement)
		r.Post("/elements", s.handleRegister)
		r.Get("/changes", s.handleChanges)
		r.Post("/commit", s.handleCommit)
		r.Post("/rollback", s.handleRollback)
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", "addr", s.opts.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	s.logger.Info("server: shutting down")
	return s.http.Shutdown(shutCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Registry registry.Stats     `json:"registry"`
	Engine   engine.Stats       `json:"engine"`
	Events   map[bus.Type]int64 `json:"events"`
	Watch    *watch.Stats       `json:"watch,omitempty"`
	History  int                `json:"history"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Registry: s.reg.Stats(),
		Engine:   s.eng.Stats(),
		Events:   s.events.Stats(),
		History:  len(s.events.History()),
	}
	if s.watcher != nil {
		ws := s.watcher.Stats()
		resp.Watch = &ws
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.events.History())
}

func (s *Server) handleElement(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	info, ok := s.reg.Get(hash)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown element "+hash)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleElementsByFile(w http.ResponseWriter, r *http.Request) {
	file := r.URL.Query().Get("file")
	if file == "" {
		writeError(w, http.StatusBadRequest, "missing file parameter")
		return
	}
	writeJSON(w, http.StatusOK, s.reg.ByFile(file))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var info registry.ElementInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeError(w, http.StatusBadRequest, "bad element payload: "+err.Error())
		return
	}
	if err := info.RealmID.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	isNew := s.reg.Register(info)
	if s.watcher != nil {
		s.watcher.Track(info.RealmID.SourceFile)
	}
	writeJSON(w, http.StatusOK, map[string]any{"registered": true, "new": isNew})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	q := changelog.Query{
		FilePath:      r.URL.Query().Get("file"),
		TransactionID: r.URL.Query().Get("transaction"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad limit "+v)
			return
		}
		q.Limit = n
	}
	if r.URL.Query().Get("exclude_rolled_back") == "true" {
		q.ExcludeRolledBack = true
	}
	writeJSON(w, http.StatusOK, s.log.Query(q))
}

type commitRequest struct {
	Hash string `json:"hash"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Hash == "" {
		writeError(w, http.StatusBadRequest, "missing element hash")
		return
	}
	if err := s.eng.CommitPending(req.Hash); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

type rollbackRequest struct {
	TransactionID string `json:"transactionId"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "missing transactionId")
		return
	}
	if err := s.eng.RollbackTransaction(req.TransactionID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
