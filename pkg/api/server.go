package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/magpie/pkg/cluster"
	"github.com/cuemby/magpie/pkg/events"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
	"github.com/cuemby/magpie/pkg/replication"
	"github.com/cuemby/magpie/pkg/schema"
	"github.com/cuemby/magpie/pkg/session"
	"github.com/cuemby/magpie/pkg/state"
	"github.com/cuemby/magpie/pkg/types"
)

// syncDeleteLimit is the largest batch deleted inline; bigger requests
// run as background tasks
const syncDeleteLimit = 50

// Server is the public control plane: crawl lifecycle, image queries and
// cluster introspection.
type Server struct {
	engine   Crawler
	store    *state.Store
	sessions *session.Sessions
	registry *cluster.Registry
	monitor  *cluster.Monitor
	repl     *replication.Manager
	broker   *events.Broker

	runner *crawlRunner
	tasks  *taskTracker

	srv *http.Server
}

// Crawler runs one crawl session. Satisfied by crawler.Engine.
type Crawler interface {
	Run(ctx context.Context, target, sessionID string) (*types.CrawlResult, error)
}

// NewServer wires the control plane
func NewServer(port int, engine Crawler, store *state.Store, sessions *session.Sessions,
	registry *cluster.Registry, monitor *cluster.Monitor, repl *replication.Manager,
	broker *events.Broker) *Server {

	s := &Server{
		engine:   engine,
		store:    store,
		sessions: sessions,
		registry: registry,
		monitor:  monitor,
		repl:     repl,
		broker:   broker,
		runner:   &crawlRunner{},
		tasks:    newTaskTracker(),
	}
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Router(),
	}
	return s
}

// Router builds the chi router; exposed separately for tests
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	r.Post("/crawl", s.handleCrawlStart)
	r.Get("/crawl/status", s.handleCrawlStatus)
	r.Post("/crawl/stop", s.handleCrawlStop)

	r.Get("/images", s.handleListImages)
	r.Delete("/images", s.handleDeleteImages)
	r.Get("/tasks/{id}", s.handleTask)

	r.Get("/cluster/status", s.handleClusterStatus)
	r.Get("/sync/status", s.handleSyncStatus)
	r.Get("/events", s.handleEvents)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		lg := log.WithComponent("api")
		lg.Info().Str("addr", s.srv.Addr).Msg("api listener started")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error().Err(err).Msg("api listener failed")
		}
	}()
}

// Stop shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// requestMetrics records count and latency per method
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type crawlRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleCrawlStart(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "url is required")
		return
	}

	sessionID, err := s.runner.start(s.engine, req.URL, s.persistResult)
	if err != nil {
		writeError(w, http.StatusConflict, "crawl_running", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sessionID,
		"status":     string(types.CrawlRunning),
	})
}

func (s *Server) handleCrawlStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.runner.snapshot()
	if snap.SessionID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "idle"})
		return
	}

	out := map[string]any{
		"session_id": snap.SessionID,
		"target":     snap.Target,
		"status":     string(snap.Status),
		"started_at": snap.StartedAt,
	}
	// Live stats come from the engine's periodic checkpoints
	if cp, err := s.store.GetCheckpoint(snap.SessionID); err == nil && cp != nil {
		out["stats"] = cp.Stats
	}
	if snap.Result != nil {
		out["result"] = snap.Result
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCrawlStop(w http.ResponseWriter, r *http.Request) {
	if !s.runner.stop() {
		writeError(w, http.StatusConflict, "no_crawl_running", "no crawl in progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	db, err := s.sessions.Read()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "no_healthy_primary", err.Error())
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	where := ""
	var args []any
	if cat := r.URL.Query().Get("category_id"); cat != "" {
		id, err := strconv.ParseInt(cat, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "category_id must be an integer")
			return
		}
		where = " WHERE category_id = $1"
		args = append(args, id)
	}

	var total int
	if err := db.GetContext(r.Context(), &total, "SELECT COUNT(*) FROM images"+where, args...); err != nil {
		writeError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}

	query := fmt.Sprintf("SELECT * FROM images%s ORDER BY id DESC LIMIT %d OFFSET %d", where, limit, offset)
	images := []schema.Image{}
	if err := db.SelectContext(r.Context(), &images, query, args...); err != nil {
		writeError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":  total,
		"limit":  limit,
		"offset": offset,
		"images": images,
	})
}

type deleteImagesRequest struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) handleDeleteImages(w http.ResponseWriter, r *http.Request) {
	var req deleteImagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "ids is required")
		return
	}

	if len(req.IDs) < syncDeleteLimit {
		deleted, err := s.deleteImages(r.Context(), req.IDs)
		if err != nil {
			if errors.Is(err, session.ErrNoHealthyPrimary) {
				writeError(w, http.StatusServiceUnavailable, "no_healthy_primary", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "delete_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
		return
	}

	// Large batches run detached; progress is visible under /tasks
	task := s.tasks.create(len(req.IDs))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		deleted, err := s.deleteImages(ctx, req.IDs)
		s.tasks.finish(task.ID, deleted, err)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
}

// deleteImages removes rows through an auto-sync session so the deletes
// replicate like any other write
func (s *Server) deleteImages(ctx context.Context, ids []int64) (int, error) {
	sess, err := s.sessions.Write()
	if err != nil {
		return 0, err
	}
	defer sess.Close()

	if err := sess.Begin(ctx); err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := sess.Delete(ctx, "images", id); err != nil {
			sess.Rollback()
			return 0, err
		}
	}
	if err := sess.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.tasks.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	primary := ""
	if p := s.registry.Primary(); p != nil {
		primary = p.Name
	}
	writeJSON(w, http.StatusOK, types.ClusterStatus{
		CurrentPrimary: primary,
		LocalNode:      s.registry.LocalName(),
		Nodes:          s.registry.Snapshot(),
		SyncQueueSize:  s.repl.Queue().Size(),
		Monitoring:     s.monitor.Running(),
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.repl.Status())
}

// handleEvents returns the retained event history, or a live
// server-sent-event stream when the client asks for one
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Accept") == "text/event-stream" {
		s.streamEvents(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.broker.Recent()})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	for {
		select {
		case ev, open := <-sub:
			if !open {
				return
			}
			buf, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", buf)
			fl.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		lg := log.WithComponent("api")
		lg.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
