package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/magpie/pkg/cluster"
	"github.com/cuemby/magpie/pkg/failover"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/replication"
	"github.com/cuemby/magpie/pkg/types"
)

// Server is the inter-node control listener. Peers post replicated
// operations and role changes here; operators can also drive sync and
// failover through it.
type Server struct {
	registry *cluster.Registry
	monitor  *cluster.Monitor
	repl     *replication.Manager
	failover *failover.Controller

	srv *http.Server
}

// NewServer wires the RPC endpoints
func NewServer(port int, registry *cluster.Registry, monitor *cluster.Monitor, repl *replication.Manager, fo *failover.Controller) *Server {
	s := &Server{
		registry: registry,
		monitor:  monitor,
		repl:     repl,
		failover: fo,
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
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/sync-status", s.handleSyncStatus)
		r.Get("/replication-lag", s.handleReplicationLag)
		r.Post("/sync", s.handleSync)
		r.Post("/sync/enable", s.handleSyncEnable)
		r.Post("/sync/disable", s.handleSyncDisable)
		r.Post("/role-change", s.handleRoleChange)
		r.Post("/failover/{target}", s.handleFailover)
		r.Post("/force-sync", s.handleForceSync)
	})
	return r
}

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		lg := log.WithComponent("rpc")
		lg.Info().Str("addr", s.srv.Addr).Msg("rpc listener started")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error().Err(err).Msg("rpc listener failed")
		}
	}()
}

// Stop shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	node, ok := s.registry.Get(s.registry.LocalName())
	if !ok {
		writeError(w, http.StatusInternalServerError, "local node not registered")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    node.Health,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"node_name": node.Name,
		"role":      node.Role,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
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

func (s *Server) handleReplicationLag(w http.ResponseWriter, r *http.Request) {
	lags := map[string]float64{}
	for name, node := range s.registry.Snapshot() {
		if node.Role != types.NodeRolePrimary {
			lags[name] = node.ReplicationLag
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"replication_lag": lags})
}

// handleSync applies one replicated operation onto the local database
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var op types.SyncOperation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeError(w, http.StatusBadRequest, "invalid sync operation: "+err.Error())
		return
	}
	if err := s.repl.ApplyLocal(r.Context(), &op); err != nil {
		lg := log.WithComponent("rpc")
		lg.Error().
			Str("table", op.Table).
			Str("kind", string(op.Kind)).
			Err(err).
			Msg("failed to apply replicated operation")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied", "id": op.ID})
}

func (s *Server) handleSyncEnable(w http.ResponseWriter, r *http.Request) {
	s.repl.SetEnabled(true)
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (s *Server) handleSyncDisable(w http.ResponseWriter, r *http.Request) {
	s.repl.SetEnabled(false)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

type roleChangeRequest struct {
	NodeName  string    `json:"node_name"`
	NewRole   string    `json:"new_role"`
	Timestamp time.Time `json:"timestamp"`
}

// handleRoleChange records a role transition announced by a peer. A
// promotion to primary demotes the previous primary as a side effect.
func (s *Server) handleRoleChange(w http.ResponseWriter, r *http.Request) {
	var req roleChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeName == "" || req.NewRole == "" {
		writeError(w, http.StatusBadRequest, "node_name and new_role are required")
		return
	}

	role := types.NodeRole(req.NewRole)
	var err error
	if role == types.NodeRolePrimary {
		err = s.registry.Promote(req.NodeName)
	} else {
		err = s.registry.SetRole(req.NodeName, role)
	}
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	lg := log.WithComponent("rpc")
	lg.Info().
		Str("node", req.NodeName).
		Str("role", req.NewRole).
		Msg("role change accepted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFailover(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	if target == "auto" {
		target = ""
	}
	promoted, err := s.failover.Failover(r.Context(), target, "requested via rpc")
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "new_primary": promoted})
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	if err := s.repl.FullSync(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		lg := log.WithComponent("rpc")
		lg.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
