package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuemby/magpie/pkg/cluster"
	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/events"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
	"github.com/cuemby/magpie/pkg/types"
)

// PoolProvider resolves a node name to its database pool. Satisfied by
// cluster.Pools; tests substitute sqlmock-backed pools.
type PoolProvider interface {
	For(name string) (*sqlx.DB, error)
}

// Deliverer transports one operation to one target node. The direct
// deliverer applies it over the target's database connection; the HTTP
// deliverer posts it to the peer's sync endpoint.
type Deliverer interface {
	Deliver(ctx context.Context, node *types.Node, op *types.SyncOperation) error
}

// DirectDeliverer applies operations straight onto the target database
type DirectDeliverer struct {
	pools PoolProvider
}

// NewDirectDeliverer creates the default delivery path
func NewDirectDeliverer(pools PoolProvider) *DirectDeliverer {
	return &DirectDeliverer{pools: pools}
}

// Deliver applies op on the node's database
func (d *DirectDeliverer) Deliver(ctx context.Context, node *types.Node, op *types.SyncOperation) error {
	db, err := d.pools.For(node.Name)
	if err != nil {
		return err
	}
	return Apply(ctx, db, op)
}

// Manager owns the replication log and the two background workers: the
// incremental drain and the periodic full reconciliation.
type Manager struct {
	cfg      config.SyncConfig
	registry *cluster.Registry
	pools    PoolProvider
	queue    *Log
	deliver  Deliverer
	broker   *events.Broker

	mu           sync.Mutex
	enabled      bool
	lastFullSync time.Time

	stopCh  chan struct{}
	running bool
}

// NewManager wires the replication machinery
func NewManager(cfg config.SyncConfig, registry *cluster.Registry, pools PoolProvider, deliver Deliverer, broker *events.Broker) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		pools:    pools,
		queue:    NewLog(cfg.MaxQueueSize, broker),
		deliver:  deliver,
		broker:   broker,
		enabled:  cfg.AutoSyncEnabled,
		stopCh:   make(chan struct{}),
	}
}

// Queue exposes the log for the session layer
func (m *Manager) Queue() *Log {
	return m.queue
}

// Record enqueues a mutation for replication. The target set is frozen at
// enqueue time to the currently serving secondaries.
func (m *Manager) Record(kind types.OpKind, table string, payload map[string]any) *types.SyncOperation {
	var targets []string
	for _, n := range m.registry.Secondaries() {
		if n.Healthy() {
			targets = append(targets, n.Name)
		}
	}

	op := &types.SyncOperation{
		Kind:        kind,
		Table:       table,
		Payload:     payload,
		SourceNode:  m.registry.LocalName(),
		TargetNodes: targets,
	}
	m.queue.Append(op)
	return op
}

// ApplyLocal applies an operation received from a peer onto this node's
// own database. Serves the HTTP delivery path.
func (m *Manager) ApplyLocal(ctx context.Context, op *types.SyncOperation) error {
	local := m.registry.LocalName()
	if local == "" {
		return fmt.Errorf("no local node configured")
	}
	db, err := m.pools.For(local)
	if err != nil {
		return err
	}
	if err := Apply(ctx, db, op); err != nil {
		metrics.SyncOperationsTotal.WithLabelValues(string(op.Kind), "failed").Inc()
		return err
	}
	metrics.SyncOperationsTotal.WithLabelValues(string(op.Kind), "applied").Inc()
	return nil
}

// Enabled reports whether auto sync is on
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// SetEnabled toggles auto sync
func (m *Manager) SetEnabled(on bool) {
	m.mu.Lock()
	m.enabled = on
	m.mu.Unlock()
	lg := log.WithComponent("replication")
	lg.Info().Bool("enabled", on).Msg("auto sync toggled")
}

// Status summarizes the replication machinery
func (m *Manager) Status() types.SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var primary string
	if p := m.registry.Primary(); p != nil {
		primary = p.Name
	}
	return types.SyncStatus{
		AutoSyncEnabled:     m.enabled,
		QueueSize:           m.queue.Size(),
		LastFullSync:        m.lastFullSync,
		FullSyncInterval:    m.cfg.FullSyncInterval,
		IncrementalInterval: m.cfg.IncrementalInterval,
		CurrentPrimary:      primary,
		LocalNode:           m.registry.LocalName(),
	}
}

// Start launches the incremental and full sync loops
func (m *Manager) Start() {
	if m.running {
		return
	}
	m.running = true

	go m.incrementalLoop()
	go m.fullSyncLoop()
	lg := log.WithComponent("replication")
	lg.Info().
		Int("incremental_interval", m.cfg.IncrementalInterval).
		Int("full_sync_interval", m.cfg.FullSyncInterval).
		Msg("replication workers started")
}

// Stop halts both loops
func (m *Manager) Stop() {
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
}

func (m *Manager) incrementalLoop() {
	ticker := time.NewTicker(time.Duration(m.cfg.IncrementalInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.DrainOnce(context.Background())
		case <-m.queue.Kick():
			m.DrainOnce(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) fullSyncLoop() {
	ticker := time.NewTicker(time.Duration(m.cfg.FullSyncInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Full reconciliation runs from the primary only
			if p := m.registry.Primary(); p != nil && p.Name == m.registry.LocalName() {
				if err := m.FullSync(context.Background()); err != nil {
					lg := log.WithComponent("replication")
					lg.Error().Err(err).Msg("full sync failed")
				}
			}
		case <-m.stopCh:
			return
		}
	}
}

// DrainOnce flushes the queue, delivering each operation to its remaining
// targets. Failed targets stay on the operation and the operation is
// requeued; a node that left the registry or went offline is skipped and
// left to full reconciliation.
func (m *Manager) DrainOnce(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	ops := m.queue.Drain()
	if len(ops) == 0 {
		return
	}

	timeout := time.Duration(m.cfg.SyncTimeout) * time.Second
	logger := log.WithComponent("replication")
	var retry []*types.SyncOperation

	for _, op := range ops {
		var failed []string
		for _, target := range op.TargetNodes {
			node, ok := m.registry.Get(target)
			if !ok {
				continue
			}
			if !node.Healthy() {
				// Offline peers catch up during full reconciliation
				continue
			}

			opCtx, cancel := context.WithTimeout(ctx, timeout)
			err := m.deliver.Deliver(opCtx, node, op)
			cancel()
			if err != nil {
				logger.Error().
					Str("operation", op.ID).
					Str("target", target).
					Err(err).
					Msg("sync delivery failed")
				metrics.SyncOperationsTotal.WithLabelValues(string(op.Kind), "failed").Inc()
				failed = append(failed, target)
				continue
			}
			metrics.SyncOperationsTotal.WithLabelValues(string(op.Kind), "applied").Inc()
		}

		if len(failed) > 0 {
			op.TargetNodes = failed
			op.Status = types.OpPending
			retry = append(retry, op)
		} else {
			op.Status = types.OpCompleted
		}
	}

	if len(retry) > 0 {
		m.queue.Requeue(retry)
	}
}
