package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/magpie/pkg/cluster"
	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/events"
	"github.com/cuemby/magpie/pkg/types"
)

// fakePools maps node names to test databases
type fakePools struct {
	dbs map[string]*sqlx.DB
}

func (f *fakePools) For(name string) (*sqlx.DB, error) {
	db, ok := f.dbs[name]
	if !ok {
		return nil, fmt.Errorf("no pool for %q", name)
	}
	return db, nil
}

// fakeDeliverer records deliveries and can fail per target
type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []string // "target/opID"
	failFor   map[string]bool
}

func (f *fakeDeliverer) Deliver(_ context.Context, node *types.Node, op *types.SyncOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[node.Name] {
		return errors.New("target unreachable")
	}
	f.delivered = append(f.delivered, node.Name+"/"+op.ID)
	return nil
}

func testRegistry(t *testing.T) *cluster.Registry {
	t.Helper()
	r, err := cluster.NewRegistry([]*types.Node{
		{Name: "alpha", Role: types.NodeRolePrimary, Priority: 1, Health: types.HealthHealthy},
		{Name: "beta", Role: types.NodeRoleSecondary, Priority: 2, Health: types.HealthHealthy},
		{Name: "gamma", Role: types.NodeRoleSecondary, Priority: 3, Health: types.HealthOffline},
	}, "alpha")
	require.NoError(t, err)
	return r
}

func testManager(t *testing.T, deliver Deliverer) *Manager {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := config.SyncConfig{
		AutoSyncEnabled:     true,
		IncrementalInterval: 10,
		FullSyncInterval:    300,
		BatchSize:           100,
		MaxQueueSize:        4,
		SyncTimeout:         5,
		SyncTables:          []string{"images"},
	}
	return NewManager(cfg, testRegistry(t), &fakePools{dbs: map[string]*sqlx.DB{}}, deliver, broker)
}

func TestRecordFreezesHealthyTargets(t *testing.T) {
	m := testManager(t, &fakeDeliverer{})

	op := m.Record(types.OpInsert, "images", map[string]any{"id": int64(1)})

	// gamma is offline at enqueue time and stays excluded
	assert.Equal(t, []string{"beta"}, op.TargetNodes)
	assert.Equal(t, "alpha", op.SourceNode)
	assert.Equal(t, types.OpPending, op.Status)
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, 1, m.Queue().Size())
}

func TestDrainOnceDeliversAndCompletes(t *testing.T) {
	d := &fakeDeliverer{}
	m := testManager(t, d)

	op := m.Record(types.OpInsert, "images", map[string]any{"id": int64(1)})
	m.DrainOnce(context.Background())

	assert.Equal(t, []string{"beta/" + op.ID}, d.delivered)
	assert.Equal(t, types.OpCompleted, op.Status)
	assert.Equal(t, 0, m.Queue().Size())
}

func TestDrainOnceRequeuesFailedTargets(t *testing.T) {
	d := &fakeDeliverer{failFor: map[string]bool{"beta": true}}
	m := testManager(t, d)

	op := m.Record(types.OpInsert, "images", map[string]any{"id": int64(1)})
	m.DrainOnce(context.Background())

	assert.Empty(t, d.delivered)
	assert.Equal(t, 1, m.Queue().Size())
	assert.Equal(t, []string{"beta"}, op.TargetNodes)

	// Target recovers: the retried drain flushes it
	d.failFor["beta"] = false
	m.DrainOnce(context.Background())
	assert.Equal(t, 0, m.Queue().Size())
	assert.Len(t, d.delivered, 1)
}

func TestDrainOnceRespectsDisable(t *testing.T) {
	d := &fakeDeliverer{}
	m := testManager(t, d)
	m.SetEnabled(false)

	m.Record(types.OpInsert, "images", map[string]any{"id": int64(1)})
	m.DrainOnce(context.Background())

	assert.Empty(t, d.delivered)
	assert.Equal(t, 1, m.Queue().Size())
	assert.False(t, m.Status().AutoSyncEnabled)
}

func TestLogOverflowDropsOldest(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	l := NewLog(2, broker)
	l.Append(&types.SyncOperation{ID: "a", Kind: types.OpInsert, Table: "images"})
	l.Append(&types.SyncOperation{ID: "b", Kind: types.OpInsert, Table: "images"})
	l.Append(&types.SyncOperation{ID: "c", Kind: types.OpInsert, Table: "images"})

	assert.Equal(t, 2, l.Size())
	assert.Equal(t, 1, l.Dropped())

	ops := l.Drain()
	require.Len(t, ops, 2)
	assert.Equal(t, "b", ops[0].ID)
	assert.Equal(t, "c", ops[1].ID)
}

func TestLogRequeuePutsOpsFirst(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	l := NewLog(10, broker)
	l.Append(&types.SyncOperation{ID: "new", Kind: types.OpInsert, Table: "images"})
	l.Requeue([]*types.SyncOperation{{ID: "retry", Kind: types.OpInsert, Table: "images"}})

	ops := l.Drain()
	require.Len(t, ops, 2)
	assert.Equal(t, "retry", ops[0].ID)
	assert.Equal(t, "new", ops[1].ID)
}

func TestStatusSnapshot(t *testing.T) {
	m := testManager(t, &fakeDeliverer{})
	m.Record(types.OpUpdate, "images", map[string]any{"id": int64(2)})

	st := m.Status()
	assert.True(t, st.AutoSyncEnabled)
	assert.Equal(t, 1, st.QueueSize)
	assert.Equal(t, "alpha", st.CurrentPrimary)
	assert.Equal(t, "alpha", st.LocalNode)
	assert.Equal(t, 10, st.IncrementalInterval)
}
