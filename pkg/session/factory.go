package session

import (
	"sync/atomic"

	"github.com/jmoiron/sqlx"

	"github.com/cuemby/magpie/pkg/cluster"
	"github.com/cuemby/magpie/pkg/types"
)

// Pools resolves node names to database pools
type Pools interface {
	For(name string) (*sqlx.DB, error)
}

// Sessions hands out write sessions against the primary and read handles
// against any healthy node
type Sessions struct {
	registry *cluster.Registry
	pools    Pools
	recorder Recorder
	rr       atomic.Uint64
}

// NewSessions creates the factory
func NewSessions(registry *cluster.Registry, pools Pools, recorder Recorder) *Sessions {
	return &Sessions{registry: registry, pools: pools, recorder: recorder}
}

// Write returns a session bound to the current primary
func (f *Sessions) Write() (*AutoSyncSession, error) {
	primary := f.registry.Primary()
	if primary == nil || !primary.Healthy() {
		return nil, ErrNoHealthyPrimary
	}
	db, err := f.pools.For(primary.Name)
	if err != nil {
		return nil, err
	}
	return New(db, f.recorder), nil
}

// Read returns a pool on any healthy node, rotating across candidates.
// The primary serves reads too when it is the only healthy node.
func (f *Sessions) Read() (*sqlx.DB, error) {
	var candidates []*types.Node
	for _, n := range f.registry.Snapshot() {
		if n.Healthy() {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoHealthyPrimary
	}

	// Deterministic order before rotation; Snapshot iterates a map
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].Name < candidates[j-1].Name; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	idx := f.rr.Add(1) % uint64(len(candidates))
	return f.pools.For(candidates[idx].Name)
}
