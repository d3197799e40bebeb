package cluster

import (
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/cuemby/magpie/pkg/types"
)

// Pools lazily opens and caches one sqlx pool per database node
type Pools struct {
	mu       sync.Mutex
	registry *Registry
	pools    map[string]*sqlx.DB
	maxConns int
}

// NewPools creates the pool cache
func NewPools(registry *Registry, maxConns int) *Pools {
	return &Pools{
		registry: registry,
		pools:    make(map[string]*sqlx.DB),
		maxConns: maxConns,
	}
}

// For returns the pool for the named node, opening it on first use
func (p *Pools) For(name string) (*sqlx.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.pools[name]; ok {
		return db, nil
	}
	node, ok := p.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown node %q", name)
	}
	db, err := sqlx.Open("postgres", node.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool for %s: %w", name, err)
	}
	db.SetMaxOpenConns(p.maxConns)
	db.SetMaxIdleConns(p.maxConns / 2)
	p.pools[name] = db
	return db, nil
}

// Primary returns the pool of the current primary
func (p *Pools) Primary() (*sqlx.DB, *types.Node, error) {
	primary := p.registry.Primary()
	if primary == nil {
		return nil, nil, fmt.Errorf("no primary node assigned")
	}
	db, err := p.For(primary.Name)
	if err != nil {
		return nil, nil, err
	}
	return db, primary, nil
}

// Invalidate drops the cached pool for a node, forcing a reopen
func (p *Pools) Invalidate(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.pools[name]; ok {
		db.Close()
		delete(p.pools, name)
	}
}

// Stats reports open connection counts per cached pool
func (p *Pools) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]int, len(p.pools))
	for name, db := range p.pools {
		out[name] = db.Stats().OpenConnections
	}
	return out
}

// Close closes every cached pool
func (p *Pools) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, db := range p.pools {
		db.Close()
		delete(p.pools, name)
	}
}
