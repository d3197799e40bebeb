package cluster

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/events"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
	"github.com/cuemby/magpie/pkg/types"
)

// lagWarnSeconds is the replication lag above which a secondary degrades
// to warning
const lagWarnSeconds = 60.0

// Prober measures node health. The production prober goes through the
// node's database pool; tests substitute a fake.
type Prober interface {
	// Ping checks liveness and returns the response time
	Ping(ctx context.Context, node *types.Node) (time.Duration, error)
	// Lag returns how many seconds secondary trails the primary
	Lag(ctx context.Context, primary, secondary *types.Node) (float64, error)
}

// DBProber implements Prober against real database pools
type DBProber struct {
	pools *Pools
}

// NewDBProber creates the sqlx-backed prober
func NewDBProber(pools *Pools) *DBProber {
	return &DBProber{pools: pools}
}

// Ping runs SELECT 1 on the node's pool
func (p *DBProber) Ping(ctx context.Context, node *types.Node) (time.Duration, error) {
	db, err := p.pools.For(node.Name)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return time.Since(start), fmt.Errorf("ping failed: %w", err)
	}
	return time.Since(start), nil
}

// Lag compares clocks between the two nodes' databases
func (p *DBProber) Lag(ctx context.Context, primary, secondary *types.Node) (float64, error) {
	pdb, err := p.pools.For(primary.Name)
	if err != nil {
		return 0, err
	}
	sdb, err := p.pools.For(secondary.Name)
	if err != nil {
		return 0, err
	}

	var pnow, snow time.Time
	if err := pdb.QueryRowContext(ctx, "SELECT now()").Scan(&pnow); err != nil {
		return 0, fmt.Errorf("primary clock read failed: %w", err)
	}
	if err := sdb.QueryRowContext(ctx, "SELECT now()").Scan(&snow); err != nil {
		return 0, fmt.Errorf("secondary clock read failed: %w", err)
	}
	return math.Abs(pnow.Sub(snow).Seconds()), nil
}

// Monitor runs the periodic health check loop over the registry
type Monitor struct {
	registry *Registry
	prober   Prober
	broker   *events.Broker
	cfg      config.FailoverConfig

	alerts *AlertEvaluator

	// OnUnhealthy fires when a node's consecutive failures reach the
	// detection threshold; the failover controller hooks in here
	OnUnhealthy func(node *types.Node)

	stopCh  chan struct{}
	running bool
}

// NewMonitor creates a health monitor
func NewMonitor(registry *Registry, prober Prober, broker *events.Broker, cfg config.FailoverConfig) *Monitor {
	return &Monitor{
		registry: registry,
		prober:   prober,
		broker:   broker,
		cfg:      cfg,
		alerts:   NewAlertEvaluator(DefaultAlertRules(), broker),
		stopCh:   make(chan struct{}),
	}
}

// Alerts exposes the rule evaluator for registration of extra rules
func (m *Monitor) Alerts() *AlertEvaluator {
	return m.alerts
}

// Running reports whether the loop is active
func (m *Monitor) Running() bool {
	return m.running
}

// Start begins the monitoring loop
func (m *Monitor) Start() {
	if m.running {
		return
	}
	m.running = true
	interval := time.Duration(m.cfg.HealthCheckInterval) * time.Second

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Check immediately on start
		m.CheckOnce(context.Background())
		for {
			select {
			case <-ticker.C:
				m.CheckOnce(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
	logger := log.WithComponent("monitor")
	logger.Info().
		Dur("interval", interval).
		Msg("health monitoring started")
}

// Stop stops the monitoring loop
func (m *Monitor) Stop() {
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
}

// CheckOnce runs one full health pass: ping every node, measure secondary
// lag, update the registry, publish transitions and evaluate alert rules.
func (m *Monitor) CheckOnce(ctx context.Context) {
	nodes := m.registry.Snapshot()
	sample := Sample{Now: time.Now()}

	for name, node := range nodes {
		rtt, err := m.prober.Ping(ctx, node)
		sample.ResponseTimes = append(sample.ResponseTimes, rtt.Seconds()*1000)

		if err != nil {
			m.recordFailure(name, err)
			sample.ErrorCount++
			continue
		}
		m.recordSuccess(name)
	}

	m.measureLag(ctx)
	m.updateGauges()
	m.alerts.Evaluate(sample)
}

func (m *Monitor) recordFailure(name string, cause error) {
	var fired *types.Node
	var wentOffline bool

	m.registry.UpdateHealth(name, func(n *types.Node) {
		n.FailureCount++
		n.LastCheck = time.Now()
		n.LastError = cause.Error()

		prev := n.Health
		if n.FailureCount >= m.cfg.FailureThreshold {
			n.Health = types.HealthOffline
		} else {
			n.Health = types.HealthWarning
		}
		wentOffline = prev != types.HealthOffline && n.Health == types.HealthOffline

		if n.FailureCount == m.cfg.DetectionThreshold {
			cp := *n
			fired = &cp
		}
	})

	logger := log.WithNode(name)
	logger.Warn().Err(cause).Msg("health check failed")
	if wentOffline {
		m.broker.Publish(&events.Event{
			Type:     events.EventNodeDown,
			Message:  cause.Error(),
			Metadata: map[string]string{"node": name},
		})
	}
	if fired != nil && m.OnUnhealthy != nil {
		m.OnUnhealthy(fired)
	}
}

func (m *Monitor) recordSuccess(name string) {
	var recovered bool
	m.registry.UpdateHealth(name, func(n *types.Node) {
		recovered = n.Health == types.HealthOffline || n.Health == types.HealthWarning
		n.FailureCount = 0
		n.LastCheck = time.Now()
		n.LastError = ""
		n.Health = types.HealthHealthy
	})
	if recovered {
		m.broker.Publish(&events.Event{
			Type:     events.EventNodeHealthy,
			Message:  "node recovered",
			Metadata: map[string]string{"node": name},
		})
	}
}

func (m *Monitor) measureLag(ctx context.Context) {
	primary := m.registry.Primary()
	if primary == nil || !primary.Healthy() {
		return
	}
	for _, sec := range m.registry.Secondaries() {
		if !sec.Healthy() {
			continue
		}
		lag, err := m.prober.Lag(ctx, primary, sec)
		if err != nil {
			logger := log.WithNode(sec.Name)
			logger.Debug().Err(err).Msg("lag measurement failed")
			continue
		}
		metrics.NodeReplicationLag.WithLabelValues(sec.Name).Set(lag)

		degraded := lag > lagWarnSeconds
		m.registry.UpdateHealth(sec.Name, func(n *types.Node) {
			n.ReplicationLag = lag
			if degraded && n.Health == types.HealthHealthy {
				n.Health = types.HealthWarning
			}
		})
		if degraded {
			m.broker.Publish(&events.Event{
				Type:     events.EventNodeWarning,
				Message:  fmt.Sprintf("replication lag %.1fs", lag),
				Metadata: map[string]string{"node": sec.Name},
			})
		}
	}
}

func (m *Monitor) updateGauges() {
	counts := map[[2]string]int{}
	for _, n := range m.registry.Snapshot() {
		counts[[2]string{string(n.Role), string(n.Health)}]++
	}
	for key, c := range counts {
		metrics.NodesTotal.WithLabelValues(key[0], key[1]).Set(float64(c))
	}
}
