package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/magpie/pkg/cluster"
	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/events"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
	"github.com/cuemby/magpie/pkg/schema"
	"github.com/cuemby/magpie/pkg/types"
)

// historySize bounds the retained failover event ring
const historySize = 100

// Validator checks that a promotion target can serve as primary. The
// default implementation connects and ensures the schema exists.
type Validator interface {
	Validate(ctx context.Context, node *types.Node) error
}

// Syncer is the replication hook used around a role swap
type Syncer interface {
	// DrainOnce flushes queued operations to their targets
	DrainOnce(ctx context.Context)
	// FullSync runs one reconciliation pass
	FullSync(ctx context.Context) error
}

// Notifier announces a role change to cluster peers
type Notifier interface {
	NotifyRoleChange(ctx context.Context, node *types.Node, newPrimary string) error
}

// Controller drives the failover state machine. One failover runs at a
// time; automatic triggers arrive from the health monitor, manual ones
// from the API.
type Controller struct {
	cfg      config.FailoverConfig
	registry *cluster.Registry
	validate Validator
	syncer   Syncer
	notifier Notifier
	broker   *events.Broker

	mu       sync.Mutex
	state    types.FailoverState
	inFlight bool
	history  []types.FailoverEvent

	// OnFailover receives every completed or failed attempt
	OnFailover func(types.FailoverEvent)
}

// New creates a failover controller
func New(cfg config.FailoverConfig, registry *cluster.Registry, validate Validator, syncer Syncer, notifier Notifier, broker *events.Broker) *Controller {
	return &Controller{
		cfg:      cfg,
		registry: registry,
		validate: validate,
		syncer:   syncer,
		notifier: notifier,
		broker:   broker,
		state:    types.FailoverNormal,
	}
}

// State returns the controller's current state
func (c *Controller) State() types.FailoverState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns a copy of the retained failover events, oldest first
func (c *Controller) History() []types.FailoverEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.FailoverEvent, len(c.history))
	copy(out, c.history)
	return out
}

// HandleUnhealthy is the automatic trigger, wired to the health monitor's
// detection threshold. Only a failing primary starts a failover, and only
// when auto failover is enabled.
func (c *Controller) HandleUnhealthy(node *types.Node) {
	if !c.cfg.EnableAutoFailover {
		return
	}
	primary := c.registry.Primary()
	if primary == nil || primary.Name != node.Name {
		return
	}

	lg := log.WithComponent("failover")
	lg.Warn().
		Str("node", node.Name).
		Int("failures", node.FailureCount).
		Msg("primary unhealthy, starting automatic failover")

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(c.cfg.FailoverTimeout)*time.Second)
	defer cancel()

	if _, err := c.Failover(ctx, "", "primary health check failures reached detection threshold"); err != nil {
		lg.Error().Err(err).Msg("automatic failover failed")
	}
}

// Failover promotes targetName (or the best candidate when empty) to
// primary. Returns the promoted node's name.
func (c *Controller) Failover(ctx context.Context, targetName, reason string) (string, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return "", fmt.Errorf("failover already in progress")
	}
	c.inFlight = true
	c.state = types.FailoverDetecting
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.state = types.FailoverNormal
		c.mu.Unlock()
	}()

	start := time.Now()
	source := ""
	if p := c.registry.Primary(); p != nil {
		source = p.Name
	}

	target, err := c.pickTarget(targetName)
	if err != nil {
		c.finish(types.FailoverEvent{
			Timestamp: start, SourceNode: source, TargetNode: targetName,
			Reason: reason, Status: types.FailoverFailed,
			Duration: time.Since(start), Error: err.Error(),
		})
		return "", err
	}

	c.setState(types.FailoverSwitching)
	logger := log.WithComponent("failover")
	logger.Info().Str("from", source).Str("to", target.Name).Str("reason", reason).Msg("switching primary")
	c.broker.Publish(&events.Event{
		Type:     events.EventFailoverStarted,
		Message:  reason,
		Metadata: map[string]string{"source": source, "target": target.Name},
	})

	// A target that cannot hold the schema cannot be primary
	if err := c.validate.Validate(ctx, target); err != nil {
		err = fmt.Errorf("target validation failed: %w", err)
		c.finish(types.FailoverEvent{
			Timestamp: start, SourceNode: source, TargetNode: target.Name,
			Reason: reason, Status: types.FailoverFailed,
			Duration: time.Since(start), Error: err.Error(),
		})
		return "", err
	}

	if c.cfg.WaitForCatchup {
		c.syncer.DrainOnce(ctx)
	}

	// Best effort: a failing source is expected here and must not block
	// the promotion
	if err := c.syncer.FullSync(ctx); err != nil {
		logger.Warn().Err(err).Msg("pre-switch sync incomplete, promoting anyway")
	}

	if err := c.registry.Promote(target.Name); err != nil {
		c.finish(types.FailoverEvent{
			Timestamp: start, SourceNode: source, TargetNode: target.Name,
			Reason: reason, Status: types.FailoverFailed,
			Duration: time.Since(start), Error: err.Error(),
		})
		return "", err
	}
	c.registry.ResetFailureCounts()

	// Tell every peer about the new primary; unreachable peers learn on
	// their next status poll
	for name, node := range c.registry.Snapshot() {
		if name == c.registry.LocalName() {
			continue
		}
		if err := c.notifier.NotifyRoleChange(ctx, node, target.Name); err != nil {
			logger.Warn().Str("peer", name).Err(err).Msg("role change notification failed")
		}
	}

	c.finish(types.FailoverEvent{
		Timestamp: start, SourceNode: source, TargetNode: target.Name,
		Reason: reason, Status: types.FailoverCompleted,
		Duration: time.Since(start),
	})
	logger.Info().Str("primary", target.Name).Dur("took", time.Since(start)).Msg("failover completed")
	return target.Name, nil
}

// pickTarget resolves the promotion target: the named node, or the
// healthy secondary/standby with the lowest priority
func (c *Controller) pickTarget(name string) (*types.Node, error) {
	if name != "" {
		node, ok := c.registry.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown target node %q", name)
		}
		if !node.Healthy() {
			return nil, fmt.Errorf("target node %q is not healthy", name)
		}
		return node, nil
	}

	for _, n := range c.registry.Secondaries() {
		if !n.Healthy() {
			continue
		}
		if n.Role == types.NodeRoleSecondary || n.Role == types.NodeRoleStandby {
			return n, nil
		}
	}
	return nil, fmt.Errorf("no healthy failover candidate")
}

func (c *Controller) setState(s types.FailoverState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// finish records the terminal event: ring, metrics, events and callback
func (c *Controller) finish(ev types.FailoverEvent) {
	c.mu.Lock()
	c.state = ev.Status
	c.history = append(c.history, ev)
	if len(c.history) > historySize {
		c.history = c.history[len(c.history)-historySize:]
	}
	cb := c.OnFailover
	c.mu.Unlock()

	outcome := "completed"
	evType := events.EventFailoverCompleted
	if ev.Status == types.FailoverFailed {
		outcome = "failed"
		evType = events.EventFailoverFailed
	}
	metrics.FailoversTotal.WithLabelValues(outcome).Inc()
	metrics.FailoverDuration.Observe(ev.Duration.Seconds())

	c.broker.Publish(&events.Event{
		Type:    evType,
		Message: ev.Reason,
		Metadata: map[string]string{
			"source": ev.SourceNode,
			"target": ev.TargetNode,
			"error":  ev.Error,
		},
	})
	if cb != nil {
		cb(ev)
	}
}

// DBValidator is the production Validator: the target must answer a ping
// and hold the full schema before it takes writes
type DBValidator struct {
	pools *cluster.Pools
}

// NewDBValidator creates a validator over the cluster's pools
func NewDBValidator(pools *cluster.Pools) *DBValidator {
	return &DBValidator{pools: pools}
}

// Validate connects to the node and ensures the schema exists
func (v *DBValidator) Validate(ctx context.Context, node *types.Node) error {
	db, err := v.pools.For(node.Name)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("node %s unreachable: %w", node.Name, err)
	}
	return schema.Ensure(db)
}
