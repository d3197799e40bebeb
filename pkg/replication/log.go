package replication

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/magpie/pkg/events"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
	"github.com/cuemby/magpie/pkg/types"
)

// Log is the bounded in-memory replication queue. When full, the oldest
// operation is dropped so recent writes keep flowing; the drop is loud
// (warning, counter, event) because it means at-least-once delivery was
// violated until the next full reconciliation.
type Log struct {
	mu      sync.Mutex
	ops     []*types.SyncOperation
	max     int
	dropped int

	broker *events.Broker
	kickCh chan struct{}
}

// NewLog creates a queue bounded at max operations
func NewLog(max int, broker *events.Broker) *Log {
	return &Log{
		max:    max,
		broker: broker,
		kickCh: make(chan struct{}, 1),
	}
}

// Append records an operation, stamping identity and timestamp if unset,
// and kicks the drain loop
func (l *Log) Append(op *types.SyncOperation) {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	if op.Status == "" {
		op.Status = types.OpPending
	}

	l.mu.Lock()
	if len(l.ops) >= l.max {
		dropped := l.ops[0]
		l.ops = l.ops[1:]
		l.dropped++
		l.mu.Unlock()

		lg := log.WithComponent("replication")
		lg.Warn().
			Str("operation", dropped.ID).
			Str("table", dropped.Table).
			Msg("sync queue full, dropped oldest operation")
		metrics.SyncOperationsTotal.WithLabelValues(string(dropped.Kind), "dropped").Inc()
		l.broker.Publish(&events.Event{
			Type:     events.EventSyncDropped,
			Message:  "sync queue overflow",
			Metadata: map[string]string{"operation": dropped.ID, "table": dropped.Table},
		})
		l.mu.Lock()
	}
	l.ops = append(l.ops, op)
	size := len(l.ops)
	l.mu.Unlock()

	metrics.SyncQueueSize.Set(float64(size))
	l.broker.Publish(&events.Event{
		Type:     events.EventSyncQueued,
		Message:  string(op.Kind) + " " + op.Table,
		Metadata: map[string]string{"operation": op.ID},
	})

	select {
	case l.kickCh <- struct{}{}:
	default:
	}
}

// Drain atomically takes every queued operation
func (l *Log) Drain() []*types.SyncOperation {
	l.mu.Lock()
	defer l.mu.Unlock()

	ops := l.ops
	l.ops = nil
	metrics.SyncQueueSize.Set(0)
	return ops
}

// Requeue returns failed operations to the front of the queue, oldest
// first, respecting the bound
func (l *Log) Requeue(ops []*types.SyncOperation) {
	if len(ops) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ops = append(append([]*types.SyncOperation{}, ops...), l.ops...)
	for len(l.ops) > l.max {
		l.ops = l.ops[1:]
		l.dropped++
	}
	metrics.SyncQueueSize.Set(float64(len(l.ops)))
}

// Size returns the current queue depth
func (l *Log) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ops)
}

// Dropped returns the lifetime overflow count
func (l *Log) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Kick returns the channel signaled on append; the drain loop selects on
// it to flush promptly instead of waiting out the interval
func (l *Log) Kick() <-chan struct{} {
	return l.kickCh
}
