package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventCrawlStarted      EventType = "crawl.started"
	EventCrawlCompleted    EventType = "crawl.completed"
	EventCrawlFailed       EventType = "crawl.failed"
	EventImageDownloaded   EventType = "image.downloaded"
	EventImageFailed       EventType = "image.failed"
	EventNodeHealthy       EventType = "node.healthy"
	EventNodeWarning       EventType = "node.warning"
	EventNodeDown          EventType = "node.down"
	EventFailoverStarted   EventType = "failover.started"
	EventFailoverCompleted EventType = "failover.completed"
	EventFailoverFailed    EventType = "failover.failed"
	EventSyncQueued        EventType = "sync.queued"
	EventSyncDropped       EventType = "sync.dropped"
	EventFullSyncDone      EventType = "sync.full_completed"
	EventAlertFiring       EventType = "alert.firing"
	EventAlertResolved     EventType = "alert.resolved"
)

// Event represents a cluster or crawl event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// historySize bounds the retained event ring
const historySize = 100

// Broker manages event subscriptions and distribution. It also retains the
// last historySize events so late observers can catch up.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}

	history []*Event
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// Recent returns a copy of the retained event history, oldest first
func (b *Broker) Recent() []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Event, len(b.history))
	copy(out, b.history)
	return out
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
