package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an in-process lifecycle event. Node state changes, sync pass
// boundaries, drift detections and join attempts all flow through the bus
// as events.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the event type.
	Type string `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Node is the node ID, if applicable.
	Node string `json:"node,omitempty"`

	// Workload is the workload name, if applicable.
	Workload string `json:"workload,omitempty"`

	// PassID is the reconciliation pass, if applicable.
	PassID string `json:"pass_id,omitempty"`

	// PlanID is the sync plan, if applicable.
	PlanID string `json:"plan_id,omitempty"`

	// Message is a human-readable summary.
	Message string `json:"message"`

	// Level is the event severity (info, warning, error).
	Level string `json:"level"`

	// Data carries additional event-specific fields.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event type constants.
const (
	EventTypeNodeStateChanged = "node.state_changed"
	EventTypeJoinRequested    = "join.requested"
	EventTypeJoinCompleted    = "join.completed"
	EventTypeJoinFailed       = "join.failed"
	EventTypePassStarted      = "sync.pass_started"
	EventTypePassCompleted    = "sync.pass_completed"
	EventTypeActionApplied    = "sync.action_applied"
	EventTypeActionFailed     = "sync.action_failed"
	EventTypeDriftDetected    = "drift.detected"
	EventTypeOrphanReported   = "drift.orphan_reported"
	EventTypeSourceUpdated    = "source.updated"
)

// Event level constants.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Subscriber receives events published to the bus.
type Subscriber func(event Event)

// Bus is a lightweight in-process publish/subscribe bus. Publishing never
// blocks the caller: when the buffer is full the event is dropped rather
// than stalling a reconciliation pass. A nil *Bus is safe to publish to.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	buffer      chan Event
	done        chan struct{}
	wg          sync.WaitGroup
	enabled     bool
}

// NewBus creates a bus and starts its dispatch loop.
func NewBus(cfg EventsConfig) *Bus {
	if !cfg.Enabled {
		return &Bus{}
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 256
	}
	b := &Bus{
		buffer:  make(chan Event, size),
		done:    make(chan struct{}),
		enabled: true,
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Publish sends an event to all subscribers asynchronously.
func (b *Bus) Publish(event Event) {
	if b == nil || !b.enabled {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}
	select {
	case b.buffer <- event:
	default:
		// Bus full; drop rather than block the publisher.
	}
}

// Subscribe registers a subscriber for all subsequent events.
func (b *Bus) Subscribe(fn Subscriber) {
	if b == nil || !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// Close stops the dispatch loop after draining buffered events.
func (b *Bus) Close() {
	if b == nil || !b.enabled {
		return
	}
	close(b.done)
	b.wg.Wait()
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		case <-b.done:
			for {
				select {
				case event := <-b.buffer:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(event)
	}
}
