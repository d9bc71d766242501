package telemetry

import (
	"sync"
	"time"
)

// EventType names a telemetry event.
type EventType string

const (
	EventTaskClaimed       EventType = "task.claimed"
	EventTaskReleased      EventType = "task.released"
	EventTaskDone          EventType = "task.done"
	EventTaskEscalated     EventType = "task.escalated"
	EventTaskBlocked       EventType = "task.blocked"
	EventTaskThrottled     EventType = "task.throttled"
	EventAgentRun          EventType = "agent.run"
	EventHostingRequest    EventType = "hosting.request"
	EventGovernorDefer     EventType = "governor.defer"
	EventSweepClosed       EventType = "sweep.closed_issue"
	EventSweepStale        EventType = "sweep.stale_in_progress"
	EventSweepBlocked      EventType = "sweep.blocked_reconcile"
	EventCheckpointReached EventType = "worker.checkpoint.reached"
	EventPauseRequested    EventType = "worker.pause.requested"
	EventPauseReached      EventType = "worker.pause.reached"
	EventPauseCleared      EventType = "worker.pause.cleared"
	EventLabelProblem      EventType = "label.problem"
)

// Level is the severity of an event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one telemetry record.
type Event struct {
	TS    time.Time      `json:"ts"`
	Repo  string         `json:"repo,omitempty"`
	Type  EventType      `json:"type"`
	Level Level          `json:"level"`
	Data  map[string]any `json:"data,omitempty"`
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers. Nil-safe so callers
// can run without a broker wired in.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.TS.IsZero() {
		event.TS = time.Now()
	}
	if event.Level == "" {
		event.Level = LevelInfo
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

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
