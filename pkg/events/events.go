package events

import (
	"sync"
	"time"
)

// ContentKind tags the Event.Content sum type.
type ContentKind string

const (
	// Agent-side reconcile lifecycle
	ContentReconcileStart    ContentKind = "ReconcileStart"
	ContentReconcileComplete ContentKind = "ReconcileComplete"
	ContentReconcileError    ContentKind = "ReconcileError"

	// Transfer lifecycle
	ContentTransferStart    ContentKind = "TransferStart"
	ContentTransferProgress ContentKind = "TransferProgress"
	ContentTransferEnd      ContentKind = "TransferEnd"

	// Cannon / transaction lifecycle
	ContentAuthorizationReceived  ContentKind = "AuthorizationReceived"
	ContentExecuteAwaitingCompute ContentKind = "ExecuteAwaitingCompute"
	ContentExecuting              ContentKind = "Executing"
	ContentExecuteComplete        ContentKind = "ExecuteComplete"
	ContentExecuteFailed          ContentKind = "ExecuteFailed"
	ContentExecuteAborted         ContentKind = "ExecuteAborted"
	ContentExecuteExceeded        ContentKind = "ExecuteExceeded"

	// Agent connectivity
	ContentAgentConnected    ContentKind = "AgentConnected"
	ContentAgentDisconnected ContentKind = "AgentDisconnected"

	// Environment lifecycle
	ContentEnvironmentApplied ContentKind = "EnvironmentApplied"
	ContentEnvironmentDeleted ContentKind = "EnvironmentDeleted"
)

// Content is the tagged-union payload of an Event.
type Content struct {
	Kind ContentKind

	// ReconcileError
	ErrorType string
	ErrorMsg  string

	// TransferProgress / TransferEnd
	DownloadedBytes uint64
	TotalBytes      uint64

	// Executing
	Agent string

	// ExecuteComplete
	Transaction string

	// ExecuteExceeded
	Attempts int
}

// Event is a structured notification carrying optional correlation ids for
// the subscriber filter to match against.
type Event struct {
	CreatedAt time.Time
	AgentID   *string
	NodeKey   *string
	EnvID     *string
	TxID      *string
	CannonID  *string
	Content   Content
}

// Subscriber is a channel that receives events matching its filter.
type Subscriber chan *Event

// Broker manages filtered pub/sub distribution, grounded on the teacher's
// buffered-channel broadcast loop but adding per-subscriber filters.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]Filter
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]Filter),
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
	close(b.stopCh)
}

// Subscribe registers a subscription filtered by f. A nil filter is treated
// as Unfiltered.
func (b *Broker) Subscribe(f Filter) Subscriber {
	if f == nil {
		f = Unfiltered{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = f
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers whose filter matches.
// Publish order is preserved per subscriber; no cross-subscriber ordering is
// guaranteed.
func (b *Broker) Publish(event *Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
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

	for sub, filter := range b.subscribers {
		if !filter.Matches(event) {
			continue
		}
		select {
		case sub <- event:
		default:
			// subscriber buffer full, drop
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
