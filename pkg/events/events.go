// Package events provides the in-process broker feeding the tenant event
// stream. Publishing never blocks; slow subscribers drop events.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	EventVMCreated          EventType = "vm.created"
	EventVMStarted          EventType = "vm.started"
	EventVMStopped          EventType = "vm.stopped"
	EventVMDeleted          EventType = "vm.deleted"
	EventVMError            EventType = "vm.error"
	EventNodeOnline         EventType = "node.online"
	EventNodeOffline        EventType = "node.offline"
	EventDepositConfirmed   EventType = "deposit.confirmed"
	EventSettlementComplete EventType = "settlement.confirmed"
	EventAttestationPaused  EventType = "attestation.paused"
	EventAttestationResumed EventType = "attestation.resumed"
)

// Event is one broker message. OwnerID scopes delivery: the hub only fans an
// event out to the tenant it concerns (empty = operators only).
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	OwnerID   string            `json:"-"`
	VMID      string            `json:"vmId,omitempty"`
	NodeID    string            `json:"nodeId,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
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

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
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
