// Package events provides the deployment timeline broker, which broadcasts
// timestamped events to live subscribers (e.g. an operator watching a
// rollout). Orchestrator events (state transitions, gate trips, rollback
// proposals, do_not_autostart skips) are both stored on the deployment
// record and broadcast; the per-agent outcomes published by the update
// protocol are broadcast only and are not stored on the deployment record.
package events

import (
	"sync"
	"time"

	"github.com/cirisai/manager/pkg/types"
)

// Event pairs a deployment id with one timeline entry, for subscribers
// watching across deployments.
type Event struct {
	DeploymentID string
	types.DeploymentEvent
}

// Subscriber is a channel that receives broadcast events.
type Subscriber chan *Event

// Broker distributes deployment events to live subscribers. It does not
// retain history itself — the authoritative event list lives on each
// types.DeploymentStatus; the broker only fans out as events happen.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a Broker. Call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution and is safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe returns a new channel that receives every future event.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish emits an event built from the given kind, agent id and detail,
// stamped with the current time.
func (b *Broker) Publish(deploymentID string, kind types.EventKind, agentID, detail string) {
	event := &Event{
		DeploymentID: deploymentID,
		DeploymentEvent: types.DeploymentEvent{
			Timestamp: time.Now(),
			Kind:      kind,
			AgentID:   agentID,
			Detail:    detail,
		},
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
			// Subscriber buffer full; drop rather than block the broker.
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
