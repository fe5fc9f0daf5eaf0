package events

import (
	"sync"

	"github.com/cuemby/chronicle/pkg/types"
)

// EventType distinguishes the three notifications an RSM runtime listens
// for per the core's external-interfaces contract.
type EventType string

const (
	// TermStarted announces a term has been established for a history;
	// an RSM in Follower role adopts Leader role on receipt.
	TermStarted EventType = "term_started"
	// TermFinished announces a previously-started term has ended (leader
	// lost quorum or stepped down); an RSM in Leader role for that exact
	// (historyId, term) falls back to Follower.
	TermFinished EventType = "term_finished"
	// MetadataUpdated announces the local Agent's metadata advanced,
	// e.g. CommittedSeqno moved forward; RSMs use this to learn a new
	// AvailableSeqno.
	MetadataUpdated EventType = "metadata_updated"
)

// Event is the payload published on the bus.
type Event struct {
	Type      EventType
	HistoryID types.HistoryID
	Term      types.Term
	// AvailableSeqno is only meaningful for MetadataUpdated.
	AvailableSeqno uint64
}

// Subscriber is a channel that receives events.
type Subscriber chan Event

// Broker distributes events to subscribers without blocking the publisher.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}
	eventCh     chan Event
	stopCh      chan struct{}
	once        sync.Once
}

// NewBroker creates a stopped broker; call Start to begin distribution.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]struct{}),
		eventCh:     make(chan Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop in its own goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution: events published after Stop are never
// delivered, and Publish never blocks on a stopped broker. Subscribe still
// returns a channel after Stop, but nothing is sent on it.
func (b *Broker) Stop() {
	b.once.Do(func() { close(b.stopCh) })
}

// Subscribe returns a new, buffered subscription channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 32)
	b.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues ev for distribution. It never blocks on a stopped
// broker.
func (b *Broker) Publish(ev Event) {
	select {
	case b.eventCh <- ev:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case ev := <-b.eventCh:
			b.broadcast(ev)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
			// subscriber buffer full; drop rather than stall the bus
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
