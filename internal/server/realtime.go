package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/morecoffee/internal/tracking"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "morecoffee-backend"
	defaultStreamBuffer    = 16
)

// InventoryMessage is one inventory notification delivered to stream subscribers.
type InventoryMessage struct {
	EventType       string
	SupplyID        int64
	EventID         int64
	RemainingOunces float64
	Timestamp       time.Time
}

// InventoryDispatcher fans inventory messages out to every subscriber. A
// subscriber whose buffer is full misses the message.
type InventoryDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*inventorySubscriber
	nextID      int64
	bufferSize  int
}

type inventorySubscriber struct {
	id     int64
	stream chan InventoryMessage
}

func NewInventoryDispatcher() *InventoryDispatcher {
	return &InventoryDispatcher{
		subscribers: make(map[int64]*inventorySubscriber),
		bufferSize:  defaultStreamBuffer,
	}
}

// Subscribe registers a subscriber until ctx is done or the returned
// cleanup runs.
func (d *InventoryDispatcher) Subscribe(ctx context.Context) (<-chan InventoryMessage, func()) {
	subscriber := &inventorySubscriber{
		id:     d.nextSequence(),
		stream: make(chan InventoryMessage, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	cleanup := func() {
		d.unregisterSubscriber(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *InventoryDispatcher) Publish(message InventoryMessage) {
	if message.EventType == "" {
		return
	}
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*inventorySubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// PublishInventoryChange satisfies tracking.Publisher.
func (d *InventoryDispatcher) PublishInventoryChange(change tracking.InventoryChange) {
	timestamp := change.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	d.Publish(InventoryMessage{
		EventType:       string(change.Kind),
		SupplyID:        change.SupplyID,
		EventID:         change.EventID,
		RemainingOunces: change.RemainingOunces,
		Timestamp:       timestamp,
	})
}

// SubscriberCount returns the number of live subscribers.
func (d *InventoryDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *InventoryDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *InventoryDispatcher) registerSubscriber(subscriber *inventorySubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *InventoryDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
