package collab

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 256

// RoomUpdate is one encoded document delta fanned out to a room's connections.
type RoomUpdate struct {
	Room   string
	Origin string
	Update []byte
}

// Subscription receives the updates of one room, minus those produced by its own connection.
// Evicted is closed when the subscriber fell too far behind to keep up.
type Subscription struct {
	Updates <-chan RoomUpdate
	Evicted <-chan struct{}
	cancel  func()
}

// Cancel unregisters the subscription.
func (subscription Subscription) Cancel() {
	if subscription.cancel != nil {
		subscription.cancel()
	}
}

// Dispatcher fans room updates out to per-connection buffered streams.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*roomSubscriber
	nextID      int64
	bufferSize  int
}

type roomSubscriber struct {
	id           int64
	connectionID string
	stream       chan RoomUpdate
	evicted      chan struct{}
	evictOnce    sync.Once
}

// NewDispatcher constructs a Dispatcher with the default per-subscriber buffer.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*roomSubscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers connectionID for updates to room until ctx ends or Cancel is called.
func (d *Dispatcher) Subscribe(ctx context.Context, room, connectionID string) Subscription {
	subscriber := &roomSubscriber{
		id:           d.nextSequence(),
		connectionID: connectionID,
		stream:       make(chan RoomUpdate, d.bufferSize),
		evicted:      make(chan struct{}),
	}
	d.registerSubscriber(room, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(room, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return Subscription{Updates: subscriber.stream, Evicted: subscriber.evicted, cancel: cleanup}
}

// Publish delivers update without blocking. Subscribers whose buffer is full are evicted.
func (d *Dispatcher) Publish(update RoomUpdate) {
	if update.Room == "" || len(update.Update) == 0 {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[update.Room]
	copies := make([]*roomSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if subscriber.connectionID == update.Origin {
			continue
		}
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- update:
		default:
			subscriber.evictOnce.Do(func() { close(subscriber.evicted) })
			d.unregisterSubscriber(update.Room, subscriber.id)
		}
	}
}

// SubscriberCount returns the number of live subscribers for room.
func (d *Dispatcher) SubscriberCount(room string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[room])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(room string, subscriber *roomSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[room]; !ok {
		d.subscribers[room] = make(map[int64]*roomSubscriber)
	}
	d.subscribers[room][subscriber.id] = subscriber
}

func (d *Dispatcher) unregisterSubscriber(room string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[room]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, room)
		}
	}
	d.mu.Unlock()
}
