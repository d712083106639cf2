package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"go.uber.org/zap"
)

const (
	defaultDebounce    = 2 * time.Second
	defaultMaxDebounce = 10 * time.Second
	hookTimeout        = 30 * time.Second

	logFieldRoom = "room"
)

var (
	// ErrHostClosed reports an Acquire after Shutdown.
	ErrHostClosed = errors.New("collab: host closed")
	// ErrMissingHooks reports a HostConfig without hooks.
	ErrMissingHooks = errors.New("collab: hooks are required")
)

// HostConfig wires the room host.
type HostConfig struct {
	Hooks       Hooks
	Debounce    time.Duration
	MaxDebounce time.Duration
	Logger      *zap.Logger
}

// Host keeps one live document per room name, loads it through the hooks once, and stores it after
// a debounce window following each change.
type Host struct {
	hooks       Hooks
	debounce    time.Duration
	maxDebounce time.Duration
	logger      *zap.Logger
	dispatcher  *Dispatcher

	mu       sync.Mutex
	rooms    map[string]*Room
	evicting map[string]chan struct{}
	closed   bool
}

// Room is a live document shared by every connection acquired under the same name.
type Room struct {
	host  *Host
	name  RoomName
	doc   *crdt.Doc
	ready chan struct{}
	refs  int

	stateMu      sync.Mutex
	timer        *time.Timer
	dirty        bool
	firstPending time.Time
	actor        string

	storeMu     sync.Mutex
	unsubscribe func()
}

// Name returns the parsed room name.
func (room *Room) Name() RoomName {
	return room.name
}

// Doc returns the room's document.
func (room *Room) Doc() *crdt.Doc {
	return room.doc
}

// ConnectionOrigin marks updates applied on behalf of a connection. The host reads UserID from it
// for store attribution.
type ConnectionOrigin struct {
	ConnectionID string
	UserID       string
}

// NewHost validates cfg and constructs a Host.
func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.Hooks == nil {
		return nil, ErrMissingHooks
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	maxDebounce := cfg.MaxDebounce
	if maxDebounce < debounce {
		maxDebounce = defaultMaxDebounce
		if maxDebounce < debounce {
			maxDebounce = debounce
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		hooks:       cfg.Hooks,
		debounce:    debounce,
		maxDebounce: maxDebounce,
		logger:      logger,
		dispatcher:  NewDispatcher(),
		rooms:       make(map[string]*Room),
		evicting:    make(map[string]chan struct{}),
	}, nil
}

// Dispatcher returns the fan-out used for the host's rooms.
func (host *Host) Dispatcher() *Dispatcher {
	return host.dispatcher
}

// Acquire returns the live room for rawName, creating and loading it on first use. Every
// successful Acquire must be paired with Release.
func (host *Host) Acquire(ctx context.Context, rawName string) (*Room, error) {
	host.mu.Lock()
	if host.closed {
		host.mu.Unlock()
		return nil, ErrHostClosed
	}
	room, exists := host.rooms[rawName]
	if !exists {
		room = &Room{
			host:  host,
			name:  ParseRoomName(rawName),
			doc:   crdt.New(),
			ready: make(chan struct{}),
		}
		host.rooms[rawName] = room
		previous := host.evicting[rawName]
		room.refs++
		host.mu.Unlock()
		host.load(ctx, room, previous)
		return room, nil
	}
	room.refs++
	host.mu.Unlock()

	select {
	case <-room.ready:
		return room, nil
	case <-ctx.Done():
		host.Release(room)
		return nil, ctx.Err()
	}
}

func (host *Host) load(ctx context.Context, room *Room, previous <-chan struct{}) {
	defer close(room.ready)
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hookTimeout)
	defer cancel()
	if previous != nil {
		select {
		case <-previous:
		case <-loadCtx.Done():
		}
	}
	if err := host.hooks.OnLoad(loadCtx, room.name, room.doc); err != nil {
		host.logger.Error("room load failed",
			zap.String("operation", "collab.host.load"),
			zap.String(logFieldRoom, room.name.Raw),
			zap.Error(err))
	}
	room.unsubscribe = room.doc.OnUpdate(room.handleUpdate)
}

// Release drops one reference. The last release stores pending changes and evicts the room.
func (host *Host) Release(room *Room) {
	if room == nil {
		return
	}
	host.mu.Lock()
	room.refs--
	if room.refs > 0 {
		host.mu.Unlock()
		return
	}
	if host.rooms[room.name.Raw] == room {
		delete(host.rooms, room.name.Raw)
	}
	done := make(chan struct{})
	host.evicting[room.name.Raw] = done
	host.mu.Unlock()

	<-room.ready
	room.stop()
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	if err := room.flush(ctx); err != nil {
		host.logger.Warn("room eviction store failed", zap.String(logFieldRoom, room.name.Raw), zap.Error(err))
	}
	cancel()

	host.mu.Lock()
	if host.evicting[room.name.Raw] == done {
		delete(host.evicting, room.name.Raw)
	}
	host.mu.Unlock()
	close(done)
}

// RoomCount returns the number of live rooms.
func (host *Host) RoomCount() int {
	host.mu.Lock()
	defer host.mu.Unlock()
	return len(host.rooms)
}

// Shutdown refuses new rooms and stores every room with pending changes.
func (host *Host) Shutdown(ctx context.Context) error {
	host.mu.Lock()
	host.closed = true
	rooms := make([]*Room, 0, len(host.rooms))
	for _, room := range host.rooms {
		rooms = append(rooms, room)
	}
	host.mu.Unlock()

	var errs []error
	for _, room := range rooms {
		select {
		case <-room.ready:
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		}
		if err := room.flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (room *Room) handleUpdate(event crdt.UpdateEvent) {
	origin := ""
	actor := ""
	if connection, ok := event.Origin.(*ConnectionOrigin); ok && connection != nil {
		origin = connection.ConnectionID
		actor = connection.UserID
	}
	room.host.dispatcher.Publish(RoomUpdate{Room: room.name.Raw, Origin: origin, Update: event.Update})
	room.scheduleStore(actor)
}

func (room *Room) scheduleStore(actor string) {
	room.stateMu.Lock()
	defer room.stateMu.Unlock()
	now := time.Now()
	if !room.dirty {
		room.dirty = true
		room.firstPending = now
	}
	if actor != "" {
		room.actor = actor
	}
	delay := room.host.debounce
	if deadline := room.firstPending.Add(room.host.maxDebounce); now.Add(delay).After(deadline) {
		delay = max(deadline.Sub(now), 0)
	}
	if room.timer != nil {
		room.timer.Stop()
	}
	room.timer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		if err := room.flush(ctx); err != nil {
			room.host.logger.Warn("room store failed", zap.String(logFieldRoom, room.name.Raw), zap.Error(err))
		}
	})
}

// flush runs the store hook when changes are pending. Calls for one room never overlap.
func (room *Room) flush(ctx context.Context) error {
	room.storeMu.Lock()
	defer room.storeMu.Unlock()

	room.stateMu.Lock()
	if !room.dirty {
		room.stateMu.Unlock()
		return nil
	}
	room.dirty = false
	if room.timer != nil {
		room.timer.Stop()
		room.timer = nil
	}
	actor := room.actor
	firstPending := room.firstPending
	room.stateMu.Unlock()

	err := room.host.hooks.OnStore(ctx, room.name, room.doc, StoreContext{Actor: actor})
	if err != nil {
		room.stateMu.Lock()
		if !room.dirty {
			room.dirty = true
			room.firstPending = firstPending
		}
		room.stateMu.Unlock()
	}
	return err
}

func (room *Room) stop() {
	if room.unsubscribe != nil {
		room.unsubscribe()
	}
	room.stateMu.Lock()
	if room.timer != nil {
		room.timer.Stop()
		room.timer = nil
	}
	room.stateMu.Unlock()
}
