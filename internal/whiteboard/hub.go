package whiteboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPersistSchedule is the cron spec for projecting dirty rooms.
	DefaultPersistSchedule = "@every 30s"
	// DefaultSweepSchedule is the cron spec for stopping rooms without clients.
	DefaultSweepSchedule = "@every 5m"

	persistConcurrency = 4
	persistTimeout     = 30 * time.Second
)

var (
	// ErrHubStopped reports a Join after Stop.
	ErrHubStopped = errors.New("whiteboard: hub stopped")
	// ErrMissingLockStore reports a HubConfig without a LockStore.
	ErrMissingLockStore = errors.New("whiteboard: lock store is required")
)

// Projector writes a room document back to the relational tables.
type Projector interface {
	PersistWhiteboard(ctx context.Context, viewID string, doc *crdt.Doc, actor string) error
}

// HubConfig configures a Hub. Projector is optional; without it rooms live only in memory.
type HubConfig struct {
	Locks           LockStore
	LockTTL         time.Duration
	Projector       Projector
	PersistSchedule string
	SweepSchedule   string
	Logger          *zap.Logger
}

// Hub owns every whiteboard room of the process.
type Hub struct {
	locks     LockStore
	lockTTL   time.Duration
	projector Projector
	logger    *zap.Logger
	scheduler *cron.Cron

	mu      sync.Mutex
	rooms   map[string]*Room
	stopped bool
}

// NewHub validates cfg and registers the scheduled jobs. Call Start to run them.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Locks == nil {
		return nil, ErrMissingLockStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	persistSchedule := cfg.PersistSchedule
	if persistSchedule == "" {
		persistSchedule = DefaultPersistSchedule
	}
	sweepSchedule := cfg.SweepSchedule
	if sweepSchedule == "" {
		sweepSchedule = DefaultSweepSchedule
	}

	hub := &Hub{
		locks:     cfg.Locks,
		lockTTL:   lockTTL,
		projector: cfg.Projector,
		logger:    logger,
		scheduler: cron.New(),
		rooms:     make(map[string]*Room),
	}
	if _, err := hub.scheduler.AddFunc(persistSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := hub.PersistAll(ctx); err != nil {
			hub.logger.Error("scheduled whiteboard persist failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("whiteboard: persist schedule %q: %w", persistSchedule, err)
	}
	if _, err := hub.scheduler.AddFunc(sweepSchedule, func() {
		hub.Sweep(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("whiteboard: sweep schedule %q: %w", sweepSchedule, err)
	}
	return hub, nil
}

// Start runs the scheduled jobs in the background.
func (hub *Hub) Start() {
	hub.scheduler.Start()
}

// Join registers client with the room for viewID, creating the room on first use.
func (hub *Hub) Join(viewID string, client *Client) (*Room, error) {
	if viewID == "" {
		return nil, ErrMissingObjectID
	}
	for {
		hub.mu.Lock()
		if hub.stopped {
			hub.mu.Unlock()
			return nil, ErrHubStopped
		}
		room, ok := hub.rooms[viewID]
		if !ok {
			room = newRoom(viewID, hub.locks, hub.lockTTL, hub.logger)
			hub.rooms[viewID] = room
			go room.run()
		}
		hub.mu.Unlock()

		if room.Register(client) {
			return room, nil
		}
		// The room stopped between lookup and register; drop it and retry.
		hub.forget(viewID, room)
	}
}

// Leave unregisters client from room.
func (hub *Hub) Leave(room *Room, client *Client) {
	room.Unregister(client)
}

// RoomCount returns the number of live rooms.
func (hub *Hub) RoomCount() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.rooms)
}

// PersistAll projects every dirty initialized room.
func (hub *Hub) PersistAll(ctx context.Context) error {
	if hub.projector == nil {
		return nil
	}
	group, groupContext := errgroup.WithContext(ctx)
	group.SetLimit(persistConcurrency)
	for _, room := range hub.snapshot() {
		group.Go(func() error {
			return hub.persist(groupContext, room)
		})
	}
	return group.Wait()
}

// Sweep persists and stops rooms that have no clients.
func (hub *Hub) Sweep(ctx context.Context) {
	for _, room := range hub.snapshot() {
		if !hub.detachIdle(room) {
			continue
		}
		if err := hub.retire(ctx, room); err != nil {
			hub.logger.Warn("retired whiteboard room without a final projection",
				zap.String("view_id", room.viewID),
				zap.Error(err))
		}
	}
}

// detachIdle removes room from the hub if it has no clients. The idle check runs on the room
// goroutine under the hub lock, so a racing Join either registers first or sees the room retiring
// and retries with a fresh one.
func (hub *Hub) detachIdle(room *Room) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.rooms[room.viewID] != room || !room.retireIfIdle() {
		return false
	}
	delete(hub.rooms, room.viewID)
	return true
}

// Stop halts the scheduler, then persists and stops every room.
func (hub *Hub) Stop(ctx context.Context) error {
	select {
	case <-hub.scheduler.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	hub.mu.Lock()
	hub.stopped = true
	rooms := make([]*Room, 0, len(hub.rooms))
	for _, room := range hub.rooms {
		rooms = append(rooms, room)
	}
	hub.rooms = make(map[string]*Room)
	hub.mu.Unlock()

	var errs []error
	for _, room := range rooms {
		if err := hub.retire(ctx, room); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (hub *Hub) retire(ctx context.Context, room *Room) error {
	err := hub.persist(ctx, room)
	room.Stop()
	return err
}

func (hub *Hub) persist(ctx context.Context, room *Room) error {
	if hub.projector == nil {
		return nil
	}
	dirty, actor := room.takeDirty()
	if !dirty {
		return nil
	}
	if err := hub.projector.PersistWhiteboard(ctx, room.viewID, room.Doc(), actor); err != nil {
		room.markDirty()
		hub.logger.Error("whiteboard projection failed",
			zap.String("view_id", room.viewID),
			zap.Error(err))
		return err
	}
	return nil
}

func (hub *Hub) snapshot() []*Room {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	rooms := make([]*Room, 0, len(hub.rooms))
	for _, room := range hub.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func (hub *Hub) forget(viewID string, room *Room) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.rooms[viewID] == room {
		delete(hub.rooms, viewID)
	}
}
