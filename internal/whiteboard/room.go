package whiteboard

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	clientSendBuffer = 256
	lockCallTimeout  = 5 * time.Second
)

// Client is one connection registered with a room. The transport drains Send and closes the
// connection when Send is closed.
type Client struct {
	ID       string
	UserID   string
	ReadOnly bool

	send chan []byte
}

// NewClient constructs a Client with a fresh connection id.
func NewClient(userID string, readOnly bool) *Client {
	return &Client{
		ID:       uuid.NewString(),
		UserID:   userID,
		ReadOnly: readOnly,
		send:     make(chan []byte, clientSendBuffer),
	}
}

// Send delivers outbound messages for the client.
func (client *Client) Send() <-chan []byte {
	return client.send
}

type inboundMessage struct {
	client  *Client
	payload []byte
}

// Room serializes every message of one whiteboard view through a single goroutine that owns the
// room document, the client set and the initialization state.
type Room struct {
	viewID  string
	locks   LockStore
	lockTTL time.Duration
	logger  *zap.Logger

	register   chan *Client
	unregister chan *Client
	inbox      chan inboundMessage
	requests   chan func()
	ctx        context.Context
	cancel     context.CancelFunc
	stopped    chan struct{}
	stopOnce   sync.Once

	clients     map[*Client]struct{}
	doc         *crdt.Doc
	initialized bool
	lockHolder  *Client
	dirty       bool
	lastActor   string
	// retiring rooms stop taking registrations; Register then waits for Stop and reports false.
	retiring bool
}

func newRoom(viewID string, locks LockStore, lockTTL time.Duration, logger *zap.Logger) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	return &Room{
		viewID:     viewID,
		locks:      locks,
		lockTTL:    lockTTL,
		logger:     logger.With(zap.String("view_id", viewID)),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbox:      make(chan inboundMessage),
		requests:   make(chan func()),
		ctx:        ctx,
		cancel:     cancel,
		stopped:    make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		doc:        crdt.New(),
	}
}

// ViewID returns the view the room serves.
func (room *Room) ViewID() string {
	return room.viewID
}

// Doc returns the room document. It is safe to read concurrently.
func (room *Room) Doc() *crdt.Doc {
	return room.doc
}

// Register adds client and sends it the current room state.
func (room *Room) Register(client *Client) bool {
	select {
	case room.register <- client:
		return true
	case <-room.stopped:
		return false
	}
}

// Unregister removes client and closes its send channel.
func (room *Room) Unregister(client *Client) {
	select {
	case room.unregister <- client:
	case <-room.stopped:
	}
}

// Receive hands a message from client to the room goroutine, blocking until it is accepted.
func (room *Room) Receive(client *Client, payload []byte) {
	select {
	case room.inbox <- inboundMessage{client: client, payload: payload}:
	case <-room.stopped:
	}
}

// ClientCount returns the number of registered clients.
func (room *Room) ClientCount() int {
	count := 0
	room.do(func() { count = len(room.clients) })
	return count
}

// Initialized reports whether a seed has been accepted.
func (room *Room) Initialized() bool {
	initialized := false
	room.do(func() { initialized = room.initialized })
	return initialized
}

// takeDirty reports whether the room has unpersisted changes worth projecting and clears the flag.
// Uninitialized rooms are never projected.
func (room *Room) takeDirty() (bool, string) {
	dirty, actor := false, ""
	room.do(func() {
		dirty = room.dirty && room.initialized
		actor = room.lastActor
		if dirty {
			room.dirty = false
		}
	})
	return dirty, actor
}

// retireIfIdle stops taking registrations when no client is registered and reports whether it did.
func (room *Room) retireIfIdle() bool {
	idle := false
	room.do(func() {
		if len(room.clients) == 0 {
			room.retiring = true
			idle = true
		}
	})
	return idle
}

func (room *Room) markDirty() {
	room.do(func() { room.dirty = true })
}

func (room *Room) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case room.requests <- func() { fn(); close(done) }:
	case <-room.stopped:
		return false
	}
	<-done
	return true
}

// Stop ends the room goroutine and closes every client.
func (room *Room) Stop() {
	room.cancel()
	<-room.stopped
}

func (room *Room) run() {
	defer func() {
		for client := range room.clients {
			close(client.send)
		}
		room.clients = nil
		room.stopOnce.Do(func() { close(room.stopped) })
		room.logger.Info("whiteboard room stopped")
	}()

	for {
		register := room.register
		if room.retiring {
			register = nil
		}
		select {
		case <-room.ctx.Done():
			if room.lockHolder != nil {
				room.releaseLock(room.lockHolder)
			}
			return
		case client := <-register:
			room.clients[client] = struct{}{}
			room.sendInit(client)
			room.logger.Info("client joined whiteboard room",
				zap.String("user_id", client.UserID),
				zap.Int("clients", len(room.clients)))
		case client := <-room.unregister:
			room.drop(client)
		case message := <-room.inbox:
			if _, registered := room.clients[message.client]; registered {
				room.handle(message.client, message.payload)
			}
		case request := <-room.requests:
			request()
		}
	}
}

func (room *Room) drop(client *Client) {
	if _, ok := room.clients[client]; !ok {
		return
	}
	delete(room.clients, client)
	close(client.send)
	if room.lockHolder == client {
		room.releaseLock(client)
	}
	room.logger.Info("client left whiteboard room",
		zap.String("user_id", client.UserID),
		zap.Int("clients", len(room.clients)))
}

func (room *Room) sendInit(client *Client) {
	message := Message{
		Type:          MessageInit,
		CanvasObjects: withoutMarker(room.doc.Map(CanvasObjectsMap).Entries()),
		ViewObjects:   withoutMarker(room.doc.Map(ViewObjectsMap).Entries()),
		Initialized:   room.initialized,
	}
	if room.initialized {
		message.CRDTState = room.encodeState()
	}
	room.deliver(client, message)
}

func (room *Room) handle(sender *Client, payload []byte) {
	message, err := DecodeMessage(payload)
	if err != nil {
		room.logger.Warn("dropping malformed whiteboard message", zap.Error(err))
		return
	}
	if sender.ReadOnly && message.Type != MessageAcquireLock {
		room.logger.Warn("ignoring write from read-only client",
			zap.String("user_id", sender.UserID),
			zap.String("type", string(message.Type)))
		return
	}

	switch message.Type {
	case MessageAcquireLock:
		room.handleAcquireLock(sender)
	case MessageInitializeData:
		room.handleInitializeData(sender, message)
	default:
		if !message.Type.IsMutation() {
			room.logger.Warn("dropping unknown whiteboard message", zap.String("type", string(message.Type)))
			return
		}
		outbound, err := room.applyMutation(message)
		if err != nil {
			room.logger.Warn("dropping invalid whiteboard mutation",
				zap.String("type", string(message.Type)),
				zap.Error(err))
			return
		}
		room.dirty = true
		room.lastActor = sender.UserID
		room.broadcast(sender, outbound)
	}
}

func (room *Room) handleAcquireLock(sender *Client) {
	granted := false
	if !sender.ReadOnly && !room.initialized {
		ctx, cancel := context.WithTimeout(room.ctx, lockCallTimeout)
		acquired, err := room.locks.Acquire(ctx, room.viewID, sender.ID, room.lockTTL)
		cancel()
		if err != nil {
			room.logger.Error("init lock acquire failed", zap.Error(err))
		}
		granted = acquired && err == nil
	}
	if granted {
		room.lockHolder = sender
	}
	room.deliver(sender, Message{Type: MessageLockAcquired, LockAcquired: granted})
}

func (room *Room) handleInitializeData(sender *Client, message Message) {
	if room.initialized || room.lockHolder != sender {
		room.logger.Warn("rejecting initialize_data from non-holder", zap.String("user_id", sender.UserID))
		return
	}
	viewObjects := make(map[string]json.RawMessage, len(message.ViewObjects))
	for id, raw := range message.ViewObjects {
		normalized, err := NormalizeViewObject(raw)
		if err != nil {
			room.logger.Warn("dropping invalid seeded view object", zap.String("object_id", id), zap.Error(err))
			continue
		}
		viewObjects[id] = normalized
	}
	canvasObjects := withoutMarker(message.CanvasObjects)
	if err := room.doc.Transact(room, func(tx *crdt.Txn) error {
		return replaceEntries(tx, canvasObjects, viewObjects)
	}); err != nil {
		room.logger.Error("seeding room document failed", zap.Error(err))
		return
	}
	room.initialized = true
	room.dirty = true
	room.lastActor = sender.UserID
	room.releaseLock(sender)

	room.broadcast(nil, Message{
		Type:          MessageInitializeData,
		CanvasObjects: canvasObjects,
		ViewObjects:   viewObjects,
		CRDTState:     room.encodeState(),
	})
	room.logger.Info("whiteboard room initialized",
		zap.String("user_id", sender.UserID),
		zap.Int("canvas_objects", len(canvasObjects)),
		zap.Int("view_objects", len(viewObjects)))
}

func (room *Room) applyMutation(message Message) (Message, error) {
	outbound := Message{Type: message.Type}
	err := room.doc.Transact(room, func(tx *crdt.Txn) error {
		switch message.Type {
		case MessageAddCanvasObject, MessageUpdateCanvasObject:
			id, err := objectID(message.Object)
			if err != nil {
				return err
			}
			outbound.Object = message.Object
			return tx.Map(CanvasObjectsMap).SetRaw(id, message.Object)
		case MessageAddViewObject, MessageUpdateViewObject:
			normalized, err := NormalizeViewObject(message.Object)
			if err != nil {
				return err
			}
			id, err := objectID(normalized)
			if err != nil {
				return err
			}
			outbound.Object = normalized
			return tx.Map(ViewObjectsMap).SetRaw(id, normalized)
		case MessageDeleteCanvasObject, MessageDeleteViewObject:
			if message.ID == "" {
				return ErrMissingObjectID
			}
			outbound.ID = message.ID
			name := CanvasObjectsMap
			if message.Type == MessageDeleteViewObject {
				name = ViewObjectsMap
			}
			tx.Map(name).Delete(message.ID)
			return nil
		case MessageClearAll:
			tx.Map(CanvasObjectsMap).Clear()
			tx.Map(ViewObjectsMap).Clear()
			return nil
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	if message.Type == MessageClearAll {
		room.initialized = true
	}
	return outbound, nil
}

func replaceEntries(tx *crdt.Txn, canvasObjects, viewObjects map[string]json.RawMessage) error {
	canvas := tx.Map(CanvasObjectsMap)
	canvas.Clear()
	for id, raw := range canvasObjects {
		if err := canvas.SetRaw(id, raw); err != nil {
			return err
		}
	}
	view := tx.Map(ViewObjectsMap)
	view.Clear()
	for id, raw := range viewObjects {
		if err := view.SetRaw(id, raw); err != nil {
			return err
		}
	}
	return nil
}

func (room *Room) releaseLock(holder *Client) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(room.ctx), lockCallTimeout)
	defer cancel()
	if err := room.locks.Release(ctx, room.viewID, holder.ID); err != nil {
		room.logger.Error("init lock release failed", zap.Error(err))
	}
	if room.lockHolder == holder {
		room.lockHolder = nil
	}
}

func (room *Room) encodeState() []byte {
	state, err := room.doc.EncodeStateAsUpdate()
	if err != nil {
		room.logger.Error("encoding room state failed", zap.Error(err))
		return nil
	}
	return state
}

// broadcast sends message to every client except skip. Clients whose buffer is full are dropped.
func (room *Room) broadcast(skip *Client, message Message) {
	payload, err := EncodeMessage(message)
	if err != nil {
		room.logger.Error("encoding broadcast failed", zap.Error(err))
		return
	}
	for client := range room.clients {
		if client == skip {
			continue
		}
		room.enqueue(client, payload)
	}
}

func (room *Room) deliver(client *Client, message Message) {
	payload, err := EncodeMessage(message)
	if err != nil {
		room.logger.Error("encoding message failed", zap.Error(err))
		return
	}
	room.enqueue(client, payload)
}

func (room *Room) enqueue(client *Client, payload []byte) {
	select {
	case client.send <- payload:
	default:
		room.logger.Warn("client send buffer full, disconnecting", zap.String("user_id", client.UserID))
		room.drop(client)
	}
}
