package whiteboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/wsconn"
	"go.uber.org/zap"
)

// DefaultReconnectDelay is the fixed pause before a participant reconnects.
const DefaultReconnectDelay = 3 * time.Second

// State is the connection state of a Participant.
type State string

// Participant states.
const (
	StateConnecting        State = "connecting"
	StateAwaitingRoomState State = "awaiting-room-state"
	StateRacingForLock     State = "racing-for-lock"
	StateObserving         State = "observing"
	StateInitialized       State = "initialized"
	StateClosed            State = "closed"
	StateReconnecting      State = "reconnecting"
)

var (
	// ErrReadOnly reports a mutation attempted by a read-only participant.
	ErrReadOnly = errors.New("whiteboard: participant is read-only")
	// ErrNotConnected reports a send without an open connection.
	ErrNotConnected = errors.New("whiteboard: not connected")
	// ErrMissingSource reports a writable participant without a Source.
	ErrMissingSource = errors.New("whiteboard: source is required for writable participants")
)

// DialFunc opens a connection to url.
type DialFunc func(ctx context.Context, url string, header http.Header) (wsconn.Conn, error)

// ParticipantConfig wires a Participant. Source is only consulted when the participant wins the
// init lock.
type ParticipantConfig struct {
	URL            string
	Header         http.Header
	ViewID         string
	ReadOnly       bool
	Source         Source
	Dial           DialFunc
	ReconnectDelay time.Duration
	Logger         *zap.Logger
	OnState        func(State)
}

// Participant is the client side of a whiteboard room. Its local document mirrors the room.
type Participant struct {
	cfg    ParticipantConfig
	logger *zap.Logger
	doc    *crdt.Doc

	mu          sync.Mutex
	state       State
	conn        wsconn.Conn
	cancelSeed  context.CancelFunc
	initialized bool
}

// NewParticipant validates cfg and constructs a Participant.
func NewParticipant(cfg ParticipantConfig) (*Participant, error) {
	if cfg.URL == "" {
		return nil, errors.New("whiteboard: participant url is required")
	}
	if !cfg.ReadOnly && cfg.Source == nil {
		return nil, ErrMissingSource
	}
	if cfg.Dial == nil {
		cfg.Dial = wsconn.Dial
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Participant{
		cfg:    cfg,
		logger: logger.With(zap.String("view_id", cfg.ViewID)),
		doc:    crdt.New(),
		state:  StateClosed,
	}, nil
}

// Doc returns the local mirror of the room.
func (participant *Participant) Doc() *crdt.Doc {
	return participant.doc
}

// State returns the current connection state.
func (participant *Participant) State() State {
	participant.mu.Lock()
	defer participant.mu.Unlock()
	return participant.state
}

// CanvasObjects returns the local canvas objects.
func (participant *Participant) CanvasObjects() map[string]json.RawMessage {
	return participant.doc.Map(CanvasObjectsMap).Entries()
}

// ViewObjects returns the local view objects.
func (participant *Participant) ViewObjects() map[string]json.RawMessage {
	return participant.doc.Map(ViewObjectsMap).Entries()
}

// Run connects and reconnects after a fixed delay until ctx is cancelled.
func (participant *Participant) Run(ctx context.Context) error {
	defer participant.setState(StateClosed)
	for {
		participant.setState(StateConnecting)
		if err := participant.session(ctx); err != nil && ctx.Err() == nil {
			participant.logger.Warn("whiteboard session ended", zap.Error(err))
		}
		participant.endSession()
		if ctx.Err() != nil {
			return nil
		}
		participant.setState(StateReconnecting)
		timer := time.NewTimer(participant.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (participant *Participant) session(ctx context.Context) error {
	conn, err := participant.cfg.Dial(ctx, participant.cfg.URL, participant.cfg.Header)
	if err != nil {
		return err
	}
	participant.mu.Lock()
	participant.conn = conn
	participant.initialized = false
	participant.mu.Unlock()
	participant.setState(StateAwaitingRoomState)

	sessionContext, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionContext.Done()
		_ = conn.Close("participant closing")
	}()

	for {
		payload, err := conn.Read(sessionContext)
		if err != nil {
			return err
		}
		message, err := DecodeMessage(payload)
		if err != nil {
			participant.logger.Warn("dropping malformed whiteboard message", zap.Error(err))
			continue
		}
		participant.handle(sessionContext, message)
	}
}

func (participant *Participant) endSession() {
	participant.mu.Lock()
	defer participant.mu.Unlock()
	participant.conn = nil
	if participant.cancelSeed != nil {
		participant.cancelSeed()
		participant.cancelSeed = nil
	}
}

func (participant *Participant) handle(ctx context.Context, message Message) {
	switch message.Type {
	case MessageInit:
		participant.replace(message)
		if message.Initialized {
			participant.markInitialized()
			return
		}
		if participant.cfg.ReadOnly {
			participant.setState(StateObserving)
			return
		}
		participant.setState(StateRacingForLock)
		if err := participant.send(ctx, Message{Type: MessageAcquireLock}); err != nil {
			participant.logger.Warn("acquire_lock send failed", zap.Error(err))
		}
	case MessageLockAcquired:
		if !message.LockAcquired || participant.cfg.ReadOnly || participant.isInitialized() {
			participant.setState(StateObserving)
			return
		}
		participant.startSeeding(ctx)
	case MessageInitializeData:
		participant.stopSeeding()
		participant.replace(message)
		participant.markInitialized()
	default:
		if message.Type.IsMutation() {
			participant.applyRemote(message)
		}
	}
}

func (participant *Participant) startSeeding(ctx context.Context) {
	seedContext, cancel := context.WithCancel(ctx)
	participant.mu.Lock()
	if participant.cancelSeed != nil {
		participant.cancelSeed()
	}
	participant.cancelSeed = cancel
	participant.mu.Unlock()

	go func() {
		defer cancel()
		if err := participant.seed(seedContext); err != nil {
			if seedContext.Err() == nil {
				participant.logger.Error("seeding whiteboard failed", zap.Error(err))
			}
			if !participant.isInitialized() {
				participant.setState(StateObserving)
			}
		}
	}()
}

func (participant *Participant) stopSeeding() {
	participant.mu.Lock()
	defer participant.mu.Unlock()
	if participant.cancelSeed != nil {
		participant.cancelSeed()
		participant.cancelSeed = nil
	}
}

func (participant *Participant) seed(ctx context.Context) error {
	view, err := participant.cfg.Source.FetchView(ctx, participant.cfg.ViewID)
	if err != nil {
		return err
	}
	objects, err := participant.cfg.Source.FetchViewObjects(ctx, participant.cfg.ViewID)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	canvasObjects, viewObjects := SeedFromSource(view, objects)
	message := Message{
		Type:          MessageInitializeData,
		CanvasObjects: canvasObjects,
		ViewObjects:   viewObjects,
	}
	participant.replace(message)
	if err := participant.send(ctx, message); err != nil {
		return err
	}
	participant.markInitialized()
	return nil
}

// replace mirrors the room snapshot carried by message. An attached crdt_state takes precedence
// over the plain maps.
func (participant *Participant) replace(message Message) {
	canvasObjects, viewObjects := message.CanvasObjects, message.ViewObjects
	if len(message.CRDTState) > 0 {
		decoded := crdt.New()
		if err := decoded.ApplyUpdate(message.CRDTState, participant); err == nil {
			canvasObjects = withoutMarker(decoded.Map(CanvasObjectsMap).Entries())
			viewObjects = withoutMarker(decoded.Map(ViewObjectsMap).Entries())
		} else {
			participant.logger.Warn("ignoring undecodable crdt_state", zap.Error(err))
		}
	}
	if err := participant.doc.Transact(participant, func(tx *crdt.Txn) error {
		return replaceEntries(tx, withoutMarker(canvasObjects), withoutMarker(viewObjects))
	}); err != nil {
		participant.logger.Warn("applying room snapshot failed", zap.Error(err))
	}
}

func (participant *Participant) applyRemote(message Message) {
	if _, err := participant.applyLocal(message); err != nil {
		participant.logger.Warn("dropping invalid remote mutation",
			zap.String("type", string(message.Type)),
			zap.Error(err))
	}
}

// applyLocal writes message into the local document and returns the normalized object, if any.
func (participant *Participant) applyLocal(message Message) (json.RawMessage, error) {
	var normalized json.RawMessage
	err := participant.doc.Transact(participant, func(tx *crdt.Txn) error {
		switch message.Type {
		case MessageAddCanvasObject, MessageUpdateCanvasObject:
			id, err := objectID(message.Object)
			if err != nil {
				return err
			}
			normalized = message.Object
			return tx.Map(CanvasObjectsMap).SetRaw(id, message.Object)
		case MessageAddViewObject, MessageUpdateViewObject:
			object, err := NormalizeViewObject(message.Object)
			if err != nil {
				return err
			}
			id, err := objectID(object)
			if err != nil {
				return err
			}
			normalized = object
			return tx.Map(ViewObjectsMap).SetRaw(id, object)
		case MessageDeleteCanvasObject:
			tx.Map(CanvasObjectsMap).Delete(message.ID)
		case MessageDeleteViewObject:
			tx.Map(ViewObjectsMap).Delete(message.ID)
		case MessageClearAll:
			tx.Map(CanvasObjectsMap).Clear()
			tx.Map(ViewObjectsMap).Clear()
		}
		return nil
	})
	return normalized, err
}

// AddCanvasObject adds a stroke or shape.
func (participant *Participant) AddCanvasObject(ctx context.Context, object json.RawMessage) error {
	return participant.mutate(ctx, Message{Type: MessageAddCanvasObject, Object: object})
}

// UpdateCanvasObject replaces a canvas object and re-routes edges attached to it.
func (participant *Participant) UpdateCanvasObject(ctx context.Context, object json.RawMessage) error {
	return participant.mutate(ctx, Message{Type: MessageUpdateCanvasObject, Object: object})
}

// DeleteCanvasObject removes a canvas object.
func (participant *Participant) DeleteCanvasObject(ctx context.Context, id string) error {
	if id == "" {
		return ErrMissingObjectID
	}
	return participant.mutate(ctx, Message{Type: MessageDeleteCanvasObject, ID: id})
}

// AddViewObject adds a view object.
func (participant *Participant) AddViewObject(ctx context.Context, object json.RawMessage) error {
	return participant.mutate(ctx, Message{Type: MessageAddViewObject, Object: object})
}

// UpdateViewObject replaces a view object. Moving anything but an edge re-routes the edges attached
// to it.
func (participant *Participant) UpdateViewObject(ctx context.Context, object json.RawMessage) error {
	return participant.mutate(ctx, Message{Type: MessageUpdateViewObject, Object: object})
}

// DeleteViewObject removes a view object.
func (participant *Participant) DeleteViewObject(ctx context.Context, id string) error {
	if id == "" {
		return ErrMissingObjectID
	}
	return participant.mutate(ctx, Message{Type: MessageDeleteViewObject, ID: id})
}

// ClearAll removes every object.
func (participant *Participant) ClearAll(ctx context.Context) error {
	return participant.mutate(ctx, Message{Type: MessageClearAll})
}

func (participant *Participant) mutate(ctx context.Context, message Message) error {
	if participant.cfg.ReadOnly {
		return ErrReadOnly
	}
	normalized, err := participant.applyLocal(message)
	if err != nil {
		return err
	}
	if normalized != nil {
		message.Object = normalized
	}
	if err := participant.send(ctx, message); err != nil {
		return err
	}
	if message.Type != MessageUpdateCanvasObject && message.Type != MessageUpdateViewObject {
		return nil
	}
	return participant.rerouteEdges(ctx, message.Object)
}

func (participant *Participant) rerouteEdges(ctx context.Context, moved json.RawMessage) error {
	var header struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(moved, &header); err != nil || header.Type == TypeEdge {
		return nil
	}
	edges := UpdateConnectedEdges(header.ID, participant.CanvasObjects(), participant.ViewObjects())
	for _, edge := range edges {
		update := Message{Type: MessageUpdateViewObject, Object: edge}
		if _, err := participant.applyLocal(update); err != nil {
			return err
		}
		if err := participant.send(ctx, update); err != nil {
			return err
		}
	}
	return nil
}

func (participant *Participant) send(ctx context.Context, message Message) error {
	participant.mu.Lock()
	conn := participant.conn
	participant.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	payload, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	return conn.Write(ctx, payload)
}

func (participant *Participant) isInitialized() bool {
	participant.mu.Lock()
	defer participant.mu.Unlock()
	return participant.initialized
}

func (participant *Participant) markInitialized() {
	participant.mu.Lock()
	participant.initialized = true
	participant.mu.Unlock()
	participant.setState(StateInitialized)
}

func (participant *Participant) setState(state State) {
	participant.mu.Lock()
	if participant.state == state {
		participant.mu.Unlock()
		return
	}
	participant.state = state
	participant.mu.Unlock()
	participant.logger.Debug("whiteboard participant state", zap.String("state", string(state)))
	if participant.cfg.OnState != nil {
		participant.cfg.OnState(state)
	}
}
