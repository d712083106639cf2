package collab

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/wsconn"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Frame types of the document sync protocol.
const (
	FrameSync   = "sync"
	FrameUpdate = "update"
	FrameSynced = "synced"
)

// ErrSubscriberEvicted reports a connection dropped because it could not keep up with its room.
var ErrSubscriberEvicted = errors.New("collab: subscriber evicted")

// Frame is one protocol message. Update is base64 in JSON.
type Frame struct {
	Type   string `json:"type"`
	Update []byte `json:"update,omitempty"`
}

// Session describes the connection being served.
type Session struct {
	UserID   string
	ReadOnly bool
}

// Serve runs the sync protocol for conn in room rawName until the connection or ctx ends.
func (host *Host) Serve(ctx context.Context, conn wsconn.Conn, rawName string, session Session) error {
	room, err := host.Acquire(ctx, rawName)
	if err != nil {
		return err
	}
	defer host.Release(room)

	origin := &ConnectionOrigin{ConnectionID: uuid.NewString(), UserID: session.UserID}
	logger := host.logger.With(
		zap.String(logFieldRoom, rawName),
		zap.String("connection_id", origin.ConnectionID))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	subscription := host.dispatcher.Subscribe(sessionCtx, rawName, origin.ConnectionID)
	defer subscription.Cancel()

	state, err := room.doc.EncodeStateAsUpdate()
	if err != nil {
		return err
	}
	if err := writeFrame(sessionCtx, conn, Frame{Type: FrameSync, Update: state}); err != nil {
		return normalizeSessionError(err)
	}

	results := make(chan error, 2)
	go func() {
		results <- pumpUpdates(sessionCtx, conn, subscription)
	}()
	go func() {
		results <- readFrames(sessionCtx, conn, room, origin, session.ReadOnly, logger)
	}()

	err = <-results
	cancel()
	<-results
	_ = conn.Close("")
	return normalizeSessionError(err)
}

func pumpUpdates(ctx context.Context, conn wsconn.Conn, subscription Subscription) error {
	for {
		select {
		case update := <-subscription.Updates:
			if err := writeFrame(ctx, conn, Frame{Type: FrameUpdate, Update: update.Update}); err != nil {
				return err
			}
		case <-subscription.Evicted:
			return ErrSubscriberEvicted
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func readFrames(ctx context.Context, conn wsconn.Conn, room *Room, origin *ConnectionOrigin, readOnly bool, logger *zap.Logger) error {
	for {
		payload, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		switch frame.Type {
		case FrameSync, FrameUpdate:
			if readOnly {
				logger.Warn("dropping update from read-only connection")
				continue
			}
			if err := room.doc.ApplyUpdate(frame.Update, origin); err != nil {
				logger.Warn("dropping undecodable update", zap.Error(err))
				continue
			}
			if frame.Type == FrameSync {
				if err := writeFrame(ctx, conn, Frame{Type: FrameSynced}); err != nil {
					return err
				}
			}
		default:
			logger.Warn("dropping unknown frame", zap.String("type", frame.Type))
		}
	}
}

func writeFrame(ctx context.Context, conn wsconn.Conn, frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, payload)
}

func normalizeSessionError(err error) error {
	if err == nil || errors.Is(err, wsconn.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
