package whiteboard

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/wsconn"
)

// ErrClientDisconnected reports a client the room dropped, usually for a full send buffer.
var ErrClientDisconnected = errors.New("whiteboard: client disconnected by room")

// Serve joins conn to the room for viewID and pumps messages both ways until either side ends.
func (hub *Hub) Serve(ctx context.Context, conn wsconn.Conn, viewID, userID string, readOnly bool) error {
	client := NewClient(userID, readOnly)
	room, err := hub.Join(viewID, client)
	if err != nil {
		return err
	}
	defer hub.Leave(room, client)

	sessionContext, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan error, 2)
	go func() {
		results <- writeMessages(sessionContext, conn, client)
	}()
	go func() {
		for {
			payload, err := conn.Read(sessionContext)
			if err != nil {
				results <- err
				return
			}
			room.Receive(client, payload)
		}
	}()

	err = <-results
	cancel()
	_ = conn.Close("")
	<-results
	if err == nil || errors.Is(err, wsconn.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func writeMessages(ctx context.Context, conn wsconn.Conn, client *Client) error {
	for {
		select {
		case payload, ok := <-client.Send():
			if !ok {
				return ErrClientDisconnected
			}
			if err := conn.Write(ctx, payload); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
