// Package wsconn adapts coder/websocket connections to a small message-oriented interface shared
// by the collaboration endpoints and their clients.
package wsconn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const defaultWriteTimeout = 10 * time.Second

// ErrClosed reports that the peer closed the connection normally.
var ErrClosed = errors.New("wsconn: connection closed")

// Conn exchanges whole text messages.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Close(reason string) error
}

type socketConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Wrap adapts an established websocket connection.
func Wrap(conn *websocket.Conn) Conn {
	return &socketConn{conn: conn}
}

// Accept upgrades an HTTP request. An empty origin list allows any origin.
func Accept(writer http.ResponseWriter, request *http.Request, originPatterns []string) (Conn, error) {
	options := &websocket.AcceptOptions{OriginPatterns: originPatterns}
	if len(originPatterns) == 0 {
		options.OriginPatterns = []string{"*"}
	}
	conn, err := websocket.Accept(writer, request, options)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(8 << 20)
	return Wrap(conn), nil
}

// Dial opens a client connection to url.
func Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(8 << 20)
	return Wrap(conn), nil
}

func (c *socketConn) Read(ctx context.Context) ([]byte, error) {
	_, payload, err := c.conn.Read(ctx)
	if err != nil {
		status := websocket.CloseStatus(err)
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			return nil, ErrClosed
		}
		return nil, err
	}
	return payload, nil
}

func (c *socketConn) Write(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, payload)
}

func (c *socketConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}
