package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

// Close codes the manager's reconnect policy cares about. The 4000 range is
// reserved for application use by the websocket protocol; the backend uses
// it to signal authentication outcomes.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseAuthRejected    = 4001
	CloseNoCredential    = 4002
)

// Socket is one message-oriented connection. Production sockets are
// websockets; tests inject in-memory implementations.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens a socket to the given URL.
type Dialer func(ctx context.Context, url string) (Socket, error)

// CloseError reports that the peer closed the connection with a status code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: code %d %s", e.Code, e.Reason)
}

// closeCode extracts the peer close code from a read error, or -1 when the
// error carries none (local cancellation, network failure).
func closeCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}

// WebSocketDialer dials with coder/websocket.
func WebSocketDialer(ctx context.Context, url string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsSocket{conn: conn}, nil
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		if code := websocket.CloseStatus(err); code != -1 {
			return nil, &CloseError{Code: int(code), Reason: err.Error()}
		}
		return nil, err
	}
	return data, nil
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close(code int, reason string) error {
	return s.conn.Close(websocket.StatusCode(code), reason)
}
