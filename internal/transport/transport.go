// Package transport is a thin adapter over a single WebSocket session.
// It knows nothing about the AIP protocol (spec §4.2, component C2) —
// it only opens a session, and sends/receives whole frames.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

// ErrClosedByPeer is returned from Recv when the peer closed the
// connection with a normal closure code.
var ErrClosedByPeer = errors.New("transport: closed by peer")

// TransportError wraps a lower-level dial/send/recv failure so
// callers can distinguish transport failures from protocol failures.
type TransportError struct {
	Op      string
	Wrapped error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Wrapped)
}

func (e *TransportError) Unwrap() error { return e.Wrapped }

// Session is one open WebSocket connection to a single peer (a device
// agent or the relay server, depending on which side dials).
type Session struct {
	conn *websocket.Conn
}

// Open dials a WebSocket endpoint and returns a ready-to-use Session.
// One session per device per spec §4.2.
func Open(ctx context.Context, endpoint string) (*Session, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, &TransportError{Op: "open", Wrapped: err}
	}
	// Unlimited message size: AIP frames can carry arbitrary task_data/result
	// blobs; the protocol layer is responsible for rejecting malformed content.
	conn.SetReadLimit(-1)
	return &Session{conn: conn}, nil
}

// Accept upgrades an already-dialed *websocket.Conn (e.g. one accepted
// by an HTTP handler on the relay side) into a Session. Exposed so the
// relay-facing half of the fabric can reuse the same Session type.
func Accept(conn *websocket.Conn) *Session {
	conn.SetReadLimit(-1)
	return &Session{conn: conn}
}

// Send writes one frame to the peer.
func (s *Session) Send(ctx context.Context, frame []byte) error {
	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return &TransportError{Op: "send", Wrapped: err}
	}
	return nil
}

// Recv reads the next frame from the peer. Returns ErrClosedByPeer
// when the peer closes normally, or a *TransportError otherwise.
func (s *Session) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		closeStatus := websocket.CloseStatus(err)
		if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
			return nil, ErrClosedByPeer
		}
		return nil, &TransportError{Op: "recv", Wrapped: err}
	}
	return data, nil
}

// Close closes the session with the given code and reason.
func (s *Session) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}
