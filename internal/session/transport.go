package session

import (
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Transport is one duplex client link. The concrete implementation wraps a
// WebSocket; tests substitute an in-memory pipe.
type Transport interface {
	// ReadFrame returns the next text frame. It honors the read deadline;
	// deadline expiry surfaces as a timeout error, which the receive loop
	// uses for idle detection.
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	SetReadDeadline(t time.Time) error

	// Close sends a close frame with the given status code and tears the
	// socket down. Safe to call more than once.
	Close(code int, reason string) error
}

// Close codes for session teardown.
const (
	CloseNormal   = 1000
	ClosePolicy   = 1008
	CloseInternal = 1011
	writeDeadline = 10 * time.Second
)

type wsTransport struct {
	conn net.Conn
}

// NewWSTransport wraps an upgraded WebSocket connection.
func NewWSTransport(conn net.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		msg, op, err := wsutil.ReadClientData(t.conn)
		if err != nil {
			return nil, err
		}
		switch op {
		case ws.OpText, ws.OpBinary:
			return msg, nil
		case ws.OpClose:
			return nil, io.EOF
		default:
			// Control frames are answered by the library; keep reading.
		}
	}
}

func (t *wsTransport) WriteFrame(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return wsutil.WriteServerMessage(t.conn, ws.OpText, data)
}

func (t *wsTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	_ = wsutil.WriteServerMessage(t.conn, ws.OpClose, body)
	return t.conn.Close()
}

// isTimeout reports whether the read failed because the deadline expired,
// as opposed to the peer going away.
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
