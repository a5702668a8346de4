package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps a *websocket.Conn with envelope framing, a hard frame-size
// ceiling, and a write mutex — gorilla/websocket connections are not
// safe for concurrent writers, and C3's generation loop and its
// checkpoint/error paths can both want to write at once.
type Conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	RemoteIP string
}

// NewConn wraps ws, applying the shared frame-size ceiling (§6
// FRAME_TOO_LARGE) to inbound reads.
func NewConn(ws *websocket.Conn, remoteIP string) *Conn {
	ws.SetReadLimit(MaxFrameBytes)
	return &Conn{ws: ws, RemoteIP: remoteIP}
}

// ReadEnvelope blocks for the next inbound frame. A frame exceeding
// MaxFrameBytes surfaces as an error the caller should translate into a
// FRAME_TOO_LARGE error envelope before closing.
func (c *Conn) ReadEnvelope() (Envelope, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
	}
	return env, nil
}

var errMalformedEnvelope = errors.New("malformed envelope")

// IsMalformed reports whether err originated from envelope decoding
// rather than a transport failure.
func IsMalformed(err error) bool {
	return errors.Is(err, errMalformedEnvelope)
}

// WriteEnvelope sends env as a single text frame, serialising concurrent
// writers.
func (c *Conn) WriteEnvelope(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.ws.Close() }
