package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// uuidLen is the length of a canonical hyphenated UUID in ASCII — the fixed
// prefix that routes a binary frame to its request.
const uuidLen = 36

// ErrMalformedFrame marks decode failures that are fatal to the session:
// invalid JSON, a missing id or type, a binary frame shorter than the UUID
// prefix, or a prefix that is not a UUID.
var ErrMalformedFrame = errors.New("tunnel: malformed frame")

// Chunk is a decoded binary frame. Empty Data signals end-of-stream for the
// request identified by ID.
type Chunk struct {
	ID   string
	Data []byte
}

// Frame is a decoded websocket message: exactly one of Msg or Chunk is set.
type Frame struct {
	Msg   *Message
	Chunk *Chunk
}

// Codec frames Messages and Chunks over one websocket connection. All writes
// are serialised on an internal mutex so a frame from one goroutine is never
// interleaved mid-message with another's.
type Codec struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewCodec(conn *websocket.Conn) *Codec {
	return &Codec{conn: conn}
}

// WriteMessage sends a text frame.
func (c *Codec) WriteMessage(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("tunnel: marshalling message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteChunk sends a binary frame: the 36-byte ASCII request id followed by
// data. Call with empty data to signal end-of-stream.
func (c *Codec) WriteChunk(id string, data []byte) error {
	if len(id) != uuidLen {
		return fmt.Errorf("tunnel: request id %q is not a canonical uuid", id)
	}
	buf := make([]byte, uuidLen+len(data))
	copy(buf, id)
	copy(buf[uuidLen:], data)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, buf)
}

// ReadFrame reads and decodes the next frame. Errors wrapping
// ErrMalformedFrame are protocol violations; everything else is a transport
// error (including read-deadline expiry used for the liveness check).
func (c *Codec) ReadFrame() (Frame, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}

	switch msgType {
	case websocket.TextMessage:
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return Frame{}, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedFrame, err)
		}
		if m.ID == "" || m.Type == "" {
			return Frame{}, fmt.Errorf("%w: text frame missing id or type", ErrMalformedFrame)
		}
		return Frame{Msg: &m}, nil

	case websocket.BinaryMessage:
		if len(data) < uuidLen {
			return Frame{}, fmt.Errorf("%w: binary frame of %d bytes is shorter than the id prefix", ErrMalformedFrame, len(data))
		}
		id := string(data[:uuidLen])
		if _, err := uuid.Parse(id); err != nil {
			return Frame{}, fmt.Errorf("%w: binary frame prefix is not a uuid: %v", ErrMalformedFrame, err)
		}
		return Frame{Chunk: &Chunk{ID: id, Data: data[uuidLen:]}}, nil

	default:
		return Frame{}, fmt.Errorf("%w: unexpected websocket message type %d", ErrMalformedFrame, msgType)
	}
}

// Ping sends a websocket ping control frame. Safe to call concurrently with
// WriteMessage/WriteChunk — gorilla serialises control frames internally.
func (c *Codec) Ping(deadline time.Time) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// SetReadDeadline bounds the next read; used by the session liveness check.
func (c *Codec) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetPongHandler installs h for incoming pongs.
func (c *Codec) SetPongHandler(h func(string) error) {
	c.conn.SetPongHandler(h)
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
