// Package tunnel implements the persistent control/data channel between the
// proxy and a device agent: JSON control frames and binary chunk frames
// multiplexed over a single websocket, with request/response correlation.
package tunnel

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Type tags the control vocabulary carried in text frames.
type Type string

const (
	// TypeAuth is the first frame an agent sends after connecting.
	TypeAuth Type = "AUTH"
	// TypeAuthOK / TypeAuthFail answer the AUTH frame.
	TypeAuthOK   Type = "AUTH_OK"
	TypeAuthFail Type = "AUTH_FAIL"
	// TypeRegister announces the agent's device id and cameras.
	TypeRegister Type = "REGISTER"

	TypeListVideos    Type = "LIST_VIDEOS"
	TypeListVideosRes Type = "LIST_VIDEOS_RES"
	TypeReadFile      Type = "READ_FILE"
	// TypeReadFileRes carries the file metadata (size, resolved range,
	// content type) and precedes the binary chunk stream.
	TypeReadFileRes Type = "READ_FILE_RES"
	// TypeCancel aborts the request named by the message id; the agent stops
	// producing chunks and terminates the stream.
	TypeCancel Type = "CANCEL"
	TypeError  Type = "ERROR"
)

// Error codes carried in ERROR payloads.
const (
	CodeFileNotFound        = "FILE_NOT_FOUND"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeRangeNotSatisfiable = "RANGE_NOT_SATISFIABLE"
	CodeReadFileFailed      = "READ_FILE_FAILED"
	CodeListVideosFailed    = "LIST_VIDEOS_FAILED"
	CodeUnknownRequest      = "UNKNOWN_REQUEST"
)

// Message is a single text frame: {"id": <uuid>, "type": <tag>, "payload": {...}}.
type Message struct {
	ID      string          `json:"id"`
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsReply reports whether the message completes an outstanding request
// (a *_RES tag or ERROR) rather than initiating one.
func (m Message) IsReply() bool {
	return m.Type == TypeError || strings.HasSuffix(string(m.Type), "_RES")
}

// NewMessage builds a message with a fresh request id and a marshalled payload.
func NewMessage(t Type, payload any) (Message, error) {
	m := Message{ID: uuid.NewString(), Type: t}
	if payload == nil {
		return m, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("tunnel: marshalling %s payload: %w", t, err)
	}
	m.Payload = raw
	return m, nil
}

// NewReply builds a message answering the request identified by id.
func NewReply(id string, t Type, payload any) (Message, error) {
	m, err := NewMessage(t, payload)
	if err != nil {
		return Message{}, err
	}
	m.ID = id
	return m, nil
}

// DecodePayload unmarshals a message payload into T.
func DecodePayload[T any](m Message) (T, error) {
	var v T
	if len(m.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return v, fmt.Errorf("tunnel: decoding %s payload: %w", m.Type, err)
	}
	return v, nil
}

// AuthPayload is sent by the agent as its first frame.
type AuthPayload struct {
	Token string `json:"token"`
}

// AuthFailPayload explains a rejected handshake.
type AuthFailPayload struct {
	Reason string `json:"reason"`
}

// RegisterPayload announces the device and its cameras after AUTH_OK.
type RegisterPayload struct {
	DeviceID  string   `json:"device_id"`
	CameraIDs []string `json:"camera_ids"`
}

// ListVideosPayload asks the agent for a filtered, paginated recording list.
type ListVideosPayload struct {
	CameraID string `json:"camera_id"`
	Date     string `json:"date,omitempty"` // YYYYMMDD
	Hour     *int   `json:"hour,omitempty"` // 0-23
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// VideoEntry is one recording in a LIST_VIDEOS_RES.
type VideoEntry struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Timestamp string `json:"timestamp"` // ISO-8601 UTC
	Camera    string `json:"camera"`
}

// ListVideosResult is the LIST_VIDEOS_RES payload. Videos arrive sorted by
// timestamp descending.
type ListVideosResult struct {
	Videos     []VideoEntry `json:"videos"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
	TotalPages int          `json:"total_pages"`
}

// ReadFilePayload requests a byte range of a recording. End is inclusive;
// nil means read to EOF.
type ReadFilePayload struct {
	CameraID string `json:"camera_id"`
	Filename string `json:"filename"`
	Start    int64  `json:"start"`
	End      *int64 `json:"end"`
}

// ReadFileMeta is the READ_FILE_RES payload sent before the first binary
// chunk. Start/End are the resolved inclusive range; Length is the number of
// body bytes that will follow.
type ReadFileMeta struct {
	Size        int64  `json:"size"`
	Start       int64  `json:"start"`
	End         int64  `json:"end"`
	Length      int64  `json:"length"`
	ContentType string `json:"content_type"`
}

// ErrorPayload is the ERROR payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RemoteError is an ERROR reply surfaced as a Go error on the dispatching side.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("device error %s: %s", e.Code, e.Message)
}
