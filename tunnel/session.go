package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Session errors surfaced to dispatchers.
var (
	// ErrClosed is returned when dispatching on a session that is no longer READY.
	ErrClosed = errors.New("tunnel: session closed")
	// ErrDisconnected fails every request that was pending when its session died.
	ErrDisconnected = errors.New("tunnel: device disconnected")
	// ErrCancelled completes a request whose dispatcher gave up (e.g. the HTTP
	// client went away).
	ErrCancelled = errors.New("tunnel: request cancelled")
	// ErrAuthFailed is returned by the agent-side handshake on a rejected token.
	ErrAuthFailed = errors.New("tunnel: authentication failed")
)

// State of a session's lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateReady
	StateClosing
	StateClosed
)

// CloseReason records why a session terminated.
type CloseReason string

const (
	ReasonAuthFailed       CloseReason = "auth-failed"
	ReasonSuperseded       CloseReason = "superseded"
	ReasonHeartbeatTimeout CloseReason = "heartbeat-timeout"
	ReasonDecodeError      CloseReason = "decode-error"
	ReasonTransportError   CloseReason = "transport-error"
	ReasonShutdown         CloseReason = "shutdown"
)

const (
	// DefaultHeartbeatTimeout closes a session after this much silence.
	DefaultHeartbeatTimeout = 30 * time.Second
	// DefaultStreamBuffer is the per-request chunk channel capacity — the
	// backpressure bound between tunnel reader and HTTP writer.
	DefaultStreamBuffer = 16
	// handshakeTimeout bounds the AUTH/REGISTER exchange.
	handshakeTimeout = 10 * time.Second
	// inboundBuffer is the capacity of the incoming-request channel drained
	// by the agent's serve loop.
	inboundBuffer = 32
)

// Options tune a session; zero values fall back to the defaults above.
type Options struct {
	HeartbeatTimeout time.Duration
	StreamBuffer     int
}

// pending is one outstanding request. Terminal transitions (reply consumed,
// error, end-of-stream, cancel, session death) happen exactly once via once;
// the stream channel is written only by the session's read loop and is never
// closed — doneCh signals completion instead, with err set first.
type pending struct {
	id        string
	streaming bool

	reply     chan Message  // buffered 1; READ_FILE_RES meta or single reply
	stream    chan []byte   // nil unless streaming
	cancelled chan struct{} // closed by Cancel; read loop then discards chunks

	once   sync.Once
	err    error // terminal error; nil means clean end-of-stream
	doneCh chan struct{}

	cancelOnce sync.Once
}

func (p *pending) terminate(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.doneCh)
	})
}

// Session owns one tunnel transport. A single reader goroutine demultiplexes
// frames onto per-request channels; all writes share the codec's mutex.
// The same type serves both peers: the proxy dispatches via Call/OpenStream,
// the agent consumes Requests and answers via Reply/SendChunk/EndStream.
type Session struct {
	codec *Codec
	opts  Options

	deviceID string
	cameras  []string

	mu      sync.Mutex
	pending map[string]*pending
	state   State
	reason  CloseReason

	inbound   chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession wraps an established websocket connection. The handshake
// (AcceptHandshake or Handshake) must complete before Run.
func NewSession(codec *Codec, opts Options) *Session {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = DefaultStreamBuffer
	}
	return &Session{
		codec:   codec,
		opts:    opts,
		pending: make(map[string]*pending),
		state:   StateConnecting,
		inbound: make(chan Message, inboundBuffer),
		done:    make(chan struct{}),
	}
}

// DeviceID returns the device identifier captured at registration.
func (s *Session) DeviceID() string { return s.deviceID }

// Cameras returns the camera ids captured at registration.
func (s *Session) Cameras() []string { return s.cameras }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns the close reason once the session has terminated.
func (s *Session) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed when the session terminates.
func (s *Session) Done() <-chan struct{} { return s.done }

// AcceptHandshake runs the proxy side of the handshake: expect AUTH, verify
// the token, answer AUTH_OK/AUTH_FAIL, then expect REGISTER. On success the
// session carries the registered device id and cameras and is READY.
func (s *Session) AcceptHandshake(verify func(token string) bool) (RegisterPayload, error) {
	s.setState(StateAuthenticating)
	_ = s.codec.SetReadDeadline(time.Now().Add(handshakeTimeout))

	frame, err := s.codec.ReadFrame()
	if err != nil {
		s.Close(ReasonTransportError)
		return RegisterPayload{}, fmt.Errorf("tunnel: reading auth frame: %w", err)
	}
	if frame.Msg == nil || frame.Msg.Type != TypeAuth {
		s.Close(ReasonDecodeError)
		return RegisterPayload{}, fmt.Errorf("tunnel: expected AUTH frame, got %v", frameType(frame))
	}
	auth, err := DecodePayload[AuthPayload](*frame.Msg)
	if err != nil {
		s.Close(ReasonDecodeError)
		return RegisterPayload{}, err
	}
	if !verify(auth.Token) {
		reply, _ := NewReply(frame.Msg.ID, TypeAuthFail, AuthFailPayload{Reason: "invalid token"})
		_ = s.codec.WriteMessage(reply)
		s.Close(ReasonAuthFailed)
		return RegisterPayload{}, ErrAuthFailed
	}
	ok, _ := NewReply(frame.Msg.ID, TypeAuthOK, nil)
	if err := s.codec.WriteMessage(ok); err != nil {
		s.Close(ReasonTransportError)
		return RegisterPayload{}, fmt.Errorf("tunnel: writing AUTH_OK: %w", err)
	}

	frame, err = s.codec.ReadFrame()
	if err != nil {
		s.Close(ReasonTransportError)
		return RegisterPayload{}, fmt.Errorf("tunnel: reading register frame: %w", err)
	}
	if frame.Msg == nil || frame.Msg.Type != TypeRegister {
		s.Close(ReasonDecodeError)
		return RegisterPayload{}, fmt.Errorf("tunnel: expected REGISTER frame, got %v", frameType(frame))
	}
	reg, err := DecodePayload[RegisterPayload](*frame.Msg)
	if err != nil {
		s.Close(ReasonDecodeError)
		return RegisterPayload{}, err
	}
	if reg.DeviceID == "" {
		s.Close(ReasonDecodeError)
		return RegisterPayload{}, fmt.Errorf("tunnel: REGISTER without device_id")
	}

	s.deviceID = reg.DeviceID
	s.cameras = reg.CameraIDs
	s.setState(StateReady)
	return reg, nil
}

// Handshake runs the agent side: send AUTH, await AUTH_OK, send REGISTER.
func (s *Session) Handshake(token, deviceID string, cameras []string) error {
	s.setState(StateAuthenticating)
	_ = s.codec.SetReadDeadline(time.Now().Add(handshakeTimeout))

	auth, err := NewMessage(TypeAuth, AuthPayload{Token: token})
	if err != nil {
		return err
	}
	if err := s.codec.WriteMessage(auth); err != nil {
		s.Close(ReasonTransportError)
		return fmt.Errorf("tunnel: writing AUTH: %w", err)
	}

	frame, err := s.codec.ReadFrame()
	if err != nil {
		s.Close(ReasonTransportError)
		return fmt.Errorf("tunnel: reading auth reply: %w", err)
	}
	if frame.Msg == nil {
		s.Close(ReasonDecodeError)
		return fmt.Errorf("tunnel: expected auth reply, got binary frame")
	}
	switch frame.Msg.Type {
	case TypeAuthOK:
	case TypeAuthFail:
		fail, _ := DecodePayload[AuthFailPayload](*frame.Msg)
		s.Close(ReasonAuthFailed)
		return fmt.Errorf("%w: %s", ErrAuthFailed, fail.Reason)
	default:
		s.Close(ReasonDecodeError)
		return fmt.Errorf("tunnel: unexpected auth reply type %s", frame.Msg.Type)
	}

	reg, err := NewMessage(TypeRegister, RegisterPayload{DeviceID: deviceID, CameraIDs: cameras})
	if err != nil {
		return err
	}
	if err := s.codec.WriteMessage(reg); err != nil {
		s.Close(ReasonTransportError)
		return fmt.Errorf("tunnel: writing REGISTER: %w", err)
	}

	s.deviceID = deviceID
	s.cameras = cameras
	s.setState(StateReady)
	return nil
}

// Run drives the session after a successful handshake: it pings on a third of
// the heartbeat interval, enforces the read deadline, and demultiplexes
// incoming frames until the transport dies. Blocks; returns the close reason.
func (s *Session) Run() CloseReason {
	_ = s.codec.SetReadDeadline(time.Now().Add(s.opts.HeartbeatTimeout))
	s.codec.SetPongHandler(func(string) error {
		return s.codec.SetReadDeadline(time.Now().Add(s.opts.HeartbeatTimeout))
	})

	go s.pingLoop()

	for {
		frame, err := s.codec.ReadFrame()
		if err != nil {
			s.Close(classifyReadError(err))
			return s.Reason()
		}
		_ = s.codec.SetReadDeadline(time.Now().Add(s.opts.HeartbeatTimeout))

		if frame.Msg != nil {
			s.routeMessage(*frame.Msg)
		} else {
			s.routeChunk(frame.Chunk)
		}
	}
}

// Close terminates the session once: fails all pending requests with
// ErrDisconnected, closes the transport, and records the reason.
func (s *Session) Close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.reason = reason
		stale := s.pending
		s.pending = make(map[string]*pending)
		s.mu.Unlock()

		for _, p := range stale {
			p.terminate(ErrDisconnected)
		}
		close(s.done)
		_ = s.codec.Close()

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		if s.deviceID != "" {
			slog.Info("tunnel session closed", "device_id", s.deviceID, "reason", string(reason))
		}
	})
}

// Call dispatches a single-reply request and waits for its response, the
// context deadline, or session death.
func (s *Session) Call(ctx context.Context, t Type, payload any) (Message, error) {
	p, msg, err := s.dispatch(t, payload, false)
	if err != nil {
		return Message{}, err
	}

	select {
	case reply := <-p.reply:
		return s.settleReply(p, reply)
	case <-p.doneCh:
		// A reply may have raced with termination.
		select {
		case reply := <-p.reply:
			return s.settleReply(p, reply)
		default:
		}
		return Message{}, p.err
	case <-ctx.Done():
		s.removePending(msg.ID)
		p.terminate(ctx.Err())
		return Message{}, ctx.Err()
	case <-s.done:
		return Message{}, ErrDisconnected
	}
}

func (s *Session) settleReply(p *pending, reply Message) (Message, error) {
	if reply.Type == TypeError {
		ep, err := DecodePayload[ErrorPayload](reply)
		if err != nil {
			return Message{}, err
		}
		return Message{}, &RemoteError{Code: ep.Code, Message: ep.Message}
	}
	return reply, nil
}

// Stream is the receiving end of a dual-mode READ_FILE request: the meta
// reply plus an ordered, bounded chunk channel.
type Stream struct {
	Meta ReadFileMeta

	s *Session
	p *pending
}

// OpenStream dispatches READ_FILE and waits for the initial READ_FILE_RES.
// An ERROR reply (file missing, bad range, ...) is returned as *RemoteError.
func (s *Session) OpenStream(ctx context.Context, req ReadFilePayload) (*Stream, error) {
	p, msg, err := s.dispatch(TypeReadFile, req, true)
	if err != nil {
		return nil, err
	}

	select {
	case reply := <-p.reply:
		if reply.Type != TypeReadFileRes {
			// ERROR (or anything unexpected) instead of the meta is terminal.
			s.removePending(msg.ID)
			_, rerr := s.settleReply(p, reply)
			if rerr == nil {
				rerr = fmt.Errorf("tunnel: unexpected %s reply to READ_FILE", reply.Type)
			}
			p.terminate(rerr)
			return nil, rerr
		}
		meta, err := DecodePayload[ReadFileMeta](reply)
		if err != nil {
			s.removePending(msg.ID)
			p.terminate(err)
			return nil, err
		}
		return &Stream{Meta: meta, s: s, p: p}, nil
	case <-p.doneCh:
		return nil, p.err
	case <-ctx.Done():
		s.cancelPending(p, msg.ID)
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrDisconnected
	}
}

// Next returns the next chunk in byte-offset order. io.EOF marks a clean
// end-of-stream; ErrDisconnected or ErrCancelled a failed one.
func (st *Stream) Next(ctx context.Context) ([]byte, error) {
	// Buffered chunks are delivered before any terminal condition so a
	// completed transfer is never truncated.
	select {
	case b := <-st.p.stream:
		return b, nil
	default:
	}
	select {
	case b := <-st.p.stream:
		return b, nil
	case <-st.p.doneCh:
		select {
		case b := <-st.p.stream:
			return b, nil
		default:
		}
		if st.p.err == nil {
			return nil, io.EOF
		}
		return nil, st.p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err reports the stream's terminal error after Next returned io.EOF or an
// error: nil for a clean end-of-stream.
func (st *Stream) Err() error { return st.p.err }

// Cancel completes the request locally with ErrCancelled and tells the agent
// to stop producing. Late chunks are drained and discarded by the read loop.
func (st *Stream) Cancel() {
	st.s.cancelPending(st.p, st.p.id)
}

func (s *Session) cancelPending(p *pending, id string) {
	p.cancelOnce.Do(func() {
		select {
		case <-p.doneCh:
			// Already settled; nothing to cancel.
			return
		default:
		}
		close(p.cancelled)
		p.terminate(ErrCancelled)
		cancel, err := NewReply(id, TypeCancel, nil)
		if err == nil {
			if werr := s.codec.WriteMessage(cancel); werr != nil {
				slog.Debug("tunnel: cancel frame not sent", "request_id", id, "error", werr)
			}
		}
		// The entry stays in the pending table so late chunks are discarded
		// rather than warned about; end-of-stream or ERROR removes it.
	})
}

// Requests returns the incoming request channel consumed by the agent's
// serve loop (LIST_VIDEOS, READ_FILE, CANCEL).
func (s *Session) Requests() <-chan Message { return s.inbound }

// Reply sends a response frame for the request identified by id.
func (s *Session) Reply(id string, t Type, payload any) error {
	m, err := NewReply(id, t, payload)
	if err != nil {
		return err
	}
	return s.codec.WriteMessage(m)
}

// SendError sends an ERROR reply.
func (s *Session) SendError(id, code, message string) error {
	return s.Reply(id, TypeError, ErrorPayload{Code: code, Message: message})
}

// SendChunk sends one binary chunk for the request identified by id.
func (s *Session) SendChunk(id string, data []byte) error {
	return s.codec.WriteChunk(id, data)
}

// EndStream sends the empty binary frame that terminates a chunk stream.
func (s *Session) EndStream(id string) error {
	return s.codec.WriteChunk(id, nil)
}

// dispatch installs a pending entry and writes the request frame.
func (s *Session) dispatch(t Type, payload any, streaming bool) (*pending, Message, error) {
	msg, err := NewMessage(t, payload)
	if err != nil {
		return nil, Message{}, err
	}

	p := &pending{
		id:        msg.ID,
		streaming: streaming,
		reply:     make(chan Message, 1),
		cancelled: make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	if streaming {
		p.stream = make(chan []byte, s.opts.StreamBuffer)
	}

	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return nil, Message{}, ErrClosed
	}
	s.pending[msg.ID] = p
	s.mu.Unlock()

	if err := s.codec.WriteMessage(msg); err != nil {
		s.removePending(msg.ID)
		s.Close(ReasonTransportError)
		return nil, Message{}, fmt.Errorf("tunnel: writing %s frame: %w", t, err)
	}
	return p, msg, nil
}

func (s *Session) routeMessage(m Message) {
	if !m.IsReply() {
		// A request from the peer: queued for the serve loop. Dropped with a
		// warning when nobody drains it (the proxy side services no requests).
		select {
		case s.inbound <- m:
		default:
			slog.Warn("tunnel: inbound request dropped, queue full",
				"device_id", s.deviceID, "type", string(m.Type), "request_id", m.ID)
		}
		return
	}

	s.mu.Lock()
	p, ok := s.pending[m.ID]
	if ok {
		// READ_FILE_RES keeps its entry alive for the chunk stream; any
		// other reply — including ERROR on a streaming request — is terminal.
		if !p.streaming || m.Type != TypeReadFileRes {
			delete(s.pending, m.ID)
		}
	}
	s.mu.Unlock()

	if !ok {
		slog.Warn("tunnel: reply for unknown request discarded",
			"device_id", s.deviceID, "type", string(m.Type), "request_id", m.ID)
		return
	}

	if p.streaming && m.Type == TypeError {
		ep, err := DecodePayload[ErrorPayload](m)
		if err != nil {
			p.terminate(err)
			return
		}
		select {
		case p.reply <- m:
		default:
		}
		p.terminate(&RemoteError{Code: ep.Code, Message: ep.Message})
		return
	}

	select {
	case p.reply <- m:
	default:
		slog.Warn("tunnel: duplicate reply discarded", "request_id", m.ID)
	}
	if !p.streaming {
		p.terminate(nil)
	}
}

func (s *Session) routeChunk(c *Chunk) {
	s.mu.Lock()
	p, ok := s.pending[c.ID]
	if ok && p.streaming && len(c.Data) == 0 {
		delete(s.pending, c.ID)
	}
	s.mu.Unlock()

	if !ok || !p.streaming {
		slog.Warn("tunnel: binary chunk for unknown request discarded",
			"device_id", s.deviceID, "request_id", c.ID, "bytes", len(c.Data))
		return
	}

	if len(c.Data) == 0 {
		p.terminate(nil) // clean end-of-stream
		return
	}

	select {
	case p.stream <- c.Data:
	case <-p.cancelled:
		// Drain-and-discard: the dispatcher gave up on this request.
	case <-s.done:
	}
}

func (s *Session) removePending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// PendingCount reports the number of in-flight requests; used by the health
// surface and by tests asserting the pending-table lifecycle.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) pingLoop() {
	interval := s.opts.HeartbeatTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.codec.Ping(time.Now().Add(interval)); err != nil {
				s.Close(ReasonTransportError)
				return
			}
		case <-s.done:
			return
		}
	}
}

func classifyReadError(err error) CloseReason {
	if errors.Is(err, ErrMalformedFrame) {
		return ReasonDecodeError
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ReasonHeartbeatTimeout
	}
	return ReasonTransportError
}

func frameType(f Frame) string {
	if f.Msg != nil {
		return string(f.Msg.Type)
	}
	return "binary"
}
