package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/nickelpack/nck/internal/bufpool"
)

// ErrConnectionAborted is observed by every pending requester and stream
// reader when the connection's reader loop terminates, whether due to a
// framing error or the peer closing the socket.
var ErrConnectionAborted = errors.New("transport: connection aborted")

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("transport: connection closed")

// pendingCall is the one-shot responder registered for an outstanding
// local request.
type pendingCall struct {
	resp chan callResult
}

type callResult struct {
	payload []byte
	err     error
}

// incomingRequest is a request frame dispatched to Next's caller.
type incomingRequest struct {
	id      uint32
	payload []byte
}

// streamEntry is the bounded-channel-sender registered by ReadStream.
type streamEntry struct {
	ch   chan []byte
	once sync.Once
	err  error
	done chan struct{}
}

func newStreamEntry() *streamEntry {
	return &streamEntry{
		ch:   make(chan []byte, 4), // bounded to 4 in-flight buffers, SPEC_FULL.md §5
		done: make(chan struct{}),
	}
}

func (e *streamEntry) finish(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
		close(e.ch)
	})
}

// Conn is one endpoint of the framed overlapped transport, wrapping a
// single duplex byte stream (typically a UNIX-domain socket).
type Conn struct {
	rw  net.Conn
	log *log.Entry

	writeMu sync.Mutex

	nextID atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]*pendingCall

	streamsMu sync.Mutex
	streams   map[uint32]*streamEntry

	incoming chan incomingRequest

	closeOnce sync.Once
	closeErr  atomic.Value // error
	closedCh  chan struct{}
}

// NewConn wraps rw and starts its reader loop. The caller owns rw and
// must not use it directly once wrapped.
func NewConn(rw net.Conn, fields log.Fields) *Conn {
	c := &Conn{
		rw:       rw,
		log:      log.WithFields(fields),
		pending:  make(map[uint32]*pendingCall),
		streams:  make(map[uint32]*streamEntry),
		incoming: make(chan incomingRequest, 2), // request channels bounded(2), SPEC_FULL.md §5
		closedCh: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) abort(err error) {
	c.closeOnce.Do(func() {
		c.closeErr.Store(err)
		close(c.closedCh)
		c.rw.Close()

		c.pendingMu.Lock()
		for id, p := range c.pending {
			delete(c.pending, id)
			p.resp <- callResult{err: ErrConnectionAborted}
		}
		c.pendingMu.Unlock()

		c.streamsMu.Lock()
		for id, s := range c.streams {
			delete(c.streams, id)
			s.finish(ErrConnectionAborted)
		}
		c.streamsMu.Unlock()
	})
}

// Close terminates the connection and unblocks every pending caller.
func (c *Conn) Close() error {
	c.abort(ErrClosed)
	return nil
}

// Err returns the error that terminated the connection, if any.
func (c *Conn) Err() error {
	if v := c.closeErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// readLoop reads frames until a fatal error and dispatches them by type.
// Any read error, decoding error, or CRC mismatch terminates the
// connection (SPEC_FULL.md §4.2 "Failure model").
func (c *Conn) readLoop() {
	header := make([]byte, headerSize)
	for {
		n, err := io.ReadFull(c.rw, header)
		if err != nil {
			if n == 0 && errors.Is(err, io.EOF) {
				// Peer closed cleanly between frames.
				c.abort(ErrConnectionAborted)
				return
			}
			// Truncated mid-header: distinguished from a clean close by n > 0.
			c.abort(fmt.Errorf("transport: truncated frame header: %w", err))
			return
		}

		h := decodeHeader(header)
		if h.length > MaxPayload {
			c.abort(fmt.Errorf("transport: frame length %d exceeds max", h.length))
			return
		}

		// Stream-data payloads are handed off to a StreamReceiver and
		// consumed chunk-by-chunk (SPEC_FULL.md §5 "Backpressure"), so
		// they're the one frame kind whose buffer is worth drawing from
		// the shared pool; the receiver's consumer returns it once
		// written. Every other frame kind's payload is decoded inline by
		// its waiter before the next iteration reuses anything, so
		// pooling it would just race the decode against the next Get().
		var payload []byte
		pooled := h.typ == frameStreamData && h.length <= bufpool.BufferSize
		if pooled {
			payload = bufpool.Shared().Get()[:h.length]
		} else {
			payload = make([]byte, h.length)
		}
		if _, err := io.ReadFull(c.rw, payload); err != nil {
			if pooled {
				bufpool.Shared().Put(payload)
			}
			c.abort(fmt.Errorf("transport: truncated frame payload: %w", err))
			return
		}

		if !verify(h, header[8:headerSize], payload) {
			if pooled {
				bufpool.Shared().Put(payload)
			}
			c.abort(ErrCRCMismatch)
			return
		}

		switch h.typ {
		case frameRequest:
			select {
			case c.incoming <- incomingRequest{id: h.id, payload: payload}:
			case <-c.closedCh:
				return
			}
		case frameResponse:
			c.pendingMu.Lock()
			p, ok := c.pending[h.id]
			if ok {
				delete(c.pending, h.id)
			}
			c.pendingMu.Unlock()
			if ok {
				p.resp <- callResult{payload: payload}
			}
		case frameStreamData:
			c.streamsMu.Lock()
			s, ok := c.streams[h.id]
			c.streamsMu.Unlock()
			if !ok {
				if pooled {
					bufpool.Shared().Put(payload)
				}
				continue
			}
			select {
			case s.ch <- payload:
			default:
				if pooled {
					bufpool.Shared().Put(payload)
				}
				c.streamsMu.Lock()
				delete(c.streams, h.id)
				c.streamsMu.Unlock()
				s.finish(errors.New("transport: stream receiver not keeping up"))
				_ = c.writeFrame(frameStreamError, h.id, nil)
			}
		case frameStreamEnd:
			c.streamsMu.Lock()
			s, ok := c.streams[h.id]
			delete(c.streams, h.id)
			c.streamsMu.Unlock()
			if ok {
				s.finish(nil)
			}
		case frameStreamError:
			c.streamsMu.Lock()
			s, ok := c.streams[h.id]
			delete(c.streams, h.id)
			c.streamsMu.Unlock()
			if ok {
				s.finish(errors.New("transport: peer reported stream error"))
			}
		default:
			c.abort(fmt.Errorf("transport: unknown frame type %d", h.typ))
			return
		}
	}
}

// writeFrame serializes and writes a single frame under the writer mutex,
// so frames from concurrent callers never interleave on the wire. The
// encode buffer is drawn from the shared pool and returned immediately
// after the synchronous write completes, since nothing retains it past
// that point.
func (c *Conn) writeFrame(ty frameType, id uint32, payload []byte) error {
	total := headerSize + len(payload)
	var dst []byte
	if total <= bufpool.BufferSize {
		dst = bufpool.Shared().Get()
		defer bufpool.Shared().Put(dst)
	}
	buf, err := encodeFrame(dst, ty, id, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.rw.Write(buf)
	return err
}

// Request serializes value as JSON, assigns a fresh connection-local id,
// registers a responder, writes a request frame, and blocks for the
// matching response payload.
func Request[S any, R any](ctx context.Context, c *Conn, value S) (R, error) {
	var zero R
	payload, err := json.Marshal(value)
	if err != nil {
		return zero, fmt.Errorf("transport: encoding request: %w", err)
	}

	id := c.nextID.Add(1)
	call := &pendingCall{resp: make(chan callResult, 1)}

	c.pendingMu.Lock()
	c.pending[id] = call
	c.pendingMu.Unlock()

	if err := c.writeFrame(frameRequest, id, payload); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return zero, err
	}

	select {
	case res := <-call.resp:
		if res.err != nil {
			return zero, res.err
		}
		var out R
		if len(res.payload) > 0 {
			if err := json.Unmarshal(res.payload, &out); err != nil {
				return zero, fmt.Errorf("transport: decoding response: %w", err)
			}
		}
		return out, nil
	case <-ctx.Done():
		// The responder slot is intentionally left in place: the id
		// cannot be reused until the (now-discarded) response arrives.
		// This is benign per SPEC_FULL.md §4.2 "Cancellation".
		return zero, ctx.Err()
	case <-c.closedCh:
		return zero, ErrConnectionAborted
	}
}

// PeerError is the closed set of error variants that cross the wire in a
// Result envelope (SPEC_FULL.md §7).
type PeerError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

const (
	PeerErrorIO    = "io"
	PeerErrorOS    = "os"
	PeerErrorOther = "other"
)

type resultEnvelope[T any] struct {
	Ok  *T         `json:"ok,omitempty"`
	Err *PeerError `json:"err,omitempty"`
}

// RequestResult is like Request but decodes a tagged Result envelope,
// surfacing an application-level PeerError distinctly from a transport
// failure.
func RequestResult[S any, T any](ctx context.Context, c *Conn, value S) (T, error) {
	var zero T
	env, err := Request[S, resultEnvelope[T]](ctx, c, value)
	if err != nil {
		return zero, err
	}
	if env.Err != nil {
		return zero, env.Err
	}
	if env.Ok == nil {
		return zero, nil
	}
	return *env.Ok, nil
}

// Token identifies an incoming request awaiting a response via Respond.
type Token struct {
	id uint32
}

// Next blocks for the next incoming request frame.
func (c *Conn) Next(ctx context.Context) (Token, []byte, error) {
	select {
	case req := <-c.incoming:
		return Token{id: req.id}, req.payload, nil
	case <-ctx.Done():
		return Token{}, nil, ctx.Err()
	case <-c.closedCh:
		return Token{}, nil, ErrConnectionAborted
	}
}

// Respond writes a response frame for the request identified by tok,
// JSON-encoding value as its payload.
func Respond[V any](c *Conn, tok Token, value V) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("transport: encoding response: %w", err)
	}
	return c.writeFrame(frameResponse, tok.id, payload)
}

// RespondResult writes a response frame carrying a Result envelope, the
// counterpart to RequestResult.
func RespondResult[T any](c *Conn, tok Token, value T, callErr error) error {
	env := resultEnvelope[T]{}
	if callErr != nil {
		var pe *PeerError
		if errors.As(callErr, &pe) {
			env.Err = pe
		} else {
			env.Err = &PeerError{Kind: PeerErrorOther, Message: callErr.Error()}
		}
	} else {
		env.Ok = &value
	}
	return Respond(c, tok, env)
}

// StreamReceiver delivers stream-data buffers for one stream id, in send
// order, until stream-end or stream-error.
type StreamReceiver struct {
	entry *streamEntry
}

// Chan returns the channel of incoming buffers. It is closed on
// stream-end, stream-error, or connection abort; call Err afterward to
// distinguish the three. Every buffer comes from bufpool.Shared(); once
// the caller is done with one, it should pass it to bufpool.Shared().Put
// so the pool keeps serving the stream without growing unbounded.
func (r *StreamReceiver) Chan() <-chan []byte { return r.entry.ch }

// Err returns the reason the stream ended, or nil for a clean stream-end.
func (r *StreamReceiver) Err() error {
	select {
	case <-r.entry.done:
		return r.entry.err
	default:
		return nil
	}
}

// ReadStream registers a bounded receiver for stream-data frames with the
// given id. The id is chosen by the caller and must match what the peer
// will pass to WriteStream on its side.
func (c *Conn) ReadStream(id uint32) *StreamReceiver {
	entry := newStreamEntry()
	c.streamsMu.Lock()
	c.streams[id] = entry
	c.streamsMu.Unlock()
	return &StreamReceiver{entry: entry}
}

// StreamSender converts buffers into stream-data frames for one stream
// id, emitting stream-end when closed.
type StreamSender struct {
	c  *Conn
	id uint32
}

// WriteStream returns a sender for stream id.
func (c *Conn) WriteStream(id uint32) *StreamSender {
	return &StreamSender{c: c, id: id}
}

// Send writes one stream-data frame. buf must be <= MaxPayload bytes;
// larger buffers should be chunked by the caller.
func (s *StreamSender) Send(buf []byte) error {
	return s.c.writeFrame(frameStreamData, s.id, buf)
}

// Close emits a stream-end frame, signaling the peer that no further
// buffers will arrive for this stream id.
func (s *StreamSender) Close() error {
	return s.c.writeFrame(frameStreamEnd, s.id, nil)
}

// Abort emits a stream-error frame instead of a clean stream-end.
func (s *StreamSender) Abort() error {
	return s.c.writeFrame(frameStreamError, s.id, nil)
}
