// Package session implements the byte-stream half of a CurveCP
// connection (C5): it owns one messager, translates blocking
// Read/Write/Close calls from the stream façade into the messager's
// non-blocking chunk-at-a-time API, and tracks the handshake-derived
// identity of the peer. Unlike the handshake and messager packages, a
// Session does block — Read and Write wait on condition variables that
// the owning multiplexer's dispatch loop signals whenever it drives the
// messager forward, the same separation the teacher draws between its
// pump goroutine and the conn's blocking Read/Write.
package session

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/johnwchadwick/curvecp/internal/crypto"
	"github.com/johnwchadwick/curvecp/internal/handshake"
	"github.com/johnwchadwick/curvecp/internal/messager"
	"github.com/johnwchadwick/curvecp/internal/wire"
)

// ErrClosed is returned by Read/Write once the session has been closed
// locally.
var ErrClosed = errors.New("session: use of closed session")

// ErrTimeout is returned by Read/Write when a deadline set with
// SetReadDeadline/SetWriteDeadline/SetDeadline elapses first.
var ErrTimeout = errors.New("session: i/o timeout")

// ErrOverflow is returned by TryWrite when the send window is entirely
// full and cannot accept even one byte without blocking.
var ErrOverflow = errors.New("session: send window full")

// CloseGuardTimeout bounds how long a caller of Close should wait for
// the peer to acknowledge the end-of-stream block via WaitIdle before
// forcing the connection into its terminal state regardless.
const CloseGuardTimeout = 30 * time.Second

// Identity is everything the handshake learned about the peer, handed
// to the session once ESTABLISHED.
type Identity struct {
	PeerLongTermPublic   crypto.Key
	PeerShortTermPublic  crypto.Key
	LocalShortTermPublic crypto.Key
	SharedKey            crypto.Key
	Domain               string

	// ServerExtension/ClientExtension are the opaque routing tags
	// carried on every packet of this connection, echoed back on every
	// outgoing Message packet.
	ServerExtension handshake.Extension
	ClientExtension handshake.Extension
}

// Session is the blocking byte-stream view of a connection, the
// concrete type behind the root package's net.Conn implementation.
type Session struct {
	identity Identity
	msg      *messager.Messager

	mu       sync.Mutex
	cond     *sync.Cond
	closed   bool
	peerGone bool // transport-level teardown (mux evicted us), distinct from a clean EOF

	readDeadline  time.Time
	writeDeadline time.Time

	// lastRecvCounter is the highest client/server-Message counter
	// accepted so far; AcceptCounter enforces that it only increases, the
	// defense against a captured packet being replayed verbatim (§3, §4.3.3).
	lastRecvCounter uint64

	// notifyOutgoing is invoked (via kick) whenever the session should be
	// considered for producing a frame; Write, TryWrite and Close call it
	// after mutating the messager so the driving loop notices new work
	// promptly instead of waiting for the next poll tick.
	notifyOutgoing func()
}

// New creates a Session around an already-established messager and
// identity. notifyOutgoing may be nil; when set it lets Read/Write wake
// the owning dispatch loop immediately instead of waiting for its next
// scheduled tick.
func New(identity Identity, msg *messager.Messager, notifyOutgoing func()) *Session {
	s := &Session{identity: identity, msg: msg, notifyOutgoing: notifyOutgoing}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Identity returns the peer identity derived during the handshake.
func (s *Session) Identity() Identity { return s.identity }

// Deliver feeds one inbound, already-decrypted frame to the messager
// and wakes any blocked Read/Write waiters. Called by the multiplexer's
// dispatch loop, never by the application.
func (s *Session) Deliver(f wire.Frame, now time.Time) {
	s.mu.Lock()
	s.msg.HandleIncoming(f, now)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// AcceptCounter reports whether counter is strictly greater than every
// counter this session has accepted before, recording it as the new
// high-water mark if so. Callers (the multiplexer's handleClientMessage,
// the initiator's recvLoop) must call this and see it return true before
// calling Deliver with the frame that counter authenticated — otherwise a
// captured valid packet can be replayed verbatim and delivered to the
// application a second time.
func (s *Session) AcceptCounter(counter uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if counter <= s.lastRecvCounter {
		return false
	}
	s.lastRecvCounter = counter
	return true
}

// Produce asks the underlying messager for the next frame to transmit,
// if any is due. Called by the multiplexer's dispatch loop.
func (s *Session) Produce(now time.Time) (wire.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msg.NextOutgoingFrame(now)
}

// NextDeadline reports when the dispatch loop should next revisit this
// session even absent new packets.
func (s *Session) NextDeadline(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msg.NextDeadline(now)
}

// Read blocks until at least one byte is available, the peer's stream
// ends, the read deadline elapses, or the session is closed.
func (s *Session) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return 0, ErrClosed
		}
		n, eof, failed := s.msg.Read(b)
		if n > 0 {
			return n, nil
		}
		if eof {
			if failed {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, io.EOF
		}
		if s.peerGone {
			return 0, io.ErrClosedPipe
		}
		if !s.readDeadline.IsZero() && !s.readDeadline.After(time.Now()) {
			return 0, ErrTimeout
		}
		s.waitWithDeadline(s.readDeadline)
	}
}

// Write blocks until all of b has been handed to the messager's send
// window (not until it's acknowledged), the write deadline elapses, or
// the session is closed.
func (s *Session) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	written := 0
	for len(b) > 0 {
		if s.closed {
			return written, ErrClosed
		}
		n, err := s.msg.Write(b)
		if err != nil {
			return written, err
		}
		if n > 0 {
			written += n
			b = b[n:]
			s.kick()
			continue
		}
		if !s.writeDeadline.IsZero() && !s.writeDeadline.After(time.Now()) {
			return written, ErrTimeout
		}
		s.waitWithDeadline(s.writeDeadline)
	}
	return written, nil
}

// TryRead performs one non-blocking read attempt, the polling primitive
// underneath the blocking Read and the façade's read_some-style
// operation for callers that cannot afford to block a goroutine.
func (s *Session) TryRead(b []byte) (n int, eof bool, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msg.Read(b)
}

// TryWrite performs one non-blocking write attempt, accepting as many
// bytes as currently fit in the send window without waiting for room to
// free up. It returns ErrOverflow rather than 0 when no room at all is
// available, so callers can distinguish "try again later" from "wrote
// nothing because b was empty".
func (s *Session) TryWrite(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n, err := s.msg.Write(b)
	if err != nil {
		return 0, err
	}
	if n == 0 && len(b) > 0 {
		return 0, ErrOverflow
	}
	if n > 0 {
		s.kick()
	}
	return n, nil
}

// Close requests a clean end-of-stream and marks the session closed to
// further local Read/Write calls. It does not block for the peer's
// acknowledgment; the multiplexer keeps driving the messager until
// Idle() to flush the EOF marker.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.msg.RequestClose(wire.EOFSuccess)
	s.cond.Broadcast()
	s.kick()
	return nil
}

// WaitIdle blocks until the messager has nothing left to send or
// retransmit and any end-of-stream this side requested has been
// acknowledged by the peer, or until timeout elapses, whichever comes
// first. It reports whether the session reached that idle state. The
// caller (Conn.Close, the multiplexer's graceful shutdown) is expected
// to keep the transport's read/write loops running for the duration of
// the call, since otherwise the peer's acknowledgment can never arrive.
func (s *Session) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.msg.Idle() || s.peerGone {
			return s.msg.Idle()
		}
		if !time.Now().Before(deadline) {
			return false
		}
		s.waitWithDeadline(deadline)
	}
}

// Abort marks the stream as failed without waiting for a graceful
// flush, used when the multiplexer detects the transport is gone.
func (s *Session) Abort() {
	s.mu.Lock()
	s.peerGone = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Idle reports whether the underlying messager has nothing left to
// send or retransmit, so the multiplexer can reclaim the session.
func (s *Session) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msg.Idle()
}

func (s *Session) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

func (s *Session) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	s.writeDeadline = t
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

func (s *Session) SetDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.writeDeadline = t
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

func (s *Session) kick() {
	if s.notifyOutgoing != nil {
		s.notifyOutgoing()
	}
}

// waitWithDeadline blocks on s.cond until woken, honoring deadline by
// spawning a one-shot timer that broadcasts when it fires. s.mu is held
// on entry and exit, per sync.Cond.Wait's contract.
func (s *Session) waitWithDeadline(deadline time.Time) {
	if deadline.IsZero() {
		s.cond.Wait()
		return
	}
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	s.cond.Wait()
	timer.Stop()
}
