package curvecp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/johnwchadwick/curvecp/freelist"
	"github.com/johnwchadwick/curvecp/internal/handshake"
	"github.com/johnwchadwick/curvecp/internal/metrics"
	"github.com/johnwchadwick/curvecp/internal/session"
	"github.com/johnwchadwick/curvecp/internal/wire"
)

// Conn is an established CurveCP connection: a net.Conn backed by a
// Session and a dedicated UDP socket (the initiator side owns one
// socket per connection; the responder side's Conns share one socket
// through a Listener instead — see listener.go).
type Conn struct {
	identity session.Identity
	sess     *session.Session
	sock     net.PacketConn
	raddr    net.Addr
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// owned, when true, means Close should close sock too; a Conn
	// handed out by a Listener shares its socket with every other
	// session and must never close it.
	owned bool

	msgCounterMu sync.Mutex
	msgCounter   uint64

	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Read implements net.Conn: it blocks until at least one byte is
// available, the peer's stream ends, a deadline elapses, or the
// connection is closed.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.sess.Read(b)
	return n, translateConnErr(err)
}

// Write implements net.Conn: it blocks until all of b has been handed
// to the send window (not until it is acknowledged), a deadline
// elapses, or the connection is closed.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.sess.Write(b)
	return n, translateConnErr(err)
}

// ReadSome performs one non-blocking read attempt, the façade's
// equivalent of the wire-level design's read_some: it never waits, and
// returns (0, nil) rather than blocking when nothing is available yet.
func (c *Conn) ReadSome(b []byte) (int, error) {
	n, eof, failed := c.sess.TryRead(b)
	if n > 0 {
		return n, nil
	}
	if eof {
		if failed {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, ErrEndOfStream
	}
	return 0, nil
}

// WriteSome performs one non-blocking write attempt, the façade's
// equivalent of the wire-level design's write_some: it accepts as many
// bytes as currently fit in the send window and returns ErrOverflow,
// rather than blocking, when none fit at all.
func (c *Conn) WriteSome(b []byte) (int, error) {
	n, err := c.sess.TryWrite(b)
	if errors.Is(err, session.ErrOverflow) {
		return 0, ErrOverflow
	}
	return n, translateConnErr(err)
}

// Close requests a clean end-of-stream and waits, up to
// session.CloseGuardTimeout, for the peer to acknowledge it before
// tearing down the connection's own goroutines and (if owned) its
// socket. Only a Dial-side Conn owns recvLoop/driveLoop and a private
// socket; a Listener-accepted Conn shares the mux's socket and is torn
// down by the mux's own graceful shutdown instead (see mux.Close).
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.sess.Close()
		if c.cancel != nil {
			// Keep recvLoop/driveLoop running so the EOF block actually
			// gets sent and a peer ACK can still be read back, instead of
			// racing the single send opportunity against socket teardown.
			c.sess.WaitIdle(session.CloseGuardTimeout)
			c.cancel()
		}
		close(c.closed)
		if c.owned {
			c.sock.Close()
		}
		c.wg.Wait()
	})
	return err
}

func (c *Conn) LocalAddr() net.Addr  { return c.sock.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.raddr }

// ClientExtension returns the 16-byte routing tag the initiator sent on
// this connection's Hello/Initiate packets, the tag a responder uses to
// select a forwarding target from its routing table.
func (c *Conn) ClientExtension() [16]byte { return [16]byte(c.identity.ClientExtension) }

func (c *Conn) SetDeadline(t time.Time) error      { return c.sess.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.sess.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.sess.SetWriteDeadline(t) }

// translateConnErr maps the session layer's error vocabulary onto the
// façade's sentinel kinds; only ErrOperationAborted needs real
// translation, since io.EOF already doubles as ErrEndOfStream.
func translateConnErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, session.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return ErrOperationAborted
	}
	return err
}

// recvLoop reads server-Message datagrams off the dedicated socket and
// delivers them to the session, used only by Dial-side connections
// (the Listener drives delivery itself for responder-side sessions).
func (c *Conn) recvLoop(ctx context.Context) {
	defer c.wg.Done()
	buf := freelist.Packets.Get()
	defer freelist.Packets.Put(buf)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.sock.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}
		n, _, err := c.sock.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}
		pb := buf[:n]
		if magic, ok := wire.IdentifyMagic(pb); !ok || magic != wire.ServerMessageMagic {
			continue
		}
		counter, frame, ok := handshake.OpenServerMessage(pb, c.identity.SharedKey)
		if !ok {
			c.metrics.MessageRejected()
			continue
		}
		if !c.sess.AcceptCounter(counter) {
			c.metrics.MessageRejected()
			continue
		}
		c.metrics.RecordBytesReceived("server-message", n)
		f, err := wire.DecodeFrame(frame)
		if err != nil {
			continue
		}
		c.sess.Deliver(f, time.Now())
	}
}

// driveLoop owns the connection's outgoing schedule, the single-session
// counterpart of the multiplexer's per-session driveSession: it wakes on
// the session's own pacing/retransmit deadline or an explicit kick from
// Write/Close, sealing and sending client-Message packets.
func (c *Conn) driveLoop(ctx context.Context, notify <-chan struct{}) {
	defer c.wg.Done()
	for {
		now := time.Now()
		if f, ok := c.sess.Produce(now); ok {
			c.msgCounterMu.Lock()
			c.msgCounter++
			counter := c.msgCounter
			c.msgCounterMu.Unlock()
			pkt := handshake.BuildClientMessage(c.identity.ServerExtension, c.identity.ClientExtension, c.identity.LocalShortTermPublic, c.identity.SharedKey, counter, wire.EncodeFrame(f))
			c.metrics.RecordBytesSent("client-message", len(pkt))
			if _, err := c.sock.WriteTo(pkt, c.raddr); err != nil {
				c.logger.Warn("connection write failed", "error", err)
			}
			continue
		}
		deadline := c.sess.NextDeadline(now)
		var wait time.Duration
		if deadline.IsZero() {
			wait = time.Second
		} else if wait = deadline.Sub(now); wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}
