// Package messager implements the reliable, ordered, congestion-paced
// byte stream carried inside Message packets (C4): chunking written
// bytes into blocks, retransmitting unacknowledged blocks on a
// congestion-aware schedule, reassembling out-of-order arrivals, and
// signaling end-of-stream in either direction. A Messager never
// suspends and is not safe for concurrent use — the owning session's
// single dispatch lane is its only caller, serializing Write, Read,
// HandleIncoming, and the frame-production calls.
package messager

import (
	"container/list"
	"errors"
	"time"

	"github.com/johnwchadwick/curvecp/freelist"
	"github.com/johnwchadwick/curvecp/internal/wire"
	"github.com/johnwchadwick/curvecp/ringbuf"
)

// ErrClosed is returned by Write once the local side has requested EOF.
var ErrClosed = errors.New("messager: write after close")

const (
	// DefaultMaxOutstanding bounds the number of unacknowledged blocks in
	// flight at once (the sendmarkq).
	DefaultMaxOutstanding = 1024
	// DefaultMaxPending bounds the number of out-of-order received
	// fragments buffered awaiting the bytes that fill the gap before them
	// (the recvmarkq).
	DefaultMaxPending = 1024
	// DefaultSendWindow is the largest amount of unacknowledged send data
	// a Messager will hold in flight, grounded on the teacher's
	// numSendBlocks*1024 (128 preallocated 1024-byte blocks).
	DefaultSendWindow = 128 * 1024
	// DefaultRecvWindow is the size of the reassembly ring buffer,
	// grounded on the teacher's recvBufferSize.
	DefaultRecvWindow = 64 * 1024
)

// Config tunes the buffering and window limits of a Messager. Zero
// values are replaced with the defaults above.
type Config struct {
	MaxOutstanding int
	MaxPending     int
	SendWindow     int
	RecvWindow     int
	// Seed seeds the congestion scheduler's jitter source. Caller
	// supplied so behavior stays reproducible in tests.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.MaxOutstanding <= 0 {
		c.MaxOutstanding = DefaultMaxOutstanding
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.SendWindow <= 0 {
		c.SendWindow = DefaultSendWindow
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = DefaultRecvWindow
	}
	return c
}

type outBlock struct {
	id     uint32
	offset uint64
	data   []byte
	eof    wire.EOFKind
	sentAt time.Time
	tries  int
	sacked bool
}

// Messager is one direction-agnostic reliable stream: it both sends a
// local byte stream to the peer and reassembles the peer's byte stream
// for local reads, multiplexed together over the same sequence of
// Message packets the way CurveCP does.
type Messager struct {
	cfg Config

	pendingWrite []byte
	outstanding  *list.List // of *outBlock, ordered by sentAt ascending
	nextBlockID  uint32
	sendOffset   uint64
	sendAcked    uint64

	eofRequested bool
	eofKind      wire.EOFKind
	eofBlockSent bool
	eofAcked     bool

	lastSend time.Time
	sched    *scheduler
	pool     *freelist.List

	recvBuf      *ringbuf.Ringbuf
	recvOffset   uint64
	recvPending  map[uint64][]byte
	recvEOFKnown bool
	recvEOFKind  wire.EOFKind
	recvEOFAt    uint64
	ackDirty     bool
}

// New creates a Messager ready to send and receive from stream offset
// zero on both sides.
func New(cfg Config) *Messager {
	cfg = cfg.withDefaults()
	return &Messager{
		cfg:         cfg,
		outstanding: list.New(),
		sched:       newScheduler(cfg.Seed),
		pool:        freelist.New(wire.MaxBlockPayload),
		recvBuf:     ringbuf.New(cfg.RecvWindow),
		recvPending: make(map[uint64][]byte),
	}
}

// Write buffers up to len(b) bytes for transmission, bounded by the send
// window. It never blocks: if the window is full it returns 0, nil.
// Room in the window is freed only when the peer acknowledges sent
// bytes (via HandleIncoming), not by NextOutgoingFrame.
func (m *Messager) Write(b []byte) (int, error) {
	if m.eofRequested {
		return 0, ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	inFlight := len(m.pendingWrite) + int(m.sendOffset-m.sendAcked)
	room := m.cfg.SendWindow - inFlight
	if room <= 0 {
		return 0, nil
	}
	if room < len(b) {
		b = b[:room]
	}
	m.pendingWrite = append(m.pendingWrite, b...)
	return len(b), nil
}

// RequestClose arms sending of an end-of-stream marker of the given
// kind once all previously written bytes have been sent. Calling it a
// second time is a no-op.
func (m *Messager) RequestClose(kind wire.EOFKind) {
	if m.eofRequested {
		return
	}
	m.eofRequested = true
	m.eofKind = kind
}

// Read drains reassembled, in-order bytes into b. eof reports whether
// the peer's stream has ended (EOFSuccess or EOFFail) and every byte up
// to that point has already been delivered; failed reports whether that
// end was an error termination rather than a clean one.
func (m *Messager) Read(b []byte) (n int, eof bool, failed bool) {
	n = m.recvBuf.Read(b)
	if n > 0 {
		return n, false, false
	}
	if m.recvEOFKnown && m.recvBuf.Size() == 0 && m.recvOffset >= m.recvEOFAt {
		return 0, true, m.recvEOFKind == wire.EOFFail
	}
	return 0, false, false
}

// Outstanding reports the number of unacknowledged blocks in flight,
// for backlog and flow-control observability.
func (m *Messager) Outstanding() int { return m.outstanding.Len() }

// Idle reports whether there is nothing left to send or retransmit and
// any requested EOF has been acknowledged — the session may tear down
// the connection once both sides report Idle.
func (m *Messager) Idle() bool {
	return len(m.pendingWrite) == 0 && m.outstanding.Len() == 0 &&
		(!m.eofRequested || m.eofAcked)
}

// HandleIncoming applies an inbound frame: retiring acknowledged send
// blocks (updating the congestion scheduler's RTT estimate along the
// way) and reassembling any carried data into the receive buffer.
func (m *Messager) HandleIncoming(f wire.Frame, now time.Time) {
	m.applyAck(f, now)
	m.applyData(f)
}

func (m *Messager) applyAck(f wire.Frame, now time.Time) {
	newAcked := uint64(f.AckID)
	if newAcked > m.sendAcked {
		m.sendAcked = newAcked
	}
	// The retire scan always runs, even when newAcked didn't advance
	// sendAcked: a zero-length EOF block sent at offset 0 is already
	// "covered" by an ack value of 0, and would otherwise never retire.
	for e := m.outstanding.Front(); e != nil; {
		b := e.Value.(*outBlock)
		covered := b.offset+uint64(len(b.data)) <= m.sendAcked
		if b.eof != wire.EOFNone {
			covered = b.offset <= m.sendAcked
		}
		if !covered {
			break
		}
		next := e.Next()
		m.outstanding.Remove(e)
		if b.tries == 1 {
			m.sched.observe(now.Sub(b.sentAt), now)
		}
		if b.eof != wire.EOFNone {
			m.eofAcked = true
		} else {
			m.pool.Put(b.data)
		}
		e = next
	}

	pos := uint64(f.AckID)
	for i := 0; i+1 < len(f.AckRanges); i += 2 {
		gap, length := f.AckRanges[i], f.AckRanges[i+1]
		if length == 0 {
			break
		}
		pos += uint64(gap)
		start, end := pos, pos+uint64(length)
		pos = end
		for e := m.outstanding.Front(); e != nil; e = e.Next() {
			b := e.Value.(*outBlock)
			if b.offset >= start && b.offset+uint64(len(b.data)) <= end {
				b.sacked = true
			}
		}
	}
}

func (m *Messager) applyData(f wire.Frame) {
	if len(f.Data) > 0 {
		m.absorb(f.Offset, f.Data)
	}
	if f.EOF != wire.EOFNone && !m.recvEOFKnown {
		m.recvEOFKnown = true
		m.recvEOFKind = f.EOF
		m.recvEOFAt = f.Offset + uint64(len(f.Data))
		m.ackDirty = true
	}
}

func (m *Messager) absorb(offset uint64, data []byte) {
	switch {
	case offset == m.recvOffset:
		n := m.recvBuf.Write(data)
		m.recvOffset += uint64(n)
		m.ackDirty = true
		for {
			chunk, ok := m.recvPending[m.recvOffset]
			if !ok {
				break
			}
			delete(m.recvPending, m.recvOffset)
			n2 := m.recvBuf.Write(chunk)
			m.recvOffset += uint64(n2)
			if n2 < len(chunk) {
				break
			}
		}
	case offset > m.recvOffset:
		if len(m.recvPending) < m.cfg.MaxPending {
			if _, dup := m.recvPending[offset]; !dup {
				m.recvPending[offset] = append([]byte(nil), data...)
				m.ackDirty = true
			}
		}
	default:
		// Already delivered, or overlapping a delivered prefix: only the
		// bytes past recvOffset (left over when the receive buffer took
		// part of an earlier copy) are new.
		if end := offset + uint64(len(data)); end > m.recvOffset {
			m.absorb(m.recvOffset, data[m.recvOffset-offset:])
		}
	}
}

// NextDeadline reports when the caller should next invoke
// NextOutgoingFrame even absent any new event: either the pacing
// interval for queued data, or the retransmit deadline of the oldest
// outstanding block. The zero Time means "nothing to wait for".
func (m *Messager) NextDeadline(now time.Time) time.Time {
	var deadline time.Time
	if e := m.outstanding.Front(); e != nil {
		b := e.Value.(*outBlock)
		t := b.sentAt.Add(m.sched.timeout())
		deadline = t
	}
	if m.hasSendWork() {
		t := m.lastSend.Add(m.sched.interval())
		if deadline.IsZero() || t.Before(deadline) {
			deadline = t
		}
	}
	return deadline
}

func (m *Messager) hasSendWork() bool {
	if len(m.pendingWrite) > 0 {
		return true
	}
	if m.eofRequested && !m.eofBlockSent {
		return true
	}
	return m.ackDirty
}

// NextOutgoingFrame produces the next frame to transmit, if any: a
// retransmission of a timed-out block, a freshly chunked data block, the
// end-of-stream marker, or a pure acknowledgment — in that priority
// order, each still subject to the congestion pacing interval except
// retransmits, which bypass pacing since a loss already signals the
// current pace is too aggressive.
func (m *Messager) NextOutgoingFrame(now time.Time) (wire.Frame, bool) {
	if e := m.outstanding.Front(); e != nil {
		b := e.Value.(*outBlock)
		if now.Sub(b.sentAt) >= m.sched.timeout() {
			m.outstanding.Remove(e)
			b.sentAt = now
			b.tries++
			b.sacked = false
			m.outstanding.PushBack(b)
			m.lastSend = now
			return m.frameFor(b), true
		}
	}

	if !m.paced(now) {
		return wire.Frame{}, false
	}

	if len(m.pendingWrite) > 0 && m.outstanding.Len() < m.cfg.MaxOutstanding {
		n := len(m.pendingWrite)
		if n > wire.MaxBlockPayload {
			n = wire.MaxBlockPayload
		}
		data := m.pool.Get()[:n]
		copy(data, m.pendingWrite[:n])
		m.pendingWrite = m.pendingWrite[n:]

		m.nextBlockID++
		b := &outBlock{
			id:     m.nextBlockID,
			offset: m.sendOffset,
			data:   data,
			sentAt: now,
			tries:  1,
		}
		m.sendOffset += uint64(n)
		m.outstanding.PushBack(b)
		m.lastSend = now
		return m.frameFor(b), true
	}

	if m.eofRequested && !m.eofBlockSent && len(m.pendingWrite) == 0 {
		m.nextBlockID++
		b := &outBlock{
			id:     m.nextBlockID,
			offset: m.sendOffset,
			eof:    m.eofKind,
			sentAt: now,
			tries:  1,
		}
		m.eofBlockSent = true
		m.outstanding.PushBack(b)
		m.lastSend = now
		return m.frameFor(b), true
	}

	if m.ackDirty {
		f := m.ackFields()
		f.BlockID = 0
		m.ackDirty = false
		m.lastSend = now
		return f, true
	}

	return wire.Frame{}, false
}

func (m *Messager) paced(now time.Time) bool {
	if m.lastSend.IsZero() {
		return true
	}
	return now.Sub(m.lastSend) >= m.sched.interval()
}

func (m *Messager) frameFor(b *outBlock) wire.Frame {
	f := m.ackFields()
	f.BlockID = b.id
	f.Offset = b.offset
	f.Data = b.data
	f.EOF = b.eof
	m.ackDirty = false
	return f
}

// ackFields builds the receive-side acknowledgment portion common to
// every outgoing frame: the contiguous ack point plus up to four
// selective-ACK ranges for out-of-order fragments already buffered.
func (m *Messager) ackFields() wire.Frame {
	var f wire.Frame
	f.AckID = uint32(m.recvOffset)

	type span struct{ start, end uint64 }
	var spans []span
	for off, data := range m.recvPending {
		spans = append(spans, span{off, off + uint64(len(data))})
	}
	for i := 0; i < len(spans); i++ {
		for j := i + 1; j < len(spans); j++ {
			if spans[j].start < spans[i].start {
				spans[i], spans[j] = spans[j], spans[i]
			}
		}
	}

	pos := m.recvOffset
	idx := 0
	for i := 0; i < 4 && idx < len(spans); i++ {
		s := spans[idx]
		idx++
		f.AckRanges[2*i] = uint32(s.start - pos)
		f.AckRanges[2*i+1] = uint32(s.end - s.start)
		pos = s.end
	}
	return f
}
