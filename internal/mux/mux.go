// Package mux implements the responder-side multiplexer (C6): the
// single UDP socket's receive loop, Hello/Initiate dispatch into the
// stateless handshake package, session registry keyed by client
// short-term public key, and the bounded pending-accept queue a
// Listener drains. It is the one component in this module that is
// inherently concurrent — one goroutine per established session drives
// that session's own outgoing schedule, a pattern grounded on the
// teacher's per-connection pump goroutine, generalized from one
// connection to many sharing a socket.
package mux

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/johnwchadwick/curvecp/freelist"
	"github.com/johnwchadwick/curvecp/internal/crypto"
	"github.com/johnwchadwick/curvecp/internal/handshake"
	"github.com/johnwchadwick/curvecp/internal/logging"
	"github.com/johnwchadwick/curvecp/internal/messager"
	"github.com/johnwchadwick/curvecp/internal/metrics"
	"github.com/johnwchadwick/curvecp/internal/session"
	"github.com/johnwchadwick/curvecp/internal/wire"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Accept once the multiplexer has been shut
// down.
var ErrClosed = errors.New("mux: use of closed multiplexer")

const (
	DefaultMaxPendingAccept = 16
	DefaultMaxSessions      = 4096
	// DefaultPreAuthRate and DefaultPreAuthBurst bound the rate of
	// Hello and Initiate packets handled per source address (each
	// answered Hello costs a 200-byte Cookie for a 224-byte Hello), the
	// pre-authentication rate limit guarding against UDP amplification
	// abuse.
	DefaultPreAuthRate  = rate.Limit(20)
	DefaultPreAuthBurst = 40
)

// Config configures a Mux.
type Config struct {
	LongTerm         crypto.Pair
	Rand             randSource
	MaxPendingAccept int
	MaxSessions      int
	PreAuthRate      rate.Limit
	PreAuthBurst     int
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

type randSource interface {
	Read(p []byte) (int, error)
}

func (c Config) withDefaults() Config {
	if c.MaxPendingAccept <= 0 {
		c.MaxPendingAccept = DefaultMaxPendingAccept
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.PreAuthRate <= 0 {
		c.PreAuthRate = DefaultPreAuthRate
	}
	if c.PreAuthBurst <= 0 {
		c.PreAuthBurst = DefaultPreAuthBurst
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNop()
	}
	return c
}

type outPacket struct {
	addr net.Addr
	buf  []byte
}

// Accepted is one freshly ESTABLISHED session and the address it
// arrived from.
type Accepted struct {
	Session *session.Session
	Addr    net.Addr
}

type entry struct {
	sess     *session.Session
	addr     net.Addr
	cancel   context.CancelFunc
	lastSeen time.Time

	// msgCounter is the server-Message nonce counter for this session,
	// incremented once per packet sent; it must never repeat for the
	// life of the shared key.
	msgCounter uint64
}

// Mux owns one UDP socket on behalf of a responder: it answers Hellos,
// validates Initiates, and fans inbound client-Message packets out to
// the right session while collecting every session's outgoing frames
// onto one shared send queue.
type Mux struct {
	cfg  Config
	conn net.PacketConn

	mkMu sync.Mutex
	mk   *handshake.MinuteKeys

	sessMu   sync.Mutex
	sessions map[crypto.Key]*entry
	order    []crypto.Key // establishment order for eviction; activity does not reorder it

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	pending chan Accepted
	out     chan outPacket

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New creates a Mux bound to conn. Call Serve to start processing.
func New(conn net.PacketConn, cfg Config) (*Mux, error) {
	cfg = cfg.withDefaults()
	if crypto.IsZero(cfg.LongTerm.Private) {
		return nil, errors.New("mux: long-term key not configured")
	}
	mk, err := handshake.NewMinuteKeys(cfg.Rand)
	if err != nil {
		return nil, err
	}
	return &Mux{
		cfg:      cfg,
		conn:     conn,
		mk:       mk,
		sessions: make(map[crypto.Key]*entry),
		limiters: make(map[string]*rate.Limiter),
		pending:  make(chan Accepted, cfg.MaxPendingAccept),
		out:      make(chan outPacket, 512),
		closed:   make(chan struct{}),
	}, nil
}

// Serve runs the receive loop, the outbound drain loop, and the
// minute-key rotation ticker until ctx is canceled or Close is called.
func (m *Mux) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.wg.Add(2)
	go m.recvLoop(ctx)
	go m.sendLoop(ctx)

	rotate := time.NewTicker(handshake.MinuteKeyRotation)
	defer rotate.Stop()
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return ctx.Err()
		case <-m.closed:
			cancel()
			m.wg.Wait()
			return nil
		case <-rotate.C:
			m.mkMu.Lock()
			if err := m.mk.Rotate(m.cfg.Rand); err != nil {
				m.cfg.Logger.Error("minute key rotation failed", "error", err)
			}
			m.mkMu.Unlock()
		}
	}
}

// Accept returns the next ESTABLISHED session, blocking until one
// arrives, ctx is done, or the multiplexer is closed.
func (m *Mux) Accept(ctx context.Context) (Accepted, error) {
	select {
	case a, ok := <-m.pending:
		if !ok {
			return Accepted{}, ErrClosed
		}
		return a, nil
	case <-ctx.Done():
		return Accepted{}, ctx.Err()
	case <-m.closed:
		return Accepted{}, ErrClosed
	}
}

// Close requests a clean end-of-stream on every active session and
// gives each one up to session.CloseGuardTimeout to have it
// acknowledged (the recv/send loops are kept running for that grace
// period, since otherwise no ACK could ever arrive), then aborts
// whatever hasn't finished and stops the receive/send loops. Minute
// keys stay alive in memory for one more rotation period so Initiates
// already in flight still validate, then are zeroed.
func (m *Mux) Close() error {
	m.closeOnce.Do(func() {
		m.sessMu.Lock()
		entries := make([]*entry, 0, len(m.sessions))
		for _, e := range m.sessions {
			entries = append(entries, e)
		}
		m.sessMu.Unlock()

		var grace sync.WaitGroup
		grace.Add(len(entries))
		for _, e := range entries {
			e.sess.Close()
			go func(e *entry) {
				defer grace.Done()
				e.sess.WaitIdle(session.CloseGuardTimeout)
				e.cancel()
				e.sess.Abort()
			}(e)
		}
		grace.Wait()

		close(m.closed)
		go func() {
			time.Sleep(handshake.MinuteKeyRotation)
			m.mkMu.Lock()
			m.mk.Zero()
			m.mkMu.Unlock()
		}()
	})
	return nil
}

func (m *Mux) recvLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf := freelist.Packets.Get()
		n, addr, err := m.conn.ReadFrom(buf)
		if err != nil {
			freelist.Packets.Put(buf)
			select {
			case <-ctx.Done():
				return
			default:
			}
			m.cfg.Logger.Warn("multiplexer read failed", "error", err)
			continue
		}
		m.handlePacket(buf[:n], addr)
		freelist.Packets.Put(buf)
	}
}

func (m *Mux) handlePacket(pb []byte, addr net.Addr) {
	magic, ok := wire.IdentifyMagic(pb)
	if !ok {
		return
	}
	switch magic {
	case wire.HelloMagic:
		m.handleHello(pb, addr)
	case wire.InitiateMagic:
		m.handleInitiate(pb, addr)
	case wire.ClientMessageMagic:
		m.handleClientMessage(pb, addr)
	default:
		// CookieMagic and ServerMessageMagic only ever originate here;
		// a responder never expects to receive one.
	}
}

func (m *Mux) handleHello(pb []byte, addr net.Addr) {
	m.cfg.Metrics.RecordBytesReceived("hello", len(pb))
	if !m.allowPreAuth(addr) {
		return
	}
	hello, ok := handshake.ValidateHello(pb, m.cfg.LongTerm)
	if !ok {
		m.cfg.Metrics.HelloRejected()
		return
	}
	m.mkMu.Lock()
	cookie, _, err := handshake.BuildCookie(m.cfg.Rand, m.mk, m.cfg.LongTerm, hello)
	m.mkMu.Unlock()
	if err != nil {
		m.cfg.Logger.Error("cookie construction failed", "error", err)
		return
	}
	m.cfg.Metrics.CookieIssued()
	m.cfg.Metrics.RecordBytesSent("cookie", len(cookie))
	m.enqueueOut(addr, cookie)
}

func (m *Mux) handleInitiate(pb []byte, addr net.Addr) {
	m.cfg.Metrics.RecordBytesReceived("initiate", len(pb))
	if !m.allowPreAuth(addr) {
		return
	}
	m.mkMu.Lock()
	result, ok := handshake.ValidateInitiate(pb, m.mk, m.cfg.LongTerm)
	m.mkMu.Unlock()
	if !ok {
		m.cfg.Metrics.InitiateRejected()
		return
	}

	m.sessMu.Lock()
	if e, exists := m.sessions[result.ClientShortTermPublic]; exists {
		e.lastSeen = time.Now()
		m.sessMu.Unlock()
		return // retransmitted Initiate for an already-established session
	}
	m.sessMu.Unlock()

	identity := session.Identity{
		PeerLongTermPublic:   result.ClientLongTermPublic,
		PeerShortTermPublic:  result.ClientShortTermPublic,
		LocalShortTermPublic: result.ServerShortTerm.Public,
		SharedKey:            result.SharedKey,
		Domain:               result.Domain,
		ServerExtension:      result.ServerExtension,
		ClientExtension:      result.ClientExtension,
	}
	msg := messager.New(messager.Config{})
	e := &entry{addr: addr, lastSeen: time.Now()}
	notify := make(chan struct{}, 1)
	sess := session.New(identity, msg, func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	e.sess = sess

	if len(result.Payload) > 0 {
		sess.Deliver(wire.Frame{Offset: 0, Data: result.Payload}, time.Now())
	}

	m.sessMu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.evictOldestLocked()
	}
	m.sessions[result.ClientShortTermPublic] = e
	m.order = append(m.order, result.ClientShortTermPublic)
	m.sessMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	m.wg.Add(1)
	go m.driveSession(ctx, e, identity, notify)

	m.cfg.Metrics.SessionEstablished()
	select {
	case m.pending <- Accepted{Session: sess, Addr: addr}:
	default:
		m.cfg.Logger.Warn("pending accept queue full, dropping new session", "addr", addr)
	}
}

func (m *Mux) handleClientMessage(pb []byte, addr net.Addr) {
	m.cfg.Metrics.RecordBytesReceived("client-message", len(pb))
	cm, err := wire.DecodeClientMessage(pb)
	if err != nil {
		return
	}
	m.sessMu.Lock()
	e, ok := m.sessions[cm.ClientShortTermPublic]
	if ok {
		e.lastSeen = time.Now()
		e.addr = addr
	}
	m.sessMu.Unlock()
	if !ok {
		return
	}
	counter, rawFrame, ok := handshake.OpenClientMessage(pb, e.sess.Identity().SharedKey)
	if !ok {
		m.cfg.Metrics.MessageRejected()
		return
	}
	if !e.sess.AcceptCounter(counter) {
		m.cfg.Metrics.MessageRejected()
		return
	}
	f, err := wire.DecodeFrame(rawFrame)
	if err != nil {
		return
	}
	e.sess.Deliver(f, time.Now())
}

// driveSession owns one session's outgoing schedule: it wakes on the
// session's own pacing/retransmit deadline or on an explicit kick from
// Write/Close, producing frames onto the shared outbound queue.
func (m *Mux) driveSession(ctx context.Context, e *entry, identity session.Identity, notify <-chan struct{}) {
	defer m.wg.Done()
	for {
		now := time.Now()
		if f, ok := e.sess.Produce(now); ok {
			e.msgCounter++
			pkt := handshake.BuildServerMessage(identity.ServerExtension, identity.ClientExtension, identity.SharedKey, e.msgCounter, wire.EncodeFrame(f))
			m.cfg.Metrics.RecordBytesSent("server-message", len(pkt))
			m.enqueueOut(e.addr, pkt)
			continue
		}
		deadline := e.sess.NextDeadline(now)
		var wait time.Duration
		if deadline.IsZero() {
			wait = time.Second
		} else {
			wait = deadline.Sub(now)
			if wait < 0 {
				wait = 0
			}
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
		if e.sess.Idle() {
			m.sessMu.Lock()
			delete(m.sessions, identity.PeerShortTermPublic)
			m.sessMu.Unlock()
			m.cfg.Metrics.SessionClosed()
			return
		}
	}
}

func (m *Mux) evictOldestLocked() {
	for len(m.order) > 0 {
		key := m.order[0]
		m.order = m.order[1:]
		if e, ok := m.sessions[key]; ok {
			e.cancel()
			e.sess.Abort()
			delete(m.sessions, key)
			m.cfg.Metrics.SessionEvicted()
			return
		}
	}
}

func (m *Mux) allowPreAuth(addr net.Addr) bool {
	key := addr.String()
	m.limiterMu.Lock()
	lim, ok := m.limiters[key]
	if !ok {
		lim = rate.NewLimiter(m.cfg.PreAuthRate, m.cfg.PreAuthBurst)
		m.limiters[key] = lim
	}
	m.limiterMu.Unlock()
	return lim.Allow()
}

func (m *Mux) sendLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-m.out:
			if _, err := m.conn.WriteTo(p.buf, p.addr); err != nil {
				m.cfg.Logger.Warn("multiplexer write failed", "error", err)
			}
			freelist.Packets.Put(p.buf)
		}
	}
}

func (m *Mux) enqueueOut(addr net.Addr, buf []byte) {
	select {
	case m.out <- outPacket{addr: addr, buf: buf}:
	default:
		m.cfg.Logger.Warn("outbound queue full, dropping packet", "addr", addr)
	}
}
