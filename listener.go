package curvecp

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/johnwchadwick/curvecp/internal/crypto"
	"github.com/johnwchadwick/curvecp/internal/logging"
	"github.com/johnwchadwick/curvecp/internal/metrics"
	"github.com/johnwchadwick/curvecp/internal/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// ListenConfig configures a Listener.
type ListenConfig struct {
	// LongTermPublic and LongTermPrivate are the responder's durable
	// identity, proven to every connecting peer by a successfully
	// opened Hello/Cookie/Initiate exchange.
	LongTermPublic  [32]byte
	LongTermPrivate [32]byte

	// MaxPendingAccept bounds the queue of established sessions waiting
	// for Accept; zero uses mux.DefaultMaxPendingAccept.
	MaxPendingAccept int
	// MaxSessions bounds the number of concurrently tracked sessions,
	// evicting the earliest-established one still tracked beyond it
	// (recent activity does not protect a session from eviction); zero
	// uses mux.DefaultMaxSessions.
	MaxSessions int
	// PreAuthRate and PreAuthBurst bound the rate of Cookie packets
	// issued per source address, guarding against UDP amplification
	// abuse; zero uses mux.DefaultPreAuthRate/DefaultPreAuthBurst.
	PreAuthRate  rate.Limit
	PreAuthBurst int

	// Rand supplies cryptographic randomness; nil defaults to
	// crypto/rand.Reader.
	Rand io.Reader
	// Logger receives structured diagnostic events; nil defaults to a
	// no-op logger.
	Logger *slog.Logger
	// Registerer, if non-nil, receives this listener's Prometheus
	// metrics (session counts, handshake outcomes, bytes by packet
	// type). Nil uses a private, discarded registry.
	Registerer prometheus.Registerer
}

func (c ListenConfig) withDefaults() ListenConfig {
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	return c
}

// Listener accepts inbound CurveCP connections on one shared UDP
// socket, handing each one to the caller as a net.Conn once its
// handshake completes.
type Listener struct {
	conn net.PacketConn
	m    *mux.Mux
	ctx  context.Context
	stop context.CancelFunc
	done chan struct{}
}

// Listen announces on laddr and returns a CurveCP listener. Call Accept
// in a loop to receive established connections; call Close to stop
// accepting and tear down every session.
func Listen(network, laddr string, cfg ListenConfig) (*Listener, error) {
	cfg = cfg.withDefaults()
	conn, err := net.ListenPacket(network, laddr)
	if err != nil {
		return nil, err
	}
	m, err := mux.New(conn, mux.Config{
		LongTerm:         crypto.Pair{Public: crypto.Key(cfg.LongTermPublic), Private: crypto.Key(cfg.LongTermPrivate)},
		Rand:             cfg.Rand,
		MaxPendingAccept: cfg.MaxPendingAccept,
		MaxSessions:      cfg.MaxSessions,
		PreAuthRate:      cfg.PreAuthRate,
		PreAuthBurst:     cfg.PreAuthBurst,
		Metrics:          newMetrics(cfg.Registerer),
		Logger:           cfg.Logger,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{conn: conn, m: m, ctx: ctx, stop: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		l.m.Serve(ctx)
	}()
	return l, nil
}

// Accept waits for and returns the next established connection. It
// implements net.Listener, so a Listener can be used anywhere that
// interface is expected.
func (l *Listener) Accept() (net.Conn, error) {
	return l.AcceptContext(context.Background())
}

// AcceptContext is Accept with explicit cancellation, for callers that
// want to bound how long they wait for the next connection.
func (l *Listener) AcceptContext(ctx context.Context) (*Conn, error) {
	accepted, err := l.m.Accept(ctx)
	if err != nil {
		if errors.Is(err, mux.ErrClosed) {
			return nil, ErrOperationAborted
		}
		return nil, err
	}
	return &Conn{
		identity: accepted.Session.Identity(),
		sess:     accepted.Session,
		sock:     l.conn,
		raddr:    accepted.Addr,
		logger:   logging.NopLogger(),
		metrics:  metrics.NewNop(),
		owned:    false,
		closed:   make(chan struct{}),
	}, nil
}

// Close stops accepting new connections and gracefully tears down
// every active session (see mux.Close), retaining minute keys in
// memory for one more rotation period so Initiates already in flight
// still validate. It blocks for as long as mux.Close's close contract
// takes to resolve, up to session.CloseGuardTimeout.
func (l *Listener) Close() error {
	err := l.m.Close()
	l.stop()
	<-l.done
	return err
}

// Addr returns the listener's local UDP address.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }
