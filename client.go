package curvecp

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/johnwchadwick/curvecp/freelist"
	"github.com/johnwchadwick/curvecp/internal/crypto"
	"github.com/johnwchadwick/curvecp/internal/handshake"
	"github.com/johnwchadwick/curvecp/internal/logging"
	"github.com/johnwchadwick/curvecp/internal/messager"
	"github.com/johnwchadwick/curvecp/internal/metrics"
	"github.com/johnwchadwick/curvecp/internal/session"
	"github.com/johnwchadwick/curvecp/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// DialConfig configures an outbound connection attempt.
type DialConfig struct {
	// LongTermPublic and LongTermPrivate are this side's durable
	// identity, proven to the remote side via the handshake's vouch.
	LongTermPublic  [32]byte
	LongTermPrivate [32]byte

	// RemotePublic is the responder's long-term public key. Unlike TLS,
	// CurveCP has no certificate chain: the caller must already know
	// this out of band.
	RemotePublic [32]byte

	// RemoteDomainName is carried inside Initiate for server-side vhost
	// routing (at most 255 bytes once DNS-label encoded).
	RemoteDomainName string

	// LocalExtension and RemoteExtension are the opaque 16-byte routing
	// tags this side sends, respectively expects the remote side to
	// echo, on every packet.
	LocalExtension  [16]byte
	RemoteExtension [16]byte

	// Rand supplies cryptographic randomness; nil defaults to
	// crypto/rand.Reader.
	Rand io.Reader

	// Logger receives structured diagnostic events; nil defaults to a
	// no-op logger.
	Logger *slog.Logger

	// Registerer, if non-nil, receives this connection's Prometheus
	// metrics. Nil uses a private, discarded registry.
	Registerer prometheus.Registerer
}

func (c DialConfig) withDefaults() DialConfig {
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	return c
}

// Dial performs a CurveCP handshake to raddr over UDP and returns an
// established, ready-to-use connection. It blocks through the full
// Hello/Cookie/Initiate exchange, retrying Hello and Initiate on the
// wire-level backoff schedule, and returns ErrConnectionRefused if the
// retry budget is exhausted. ctx governs the whole dial: it is checked
// between receive attempts, so a cancellation takes effect once the
// current retry wait elapses, and the socket is then closed.
func Dial(ctx context.Context, network, raddr string, cfg DialConfig) (*Conn, error) {
	return DialPayload(ctx, network, raddr, cfg, nil)
}

// DialPayload is Dial with application bytes piggybacked on the
// Initiate packet, delivered to the peer before the connection is even
// returned to the caller — the same optimization the wire-level design
// uses to save a round trip for a request/response exchange.
func DialPayload(ctx context.Context, network, raddr string, cfg DialConfig, payload []byte) (*Conn, error) {
	cfg = cfg.withDefaults()

	udpAddr, err := net.ResolveUDPAddr(network, raddr)
	if err != nil {
		return nil, err
	}
	sock, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, err
	}

	client, err := handshake.NewClient(handshake.ClientConfig{
		LocalExtension:   handshake.Extension(cfg.LocalExtension),
		RemoteExtension:  handshake.Extension(cfg.RemoteExtension),
		LocalLongTerm:    crypto.Pair{Public: crypto.Key(cfg.LongTermPublic), Private: crypto.Key(cfg.LongTermPrivate)},
		RemotePublic:     crypto.Key(cfg.RemotePublic),
		RemoteDomainName: cfg.RemoteDomainName,
		Rand:             cfg.Rand,
	})
	if err != nil {
		sock.Close()
		return nil, err
	}

	frame, counter, err := runClientHandshake(ctx, sock, udpAddr, client, payload)
	if err != nil {
		sock.Close()
		return nil, err
	}

	identity := session.Identity{
		PeerLongTermPublic:   crypto.Key(cfg.RemotePublic),
		PeerShortTermPublic:  client.ServerShortTermPublic(),
		LocalShortTermPublic: client.ShortTermPublic(),
		SharedKey:            client.SharedKey(),
		Domain:               cfg.RemoteDomainName,
		ServerExtension:      handshake.Extension(cfg.RemoteExtension),
		ClientExtension:      handshake.Extension(cfg.LocalExtension),
	}
	msg := messager.New(messager.Config{})
	notify := make(chan struct{}, 1)
	sess := session.New(identity, msg, func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	// The server-Message carrying this first frame already authenticated
	// its counter during the handshake's HandleServerMessage call; record
	// it as the session's high-water mark so recvLoop's later AcceptCounter
	// checks reject anything at or below it (including a replay of this
	// very packet).
	sess.AcceptCounter(counter)
	if len(frame) > 0 {
		if f, err := wire.DecodeFrame(frame); err == nil {
			sess.Deliver(f, time.Now())
		}
	}

	ctxDrive, cancel := context.WithCancel(context.Background())
	c := &Conn{
		identity: identity,
		sess:     sess,
		sock:     sock,
		raddr:    udpAddr,
		logger:   cfg.Logger,
		metrics:  newMetrics(cfg.Registerer),
		owned:    true,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	c.wg.Add(2)
	go c.recvLoop(ctxDrive)
	go c.driveLoop(ctxDrive, notify)
	return c, nil
}

func newMetrics(reg prometheus.Registerer) *metrics.Metrics {
	if reg == nil {
		return metrics.NewNop()
	}
	return metrics.NewWithRegistry(reg)
}

// runClientHandshake drives Hello/Cookie/Initiate to completion,
// retrying on the wire-level backoff schedule, and returns the first
// decrypted server-Message frame (the ESTABLISHED transition).
func runClientHandshake(ctx context.Context, sock *net.UDPConn, raddr *net.UDPAddr, client *handshake.Client, payload []byte) (frame []byte, counter uint64, err error) {
	buf := freelist.Packets.Get()
	defer freelist.Packets.Put(buf)

	helloPkt, err := client.Hello()
	if err != nil {
		return nil, 0, err
	}
	if _, err := sock.WriteToUDP(helloPkt, raddr); err != nil {
		return nil, 0, err
	}

	var initiatePkt []byte
	for initiatePkt == nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		if err := sock.SetReadDeadline(time.Now().Add(handshake.HelloBackoff(client.Attempts()))); err != nil {
			return nil, 0, err
		}
		n, _, err := sock.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				helloPkt, err = client.Hello()
				if err != nil {
					return nil, 0, err
				}
				if _, err := sock.WriteToUDP(helloPkt, raddr); err != nil {
					return nil, 0, err
				}
				continue
			}
			return nil, 0, err
		}
		initiatePkt, err = client.HandleCookie(buf[:n], payload)
		if err != nil {
			return nil, 0, err
		}
	}
	if _, err := sock.WriteToUDP(initiatePkt, raddr); err != nil {
		return nil, 0, err
	}

	initiateAttempts := 1
	for {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		if err := sock.SetReadDeadline(time.Now().Add(handshake.HelloBackoff(initiateAttempts))); err != nil {
			return nil, 0, err
		}
		n, _, err := sock.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if initiateAttempts >= handshake.HelloRetryLimit {
					return nil, 0, ErrConnectionRefused
				}
				initiateAttempts++
				initiatePkt, err = client.RetransmitInitiate()
				if err != nil {
					return nil, 0, err
				}
				if _, err := sock.WriteToUDP(initiatePkt, raddr); err != nil {
					return nil, 0, err
				}
				continue
			}
			return nil, 0, err
		}
		frame, counter, err = client.HandleServerMessage(buf[:n])
		if err != nil {
			return nil, 0, err
		}
		if frame != nil {
			return frame, counter, nil
		}
	}
}
