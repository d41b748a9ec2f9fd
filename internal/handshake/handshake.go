// Package handshake drives the CurveCP negotiation (C3): the initiator's
// Hello/Cookie/Initiate state machine and the responder's stateless
// Hello/Initiate validation, cookie issuance, and minute-key rotation. It
// never suspends — every exported function is a pure state transition
// driven by an inbound packet, an outbound request, or a timer firing, per
// "the handshake and messager never suspend" rule. The reliable
// messager and the byte-stream session begin only once a side reaches
// ESTABLISHED; this package has nothing more to say about a connection
// after that point beyond handing over the derived short-term shared key.
package handshake

import (
	"errors"
	"io"
	"time"

	"github.com/johnwchadwick/curvecp/internal/crypto"
	"github.com/johnwchadwick/curvecp/internal/wire"
)

// ErrConnectionRefused is returned once the initiator's Hello retry budget
// is exhausted without a Cookie arriving.
var ErrConnectionRefused = errors.New("handshake: connection refused")

// ErrProtocol marks a locally fatal handshake condition that is not simply
// "drop the packet" — currently unused by the happy path, reserved for
// explicit EOF_FAIL-style signaling surfaced above this package.
var ErrProtocol = errors.New("handshake: protocol violation")

// State is the initiator's handshake state. The responder has no
// analogous per-peer state machine: it is stateless until
// ValidateInitiate succeeds.
type State int

const (
	StateIdle State = iota
	StateHelloSent
	StateCookieReceived
	StateInitiateSent
	StateEstablished
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHelloSent:
		return "hello_sent"
	case StateCookieReceived:
		return "cookie_received"
	case StateInitiateSent:
		return "initiate_sent"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HelloRetryLimit and HelloRetryInterval settle on the wire-level CurveCP
// design's retry budget: 8 attempts with exponential back-off from 1s.
const (
	HelloRetryLimit    = 8
	HelloRetryInterval = 1 * time.Second
)

// HelloBackoff returns the retry delay before the (1-indexed) attempt'th
// retransmission, doubling from HelloRetryInterval and capped at 32s so a
// dead peer is still retried at a sane cadence near the end of the budget.
func HelloBackoff(attempt int) time.Duration {
	d := HelloRetryInterval
	for i := 1; i < attempt && d < 32*time.Second; i++ {
		d *= 2
	}
	if d > 32*time.Second {
		d = 32 * time.Second
	}
	return d
}

// Extension is the 16-byte opaque routing tag carried in every packet.
type Extension [16]byte

// zeroPad64 is reused as the Hello packet's authenticated-but-empty payload.
var zeroPad64 [64]byte
var zero48 [48]byte

func randPair(r io.Reader) (crypto.Pair, error) {
	return crypto.GeneratePair(r)
}
