// Package curvecp implements the CurveCP secure UDP transport: a
// Curve25519/Salsa20/Poly1305 handshake followed by a reliable,
// congestion-paced byte stream, all carried over plain UDP datagrams.
// Dial opens an outbound connection to a known long-term public key;
// Listen accepts inbound connections on a shared UDP socket, handing
// each one to the caller as a net.Conn once its handshake completes.
//
// The wire protocol, the handshake state machines, the packet codec
// and the reliable messager all live under internal/ and never suspend
// a goroutine; blocking waits and socket I/O happen only above them, in
// internal/session, internal/mux and this package, mirroring the separation the wire-level design draws between
// stateless protocol logic and a stream consumer that can afford to
// wait.
package curvecp

import (
	"errors"
	"io"

	"github.com/johnwchadwick/curvecp/internal/handshake"
)

// ErrConnectionRefused is returned by Dial once the Hello retry budget
// is exhausted without a Cookie, or the Initiate retry budget is
// exhausted without a server-Message, ever arriving. It is the same
// value the handshake layer uses internally, so both retry-exhaustion
// paths satisfy errors.Is(err, ErrConnectionRefused) without a
// translation step at the façade boundary.
var ErrConnectionRefused = handshake.ErrConnectionRefused

// ErrEndOfStream is returned by Read once the peer's stream has ended
// cleanly and every byte up to that point has been delivered. It is
// the same value as io.EOF: a CurveCP stream end is exactly a clean
// io.Reader end, and giving it its own identity would only make
// errors.Is(err, io.EOF) stop working for no benefit.
var ErrEndOfStream = io.EOF

// ErrOperationAborted is returned by Read, Write and Accept when the
// wait was released by a local Close rather than by the operation
// itself completing or the peer's stream ending.
var ErrOperationAborted = errors.New("curvecp: operation aborted")

// ErrOverflow is returned by WriteSome (never by the blocking Write)
// when the send window is entirely full and no byte can be accepted
// without waiting. The caller is expected to retry. A full
// pending-accept queue does not produce it: the multiplexer drops the
// new session and no caller sees an error.
var ErrOverflow = errors.New("curvecp: bounded queue full")
