package handshake

import (
	"fmt"
	"io"

	"github.com/johnwchadwick/curvecp/internal/crypto"
	"github.com/johnwchadwick/curvecp/internal/wire"
)

// ClientConfig configures an initiator handshake (configuration surface,
// the initiator-relevant subset).
type ClientConfig struct {
	LocalExtension  Extension
	RemoteExtension Extension

	LocalLongTerm crypto.Pair
	RemotePublic  crypto.Key // the responder's long-term public key

	// RemoteDomainName is carried inside Initiate for server-side vhost
	// routing (≤256 bytes, DNS-label encoded).
	RemoteDomainName string

	// Rand produces cryptographically random bytes; always host-injected,
	// never crypto/rand reached for directly by this package.
	Rand io.Reader
}

// Client drives the initiator side of the handshake: Hello, then Cookie,
// then Initiate, then ESTABLISHED. One Client is created per connection
// attempt and discarded (along with its short-term key) once the session's
// messager takes over, or on FAILED.
type Client struct {
	cfg   ClientConfig
	state State

	shortTerm   crypto.Pair
	helloShared crypto.Key // shared_key(server long-term, our short-term) — Hello/Cookie box key
	shortShort  crypto.Key // shared_key(server short-term, our short-term) — post-Cookie

	serverShortTermPublic crypto.Key
	cookie                []byte // 96-byte opaque cookie, echoed verbatim in Initiate
	initiatePayload       []byte // last payload sealed into Initiate, kept for retransmits

	// helloCounter and initiateCounter are independent nonce-counter
	// streams: each (shared key, domain prefix) pair gets its own strictly
	// increasing counter, and Hello/Initiate use both
	// different keys and different prefixes.
	helloCounter    uint64
	initiateCounter uint64
	attempts        int
}

// NewClient begins a connection attempt: generates a fresh short-term key
// pair and derives the Hello/Cookie box key.
func NewClient(cfg ClientConfig) (*Client, error) {
	if crypto.IsZero(cfg.LocalLongTerm.Private) {
		return nil, fmt.Errorf("handshake: local long-term private key not configured")
	}
	if crypto.IsZero(cfg.RemotePublic) {
		return nil, fmt.Errorf("handshake: remote public key not configured")
	}
	if len(cfg.RemoteDomainName) > 255 {
		return nil, fmt.Errorf("handshake: remote domain name too long")
	}
	short, err := randPair(cfg.Rand)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:         cfg,
		state:       StateIdle,
		shortTerm:   short,
		helloShared: crypto.SharedKey(cfg.RemotePublic, short.Private),
	}
	return c, nil
}

// State returns the current handshake state.
func (c *Client) State() State { return c.state }

// ShortTermPublic returns this side's short-term public key, used by the
// session layer to key itself for lookups and logging.
func (c *Client) ShortTermPublic() crypto.Key { return c.shortTerm.Public }

// Hello builds the next Hello packet and arms the retry counter. Returns
// ErrConnectionRefused once HelloRetryLimit has been reached without a
// Cookie.
func (c *Client) Hello() ([]byte, error) {
	if c.state != StateIdle && c.state != StateHelloSent {
		return nil, fmt.Errorf("handshake: Hello called in state %s", c.state)
	}
	if c.attempts >= HelloRetryLimit {
		c.state = StateFailed
		return nil, ErrConnectionRefused
	}
	c.attempts++
	c.helloCounter++

	var counterField [8]byte
	crypto.PutCounter(counterField[:], c.helloCounter)
	nonce := crypto.EncodeNonce(wire.HelloNoncePrefix[:], counterField[:])
	box := crypto.Seal(nil, zeroPad64[:], nonce, c.helloShared)

	pb := wire.EncodeHello(
		Extension(c.cfg.RemoteExtension),
		Extension(c.cfg.LocalExtension),
		c.shortTerm.Public,
		counterField,
		box,
	)
	c.state = StateHelloSent
	return pb, nil
}

// Attempts reports how many Hellos have been sent so far, for the caller's
// retry-timer bookkeeping.
func (c *Client) Attempts() int { return c.attempts }

// HandleCookie processes an inbound Cookie packet. On success it derives
// the short-to-short shared key, passes through COOKIE_RECEIVED, and
// ends in INITIATE_SENT, returning the Initiate packet to send
// immediately, carrying
// payload as its first piggybacked application bytes (may be empty).
func (c *Client) HandleCookie(pb []byte, payload []byte) ([]byte, error) {
	if c.state != StateHelloSent {
		// A duplicate or late Cookie outside the expected state is simply
		// ignored; not every dropped packet is a protocol violation.
		return nil, nil
	}
	cookie, err := wire.DecodeCookie(pb)
	if err != nil {
		return nil, nil
	}

	nonce := crypto.EncodeNonce(wire.CookieNoncePrefix[:], cookie.Nonce[:])
	plain, ok := crypto.Open(nil, cookie.Box, nonce, c.helloShared)
	if !ok || len(plain) != 32+96 {
		return nil, nil
	}
	copy(c.serverShortTermPublic[:], plain[:32])
	c.cookie = append([]byte(nil), plain[32:]...)

	c.shortShort = crypto.SharedKey(c.serverShortTermPublic, c.shortTerm.Private)
	c.state = StateCookieReceived

	initiatePacket, err := c.buildInitiate(payload)
	if err != nil {
		return nil, err
	}
	c.state = StateInitiateSent
	return initiatePacket, nil
}

// RetransmitInitiate rebuilds the Initiate packet with a fresh nonce
// counter, reusing the cookie and payload from the original send. Valid
// once COOKIE_RECEIVED or INITIATE_SENT.
func (c *Client) RetransmitInitiate() ([]byte, error) {
	if c.state != StateCookieReceived && c.state != StateInitiateSent {
		return nil, fmt.Errorf("handshake: RetransmitInitiate called in state %s", c.state)
	}
	return c.buildInitiate(c.initiatePayload)
}

func (c *Client) buildInitiate(payload []byte) ([]byte, error) {
	c.initiatePayload = payload
	domain, ok := wire.EncodeDomain(c.cfg.RemoteDomainName)
	if !ok {
		return nil, fmt.Errorf("handshake: domain name does not fit the wire field")
	}

	// Vouch: prove possession of the long-term private key by sealing our
	// short-term public key under the long-term<->long-term box.
	var vouchNonceBody [16]byte
	if _, err := io.ReadFull(c.cfg.Rand, vouchNonceBody[:]); err != nil {
		return nil, err
	}
	vouchNonce := crypto.EncodeNonce(wire.VouchNoncePrefix[:], vouchNonceBody[:])
	vouchBox := crypto.SealTo(nil, c.shortTerm.Public[:], vouchNonce, c.cfg.RemotePublic, c.cfg.LocalLongTerm.Private)

	plain := wire.EncodeInitiatePlain(c.cfg.LocalLongTerm.Public, vouchNonceBody, vouchBox, domain[:], payload)

	// The outer box uses a true per-session counter starting at 1,
	// incremented again on every Initiate retransmit.
	c.initiateCounter++
	var counterField [8]byte
	crypto.PutCounter(counterField[:], c.initiateCounter)
	nonce := crypto.EncodeNonce(wire.InitiateNoncePrefix[:], counterField[:])
	box := crypto.SealTo(nil, plain, nonce, c.serverShortTermPublic, c.shortTerm.Private)

	pb := wire.EncodeInitiate(
		Extension(c.cfg.RemoteExtension),
		Extension(c.cfg.LocalExtension),
		c.shortTerm.Public,
		c.cookie,
		counterField,
		box,
	)
	return pb, nil
}

// HandleServerMessage processes the first inbound server-Message packet.
// On success it transitions to ESTABLISHED and returns the decrypted
// frame bytes and nonce counter for the messager to consume; later
// server-Message packets bypass the Client and go straight to the
// package-level OpenServerMessage, keyed by SharedKey().
func (c *Client) HandleServerMessage(pb []byte) (frame []byte, counter uint64, err error) {
	if c.state != StateInitiateSent && c.state != StateEstablished {
		return nil, 0, nil
	}
	counter, plain, ok := OpenServerMessage(pb, c.shortShort)
	if !ok {
		return nil, 0, nil
	}
	c.state = StateEstablished
	return plain, counter, nil
}

// SharedKey returns the derived short-to-short key, valid once
// COOKIE_RECEIVED or later.
func (c *Client) SharedKey() crypto.Key { return c.shortShort }

// ServerShortTermPublic returns the responder's short-term public key,
// valid once COOKIE_RECEIVED or later.
func (c *Client) ServerShortTermPublic() crypto.Key { return c.serverShortTermPublic }

// Fail forces the handshake into FAILED, e.g. on an explicit local abort.
func (c *Client) Fail() { c.state = StateFailed }
