package handshake

import (
	"io"
	"time"

	"github.com/johnwchadwick/curvecp/internal/crypto"
	"github.com/johnwchadwick/curvecp/internal/wire"
)

// MinuteKeyRotation is the period at which a responder generates a fresh
// minute key. The teacher's own server.go ticks every 30s, but
// open-question policy directs us to the wire-level CurveCP design
// (60s) when the two disagree.
const MinuteKeyRotation = 60 * time.Second

// MinuteKeys holds the responder's current and previous minute keys, used
// to MAC/verify cookies. Keeping one previous key tolerates clock skew and
// Initiates still in flight when a rotation happens. The
// responder is the only lane that ever touches these.
type MinuteKeys struct {
	Current  crypto.Key
	Previous crypto.Key
}

// NewMinuteKeys generates an initial pair of (current, previous) minute
// keys, both freshly random so that no early Initiate can be validated
// against a predictable previous key.
func NewMinuteKeys(r io.Reader) (*MinuteKeys, error) {
	mk := &MinuteKeys{}
	if _, err := io.ReadFull(r, mk.Current[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, mk.Previous[:]); err != nil {
		return nil, err
	}
	return mk, nil
}

// Rotate advances Previous = Current and generates a fresh Current.
func (mk *MinuteKeys) Rotate(r io.Reader) error {
	mk.Previous = mk.Current
	_, err := io.ReadFull(r, mk.Current[:])
	return err
}

// Zero overwrites both keys, used once a listener has stopped accepting
// and has waited out one full rotation period for in-flight Initiates.
func (mk *MinuteKeys) Zero() {
	mk.Current = crypto.Key{}
	mk.Previous = crypto.Key{}
}

// ValidatedHello is the result of successfully validating a Hello packet.
type ValidatedHello struct {
	ServerExtension       Extension
	ClientExtension       Extension
	ClientShortTermPublic crypto.Key
}

// ValidateHello authenticates a Hello packet under the responder's
// long-term key and the client's short-term public key, both carried in
// the clear. A false return means "drop the packet silently" — it is
// never a protocol error.
func ValidateHello(pb []byte, longTerm crypto.Pair) (ValidatedHello, bool) {
	h, err := wire.DecodeHello(pb)
	if err != nil {
		return ValidatedHello{}, false
	}
	shared := crypto.SharedKey(h.ClientShortTermPublic, longTerm.Private)
	nonce := crypto.EncodeNonce(wire.HelloNoncePrefix[:], h.NonceCounter[:])
	if _, ok := crypto.Open(nil, h.Box, nonce, shared); !ok {
		return ValidatedHello{}, false
	}
	return ValidatedHello{
		ServerExtension:       Extension(h.ServerExtension),
		ClientExtension:       Extension(h.ClientExtension),
		ClientShortTermPublic: h.ClientShortTermPublic,
	}, true
}

// BuildCookie issues a Cookie packet in response to a validated Hello: a
// fresh responder short-term key pair, bound to the client's short-term
// public key inside a minute-key secretbox that only this responder can
// open. The responder allocates no per-Hello state — everything
// needed to continue is inside the cookie, which the client must echo
// back verbatim.
func BuildCookie(rand io.Reader, mk *MinuteKeys, longTerm crypto.Pair, hello ValidatedHello) ([]byte, crypto.Pair, error) {
	serverShort, err := randPair(rand)
	if err != nil {
		return nil, crypto.Pair{}, err
	}

	var minuteNonceBody [16]byte
	if _, err := io.ReadFull(rand, minuteNonceBody[:]); err != nil {
		return nil, crypto.Pair{}, err
	}
	minuteNonce := crypto.EncodeNonce(wire.MinuteNoncePrefix[:], minuteNonceBody[:])
	cookiePlain := make([]byte, 0, 64)
	cookiePlain = append(cookiePlain, hello.ClientShortTermPublic[:]...)
	cookiePlain = append(cookiePlain, serverShort.Private[:]...)
	minuteBox := crypto.SealSecret(nil, cookiePlain, minuteNonce, mk.Current)

	outerPlain := make([]byte, 0, 32+144)
	outerPlain = append(outerPlain, serverShort.Public[:]...)
	outerPlain = append(outerPlain, minuteNonceBody[:]...)
	outerPlain = append(outerPlain, minuteBox...)

	var cookieNonceBody [16]byte
	if _, err := io.ReadFull(rand, cookieNonceBody[:]); err != nil {
		return nil, crypto.Pair{}, err
	}
	cookieNonce := crypto.EncodeNonce(wire.CookieNoncePrefix[:], cookieNonceBody[:])
	outerBox := crypto.SealTo(nil, outerPlain, cookieNonce, hello.ClientShortTermPublic, longTerm.Private)

	pb := wire.EncodeCookie(hello.ClientExtension, hello.ServerExtension, cookieNonceBody, outerBox)
	return pb, serverShort, nil
}

// InitiateResult is the outcome of successfully validating an Initiate
// packet: everything the multiplexer needs to create or route to a
// session.
type InitiateResult struct {
	ServerExtension       Extension
	ClientExtension       Extension
	ClientShortTermPublic crypto.Key
	ClientLongTermPublic  crypto.Key
	ServerShortTerm       crypto.Pair
	SharedKey             crypto.Key // short-to-short, for the messager
	Domain                string
	Payload               []byte
}

// ValidateInitiate reopens the cookie (trying the current minute key, then
// the previous one, to tolerate rotation skew and retransmitted
// Initiates), derives the short-to-short key, opens the Initiate's C'->S'
// box, and checks the vouch proves possession of the claimed long-term
// private key. A false return means "drop silently".
func ValidateInitiate(pb []byte, mk *MinuteKeys, longTerm crypto.Pair) (InitiateResult, bool) {
	in, err := wire.DecodeInitiate(pb)
	if err != nil {
		return InitiateResult{}, false
	}

	minuteNonce := crypto.EncodeNonce(wire.MinuteNoncePrefix[:], in.CookieNonce[:])
	cookiePlain, ok := crypto.OpenSecret(nil, in.CookieBox, minuteNonce, mk.Current)
	if !ok {
		cookiePlain, ok = crypto.OpenSecret(nil, in.CookieBox, minuteNonce, mk.Previous)
		if !ok {
			return InitiateResult{}, false
		}
	}
	if len(cookiePlain) != 64 {
		return InitiateResult{}, false
	}
	var cookieClientShortPub, serverShortSecret crypto.Key
	copy(cookieClientShortPub[:], cookiePlain[:32])
	copy(serverShortSecret[:], cookiePlain[32:])
	if !crypto.ConstantTimeEqual(cookieClientShortPub[:], in.ClientShortTermPublic[:]) {
		return InitiateResult{}, false
	}
	serverShortPublic := crypto.DerivePublic(serverShortSecret)

	nonce := crypto.EncodeNonce(wire.InitiateNoncePrefix[:], in.NonceCounter[:])
	plain, ok := crypto.OpenFrom(nil, in.Box, nonce, in.ClientShortTermPublic, serverShortSecret)
	if !ok {
		return InitiateResult{}, false
	}

	ip, err := wire.DecodeInitiatePlain(plain)
	if err != nil {
		return InitiateResult{}, false
	}

	vouchNonce := crypto.EncodeNonce(wire.VouchNoncePrefix[:], ip.VouchNonce[:])
	vouch, ok := crypto.OpenFrom(nil, ip.VouchBox, vouchNonce, ip.ClientLongTermPublic, longTerm.Private)
	if !ok || !crypto.ConstantTimeEqual(vouch, in.ClientShortTermPublic[:]) {
		return InitiateResult{}, false
	}

	domain := wire.DecodeDomain(ip.Domain)
	if domain == "" && anyNonZero(ip.Domain) {
		// A non-empty but malformed label encoding is a framing error and
		// is dropped; an all-zero field is merely an empty hostname and is
		// accepted.
		return InitiateResult{}, false
	}

	return InitiateResult{
		ServerExtension:       Extension(in.ServerExtension),
		ClientExtension:       Extension(in.ClientExtension),
		ClientShortTermPublic: in.ClientShortTermPublic,
		ClientLongTermPublic:  ip.ClientLongTermPublic,
		ServerShortTerm:       crypto.Pair{Public: serverShortPublic, Private: serverShortSecret},
		SharedKey:             crypto.SharedKey(in.ClientShortTermPublic, serverShortSecret),
		Domain:                domain,
		Payload:               append([]byte(nil), ip.Payload...),
	}, true
}

func anyNonZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return true
		}
	}
	return false
}

// BuildServerMessage seals a frame (already encoded by the messager) into a
// server-Message packet.
func BuildServerMessage(serverExt, clientExt Extension, sharedKey crypto.Key, counter uint64, frame []byte) []byte {
	var counterField [8]byte
	crypto.PutCounter(counterField[:], counter)
	nonce := crypto.EncodeNonce(wire.ServerMessageNoncePrefix[:], counterField[:])
	box := crypto.Seal(nil, frame, nonce, sharedKey)
	return wire.EncodeServerMessage(clientExt, serverExt, counterField, box)
}

// OpenClientMessage validates and opens an inbound client-Message packet's
// box under the session's short-to-short key.
func OpenClientMessage(pb []byte, sharedKey crypto.Key) (counter uint64, frame []byte, ok bool) {
	m, err := wire.DecodeClientMessage(pb)
	if err != nil {
		return 0, nil, false
	}
	counter = crypto.DecodeCounter(m.NonceCounter[:])
	nonce := crypto.EncodeNonce(wire.ClientMessageNoncePrefix[:], m.NonceCounter[:])
	plain, ok := crypto.Open(nil, m.Box, nonce, sharedKey)
	if !ok {
		return 0, nil, false
	}
	return counter, plain, true
}

// BuildClientMessage seals a frame into a client-Message packet, used by
// the initiator once ESTABLISHED.
func BuildClientMessage(serverExt, clientExt Extension, shortTermPublic crypto.Key, sharedKey crypto.Key, counter uint64, frame []byte) []byte {
	var counterField [8]byte
	crypto.PutCounter(counterField[:], counter)
	nonce := crypto.EncodeNonce(wire.ClientMessageNoncePrefix[:], counterField[:])
	box := crypto.Seal(nil, frame, nonce, sharedKey)
	return wire.EncodeClientMessage(serverExt, clientExt, shortTermPublic, counterField, box)
}

// OpenServerMessage validates and opens an inbound server-Message packet's
// box, for use once ESTABLISHED (the handshake package's own
// Client.HandleServerMessage covers only the first one).
func OpenServerMessage(pb []byte, sharedKey crypto.Key) (counter uint64, frame []byte, ok bool) {
	m, err := wire.DecodeServerMessage(pb)
	if err != nil {
		return 0, nil, false
	}
	counter = crypto.DecodeCounter(m.NonceCounter[:])
	nonce := crypto.EncodeNonce(wire.ServerMessageNoncePrefix[:], m.NonceCounter[:])
	plain, ok := crypto.Open(nil, m.Box, nonce, sharedKey)
	if !ok {
		return 0, nil, false
	}
	return counter, plain, true
}
