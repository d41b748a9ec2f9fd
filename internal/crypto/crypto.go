// Package crypto is the thin façade over the NaCl-style primitives CurveCP
// is built on: Curve25519 key agreement and the box/secretbox sealed
// constructions from golang.org/x/crypto/nacl. It owns nothing but key
// material and nonce assembly; every other package treats a failed Open as
// "drop the packet", never as an error to propagate.
package crypto

import (
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the width of every Curve25519 public or private key and every
// box/secretbox key used by CurveCP.
const KeySize = 32

// NonceSize is the width of a fully assembled nacl nonce.
const NonceSize = 24

// Overhead is the authenticator length box and secretbox both prepend.
const Overhead = box.Overhead

// Key is a Curve25519 public or private key, or a derived shared key.
type Key [KeySize]byte

// Nonce is a fully assembled 24-byte nacl nonce.
type Nonce [NonceSize]byte

// Pair is a Curve25519 key pair: a long-term identity or a short-term,
// per-session key generated fresh and discarded at close.
type Pair struct {
	Public  Key
	Private Key
}

// GeneratePair creates a fresh Curve25519 key pair using r as the source of
// randomness. r is always caller-supplied (the host's injected nonce
// generator) — this package never reaches for crypto/rand itself, keeping
// RNG a capability interface rather than a global.
func GeneratePair(r io.Reader) (Pair, error) {
	pub, priv, err := box.GenerateKey(r)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Public: Key(*pub), Private: Key(*priv)}, nil
}

// DerivePublic computes the Curve25519 public key matching a private key,
// for configurations that supply only the private half.
func DerivePublic(priv Key) Key {
	var pub Key
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&priv))
	return pub
}

// SharedKey computes the box shared key for (theirPublic, mySecret): a
// Curve25519 scalar multiplication followed by HSalsa20, precomputed once
// and reused for every box sealed/opened between the same two keys. This is
// the C1 primitive every handshake and messager box rides on.
func SharedKey(theirPublic, mySecret Key) Key {
	var shared Key
	box.Precompute((*[32]byte)(&shared), (*[32]byte)(&theirPublic), (*[32]byte)(&mySecret))
	return shared
}

// EncodeNonce assembles a 24-byte nonce from a domain-separation prefix and
// a trailing value. CurveCP uses this in two shapes depending on packet
// type: a 16-byte prefix with an 8-byte monotonically increasing counter
// (Hello, Initiate's outer box, client-Message, server-Message — true
// per-session nonces), or an 8-byte prefix with a 16-byte value that is
// otherwise random and carried verbatim on the wire (Cookie's outer box,
// the minute-key secretbox, the Initiate vouch — boxes sealed outside any
// per-session counter stream). len(prefix)+len(suffix) must equal
// NonceSize; callers get this from the wire package's fixed-width slices.
func EncodeNonce(prefix, suffix []byte) Nonce {
	var n Nonce
	copy(n[:], prefix)
	copy(n[len(prefix):], suffix)
	return n
}

// CounterNonce encodes a 16-byte domain prefix together with an 8-byte
// big-endian-free little-endian counter, matching the wire's "compressed
// nonce" field for counter-bearing packets.
func CounterNonce(prefix [16]byte, counter uint64) Nonce {
	var suffix [8]byte
	putUint64(suffix[:], counter)
	return EncodeNonce(prefix[:], suffix[:])
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}

// DecodeCounter extracts the little-endian counter from an 8-byte
// compressed-nonce wire field.
func DecodeCounter(b []byte) uint64 { return getUint64(b) }

// PutCounter writes a counter into an 8-byte compressed-nonce wire field.
func PutCounter(b []byte, v uint64) { putUint64(b, v) }

// Seal authenticates and encrypts plaintext under a box shared key,
// appending it to dst. The authenticator (Overhead bytes) is prepended to
// the returned ciphertext, as with the underlying nacl primitive.
func Seal(dst []byte, plaintext []byte, nonce Nonce, shared Key) []byte {
	n := [NonceSize]byte(nonce)
	k := [KeySize]byte(shared)
	return box.SealAfterPrecomputation(dst, plaintext, &n, &k)
}

// Open authenticates and decrypts ciphertext sealed with Seal under the
// same shared key. ok is false on any authenticator mismatch; callers must
// treat that as "drop the packet", never surface it as an error.
func Open(dst []byte, ciphertext []byte, nonce Nonce, shared Key) (plaintext []byte, ok bool) {
	n := [NonceSize]byte(nonce)
	k := [KeySize]byte(shared)
	return box.OpenAfterPrecomputation(dst, ciphertext, &n, &k)
}

// SealTo seals plaintext directly under (theirPublic, mySecret) without a
// precomputed shared key. Used for one-shot boxes (the Cookie's outer box,
// Initiate's outer box, the vouch) where precomputing would save nothing.
func SealTo(dst []byte, plaintext []byte, nonce Nonce, theirPublic, mySecret Key) []byte {
	n := [NonceSize]byte(nonce)
	pub := [KeySize]byte(theirPublic)
	sec := [KeySize]byte(mySecret)
	return box.Seal(dst, plaintext, &n, &pub, &sec)
}

// OpenFrom opens a box sealed with SealTo.
func OpenFrom(dst []byte, ciphertext []byte, nonce Nonce, theirPublic, mySecret Key) (plaintext []byte, ok bool) {
	n := [NonceSize]byte(nonce)
	pub := [KeySize]byte(theirPublic)
	sec := [KeySize]byte(mySecret)
	return box.Open(dst, ciphertext, &n, &pub, &sec)
}

// SealSecret seals plaintext under a symmetric secretbox key — used only
// for the responder's cookie, which is opaque to everyone but the minute
// key holder.
func SealSecret(dst []byte, plaintext []byte, nonce Nonce, key Key) []byte {
	n := [NonceSize]byte(nonce)
	k := [KeySize]byte(key)
	return secretbox.Seal(dst, plaintext, &n, &k)
}

// OpenSecret opens a secretbox sealed with SealSecret.
func OpenSecret(dst []byte, ciphertext []byte, nonce Nonce, key Key) (plaintext []byte, ok bool) {
	n := [NonceSize]byte(nonce)
	k := [KeySize]byte(key)
	return secretbox.Open(dst, ciphertext, &n, &k)
}

// ConstantTimeEqual reports whether a and b are equal, in time independent
// of where they first differ. Used to compare vouch contents and cookie
// echoes, which are attacker-influenced.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// IsZero reports whether a key is the all-zero value, used to detect an
// unconfigured key before it is used in a handshake.
func IsZero(k Key) bool {
	var zero Key
	return ConstantTimeEqual(k[:], zero[:])
}
