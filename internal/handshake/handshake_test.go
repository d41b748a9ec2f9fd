package handshake

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/johnwchadwick/curvecp/internal/crypto"
	"github.com/johnwchadwick/curvecp/internal/wire"
	"github.com/stretchr/testify/require"
)

func genPair(t *testing.T) crypto.Pair {
	t.Helper()
	p, err := crypto.GeneratePair(rand.Reader)
	require.NoError(t, err)
	return p
}

func TestHandshakeHappyPath(t *testing.T) {
	serverLong := genPair(t)
	clientLong := genPair(t)

	client, err := NewClient(ClientConfig{
		LocalLongTerm: clientLong,
		RemotePublic:  serverLong.Public,
		Rand:          rand.Reader,
	})
	require.NoError(t, err)

	helloPkt, err := client.Hello()
	require.NoError(t, err)
	require.Len(t, helloPkt, wire.HelloLen)
	require.Equal(t, StateHelloSent, client.State())

	validHello, ok := ValidateHello(helloPkt, serverLong)
	require.True(t, ok)
	require.Equal(t, client.ShortTermPublic(), validHello.ClientShortTermPublic)

	mk, err := NewMinuteKeys(rand.Reader)
	require.NoError(t, err)

	cookiePkt, serverShort, err := BuildCookie(rand.Reader, mk, serverLong, validHello)
	require.NoError(t, err)
	require.Len(t, cookiePkt, wire.CookieLen)

	initiatePkt, err := client.HandleCookie(cookiePkt, []byte("hello server"))
	require.NoError(t, err)
	require.NotNil(t, initiatePkt)
	require.Equal(t, StateInitiateSent, client.State())
	require.GreaterOrEqual(t, len(initiatePkt), wire.InitiateMinLen)

	result, ok := ValidateInitiate(initiatePkt, mk, serverLong)
	require.True(t, ok)
	require.Equal(t, clientLong.Public, result.ClientLongTermPublic)
	require.Equal(t, client.ShortTermPublic(), result.ClientShortTermPublic)
	require.Equal(t, serverShort.Public, crypto.DerivePublic(result.ServerShortTerm.Private))
	require.Equal(t, []byte("hello server"), result.Payload)
	require.Equal(t, client.SharedKey(), result.SharedKey)

	// Server replies with a server-Message; client transitions to ESTABLISHED.
	frame := []byte("server frame bytes")
	serverMsgPkt := BuildServerMessage(result.ServerExtension, result.ClientExtension, result.SharedKey, 1, frame)
	got, counter, err := client.HandleServerMessage(serverMsgPkt)
	require.NoError(t, err)
	require.Equal(t, frame, got)
	require.Equal(t, uint64(1), counter)
	require.Equal(t, StateEstablished, client.State())
}

func TestValidateHelloRejectsTamperedBox(t *testing.T) {
	serverLong := genPair(t)
	clientLong := genPair(t)
	client, err := NewClient(ClientConfig{LocalLongTerm: clientLong, RemotePublic: serverLong.Public, Rand: rand.Reader})
	require.NoError(t, err)

	pkt, err := client.Hello()
	require.NoError(t, err)
	pkt[150] ^= 0xFF // corrupt a byte inside the box

	_, ok := ValidateHello(pkt, serverLong)
	require.False(t, ok)
}

func TestHelloRetryBudgetExhausted(t *testing.T) {
	serverLong := genPair(t)
	clientLong := genPair(t)
	client, err := NewClient(ClientConfig{LocalLongTerm: clientLong, RemotePublic: serverLong.Public, Rand: rand.Reader})
	require.NoError(t, err)

	for i := 0; i < HelloRetryLimit; i++ {
		_, err := client.Hello()
		require.NoError(t, err)
	}
	_, err = client.Hello()
	require.ErrorIs(t, err, ErrConnectionRefused)
	require.Equal(t, StateFailed, client.State())
}

func TestHelloBackoffDoublesAndCaps(t *testing.T) {
	require.Equal(t, HelloRetryInterval, HelloBackoff(1))
	require.Equal(t, 2*HelloRetryInterval, HelloBackoff(2))
	require.Equal(t, 4*HelloRetryInterval, HelloBackoff(3))
	require.LessOrEqual(t, HelloBackoff(20), 32*HelloRetryInterval)
}

func TestValidateInitiateRejectsReplayedCookieMismatch(t *testing.T) {
	serverLong := genPair(t)
	clientLong := genPair(t)
	client, err := NewClient(ClientConfig{LocalLongTerm: clientLong, RemotePublic: serverLong.Public, Rand: rand.Reader})
	require.NoError(t, err)

	helloPkt, err := client.Hello()
	require.NoError(t, err)
	validHello, ok := ValidateHello(helloPkt, serverLong)
	require.True(t, ok)

	mk, err := NewMinuteKeys(rand.Reader)
	require.NoError(t, err)
	cookiePkt, _, err := BuildCookie(rand.Reader, mk, serverLong, validHello)
	require.NoError(t, err)

	initiatePkt, err := client.HandleCookie(cookiePkt, nil)
	require.NoError(t, err)

	// Tamper with the vouch box region.
	tampered := append([]byte(nil), initiatePkt...)
	tampered[len(tampered)-1] ^= 0xFF
	_, ok = ValidateInitiate(tampered, mk, serverLong)
	require.False(t, ok)

	// The untouched packet still validates (sanity check the mutation
	// above actually hit signed content).
	_, ok = ValidateInitiate(initiatePkt, mk, serverLong)
	require.True(t, ok)
}

func TestValidateInitiateAcceptsPreviousMinuteKey(t *testing.T) {
	serverLong := genPair(t)
	clientLong := genPair(t)
	client, err := NewClient(ClientConfig{LocalLongTerm: clientLong, RemotePublic: serverLong.Public, Rand: rand.Reader})
	require.NoError(t, err)

	helloPkt, err := client.Hello()
	require.NoError(t, err)
	validHello, ok := ValidateHello(helloPkt, serverLong)
	require.True(t, ok)

	mk, err := NewMinuteKeys(rand.Reader)
	require.NoError(t, err)
	cookiePkt, _, err := BuildCookie(rand.Reader, mk, serverLong, validHello)
	require.NoError(t, err)
	initiatePkt, err := client.HandleCookie(cookiePkt, nil)
	require.NoError(t, err)

	require.NoError(t, mk.Rotate(rand.Reader))

	_, ok = ValidateInitiate(initiatePkt, mk, serverLong)
	require.True(t, ok, "cookie signed under the now-previous minute key must still validate")
}

func TestOpenServerMessageAfterEstablished(t *testing.T) {
	var ext1, ext2 Extension
	var key crypto.Key
	copy(key[:], bytes.Repeat([]byte{3}, 32))

	frame := []byte("second server frame")
	pkt := BuildServerMessage(ext1, ext2, key, 2, frame)
	counter, got, ok := OpenServerMessage(pkt, key)
	require.True(t, ok)
	require.Equal(t, uint64(2), counter)
	require.Equal(t, frame, got)
}

func TestClientMessageRoundTrip(t *testing.T) {
	var ext1, ext2 Extension
	var pub crypto.Key
	copy(pub[:], bytes.Repeat([]byte{1}, 32))
	var key crypto.Key
	copy(key[:], bytes.Repeat([]byte{2}, 32))

	frame := []byte("payload bytes")
	pkt := BuildClientMessage(ext1, ext2, pub, key, 1, frame)
	counter, got, ok := OpenClientMessage(pkt, key)
	require.True(t, ok)
	require.Equal(t, uint64(1), counter)
	require.Equal(t, frame, got)
}
