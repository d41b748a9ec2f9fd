package curvecp

import (
	"context"
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/johnwchadwick/curvecp/internal/crypto"
	"github.com/stretchr/testify/require"
)

func genKeyPair(t *testing.T) crypto.Pair {
	t.Helper()
	p, err := crypto.GeneratePair(rand.Reader)
	require.NoError(t, err)
	return p
}

func newLoopbackListener(t *testing.T) (*Listener, crypto.Pair) {
	t.Helper()
	serverLong := genKeyPair(t)
	ln, err := Listen("udp", "127.0.0.1:0", ListenConfig{
		LongTermPublic:  [32]byte(serverLong.Public),
		LongTermPrivate: [32]byte(serverLong.Private),
	})
	require.NoError(t, err)
	return ln, serverLong
}

func dialLoopback(t *testing.T, ln *Listener, serverLong crypto.Pair) *Conn {
	t.Helper()
	clientLong := genKeyPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, "udp", ln.Addr().String(), DialConfig{
		LongTermPublic:  [32]byte(clientLong.Public),
		LongTermPrivate: [32]byte(clientLong.Private),
		RemotePublic:    [32]byte(serverLong.Public),
	})
	require.NoError(t, err)
	return c
}

func TestDialListenRoundTrip(t *testing.T) {
	ln, serverLong := newLoopbackListener(t)
	defer ln.Close()

	client := dialLoopback(t, ln, serverLong)
	defer client.Close()

	acceptCtx, acceptCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer acceptCancel()
	server, err := ln.AcceptContext(acceptCtx)
	require.NoError(t, err)
	defer server.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, err := server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	_, err = server.Write([]byte("pong"))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err = client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))
}

// TestConnCloseDeliversCleanEOFBeforeSocketTeardown is the regression test
// for the initiator-side close contract: Close must give the peer a chance
// to observe end-of-stream before the local socket disappears out from
// under recvLoop/driveLoop.
func TestConnCloseDeliversCleanEOFBeforeSocketTeardown(t *testing.T) {
	ln, serverLong := newLoopbackListener(t)
	defer ln.Close()

	client := dialLoopback(t, ln, serverLong)

	acceptCtx, acceptCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer acceptCancel()
	server, err := ln.AcceptContext(acceptCtx)
	require.NoError(t, err)
	defer server.Close()

	_, err = client.Write([]byte("bye"))
	require.NoError(t, err)

	closeErr := make(chan error, 1)
	go func() { closeErr <- client.Close() }()

	require.NoError(t, server.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 64)
	var total int
	for {
		n, err := server.Read(buf[total:])
		total += n
		if err == io.EOF {
			break
		}
		require.NoError(t, err, "Read must observe a clean EOF, not a transport-level abort")
	}
	require.Equal(t, "bye", string(buf[:total]))

	select {
	case err := <-closeErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return once the peer observed EOF")
	}

	// The local socket must already be gone once Close has returned.
	_, err = client.sock.WriteTo([]byte("x"), client.raddr)
	require.Error(t, err)
}
