package session

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/johnwchadwick/curvecp/internal/messager"
	"github.com/johnwchadwick/curvecp/internal/wire"
	"github.com/stretchr/testify/require"
)

// loopback drives two sessions' messagers against each other in a
// background goroutine until stopped, simulating the multiplexer's
// dispatch loop for test purposes.
type loopback struct {
	a, b   *Session
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newLoopback(a, b *Session) *loopback {
	lb := &loopback{a: a, b: b, stopCh: make(chan struct{})}
	lb.wg.Add(1)
	go lb.run()
	return lb
}

func (lb *loopback) run() {
	defer lb.wg.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-lb.stopCh:
			return
		case now := <-ticker.C:
			if f, ok := lb.a.Produce(now); ok {
				lb.b.Deliver(f, now)
			}
			if f, ok := lb.b.Produce(now); ok {
				lb.a.Deliver(f, now)
			}
		}
	}
}

func (lb *loopback) stop() {
	close(lb.stopCh)
	lb.wg.Wait()
}

func TestSessionWriteThenRead(t *testing.T) {
	a := New(Identity{}, messager.New(messager.Config{Seed: 1}), nil)
	b := New(Identity{}, messager.New(messager.Config{Seed: 2}), nil)
	lb := newLoopback(a, b)
	defer lb.stop()

	n, err := a.Write([]byte("stream bytes"))
	require.NoError(t, err)
	require.Equal(t, 12, n)

	buf := make([]byte, 64)
	n, err = b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "stream bytes", string(buf[:n]))
}

func TestSessionCloseDeliversEOF(t *testing.T) {
	a := New(Identity{}, messager.New(messager.Config{Seed: 3}), nil)
	b := New(Identity{}, messager.New(messager.Config{Seed: 4}), nil)
	lb := newLoopback(a, b)
	defer lb.stop()

	require.NoError(t, a.Close())

	buf := make([]byte, 8)
	_, err := b.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestSessionReadDeadline(t *testing.T) {
	a := New(Identity{}, messager.New(messager.Config{Seed: 5}), nil)
	require.NoError(t, a.SetReadDeadline(time.Now().Add(20*time.Millisecond)))

	buf := make([]byte, 8)
	_, err := a.Read(buf)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSessionWriteAfterCloseFails(t *testing.T) {
	a := New(Identity{}, messager.New(messager.Config{Seed: 6}), nil)
	require.NoError(t, a.Close())
	_, err := a.Write([]byte("x"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestSessionTryWriteFillsWindowThenOverflows(t *testing.T) {
	a := New(Identity{}, messager.New(messager.Config{Seed: 8, SendWindow: 8}), nil)

	n, err := a.TryWrite([]byte("12345678"))
	require.NoError(t, err)
	require.Equal(t, 8, n)

	_, err = a.TryWrite([]byte("x"))
	require.ErrorIs(t, err, ErrOverflow)
}

func TestSessionTryReadNeverBlocks(t *testing.T) {
	a := New(Identity{}, messager.New(messager.Config{Seed: 9}), nil)
	buf := make([]byte, 8)
	n, eof, failed := a.TryRead(buf)
	require.Equal(t, 0, n)
	require.False(t, eof)
	require.False(t, failed)
}

func TestSessionAbortUnblocksReader(t *testing.T) {
	a := New(Identity{}, messager.New(messager.Config{Seed: 7}), nil)
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 8)
		_, err := a.Read(buf)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	a.Abort()

	select {
	case err := <-done:
		require.ErrorIs(t, err, io.ErrClosedPipe)
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Abort")
	}
}
