package messager

import (
	"time"

	"testing"

	"github.com/johnwchadwick/curvecp/internal/wire"
	"github.com/stretchr/testify/require"
)

// pump drives frames between two Messagers until both report idle or a
// step budget is exhausted, simulating a lossless loopback link.
func pump(t *testing.T, a, b *Messager, start time.Time) time.Time {
	t.Helper()
	now := start
	for step := 0; step < 10000; step++ {
		now = now.Add(time.Millisecond)
		moved := false
		if f, ok := a.NextOutgoingFrame(now); ok {
			b.HandleIncoming(f, now)
			moved = true
		}
		if f, ok := b.NextOutgoingFrame(now); ok {
			a.HandleIncoming(f, now)
			moved = true
		}
		if !moved && a.Idle() && b.Idle() {
			break
		}
	}
	return now
}

func TestMessagerDeliversInOrder(t *testing.T) {
	a := New(Config{Seed: 1})
	b := New(Config{Seed: 2})

	n, err := a.Write([]byte("hello, world"))
	require.NoError(t, err)
	require.Equal(t, 12, n)
	a.RequestClose(wire.EOFSuccess)

	pump(t, a, b, time.Now())

	buf := make([]byte, 64)
	got, eof, failed := b.Read(buf)
	require.False(t, failed)
	// Drain until EOF is observed; a single Read may return the data
	// before the EOF condition is visible.
	total := append([]byte(nil), buf[:got]...)
	for !eof {
		n2, eofNow, failedNow := b.Read(buf)
		total = append(total, buf[:n2]...)
		eof = eofNow
		failed = failedNow
		if n2 == 0 && !eof {
			break
		}
	}
	require.Equal(t, "hello, world", string(total))
	require.False(t, failed)
}

func TestMessagerLargeTransferChunked(t *testing.T) {
	a := New(Config{Seed: 3})
	b := New(Config{Seed: 4})

	payload := make([]byte, 9000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	written := 0
	for written < len(payload) {
		n, err := a.Write(payload[written:])
		require.NoError(t, err)
		if n == 0 {
			pump_once(a, b, time.Now())
			continue
		}
		written += n
	}
	a.RequestClose(wire.EOFSuccess)
	pump(t, a, b, time.Now())

	buf := make([]byte, len(payload)+16)
	total := make([]byte, 0, len(payload))
	for {
		n, eof, _ := b.Read(buf)
		total = append(total, buf[:n]...)
		if eof {
			break
		}
		if n == 0 {
			break
		}
	}
	require.Equal(t, payload, total)
}

func pump_once(a, b *Messager, now time.Time) {
	if f, ok := a.NextOutgoingFrame(now); ok {
		b.HandleIncoming(f, now)
	}
	if f, ok := b.NextOutgoingFrame(now); ok {
		a.HandleIncoming(f, now)
	}
}

func TestMessagerFailedCloseSurfacesToReader(t *testing.T) {
	a := New(Config{Seed: 5})
	b := New(Config{Seed: 6})

	_, err := a.Write([]byte("partial"))
	require.NoError(t, err)
	a.RequestClose(wire.EOFFail)

	pump(t, a, b, time.Now())

	buf := make([]byte, 64)
	var failed bool
	var eof bool
	var n int
	for i := 0; i < 10 && !eof; i++ {
		n, eof, failed = b.Read(buf)
		if n > 0 {
			continue
		}
	}
	require.True(t, eof)
	require.True(t, failed)
}

func TestWriteRespectsSendWindow(t *testing.T) {
	m := New(Config{SendWindow: 16})
	n, err := m.Write(make([]byte, 64))
	require.NoError(t, err)
	require.Equal(t, 16, n)

	n2, err := m.Write([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, 0, n2)
}

func TestWriteAfterCloseFails(t *testing.T) {
	m := New(Config{})
	m.RequestClose(wire.EOFSuccess)
	_, err := m.Write([]byte("x"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestIdleAfterHandshakeWithNoData(t *testing.T) {
	a := New(Config{Seed: 7})
	b := New(Config{Seed: 8})
	a.RequestClose(wire.EOFSuccess)
	pump(t, a, b, time.Now())
	require.True(t, a.Idle())

	buf := make([]byte, 8)
	_, eof, failed := b.Read(buf)
	require.True(t, eof)
	require.False(t, failed)
}
