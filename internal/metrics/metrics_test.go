package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)
	require.NotNil(t, m.HelloAccepted)
	require.NotNil(t, m.SessionsActive)
	require.NotNil(t, m.BytesSent)
}

func TestSessionLifecycleGauge(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.SessionEstablished()
	m.SessionEstablished()
	require.Equal(t, float64(2), testutil.ToFloat64(m.SessionsActive))
	require.Equal(t, float64(2), testutil.ToFloat64(m.SessionsEstablished))

	m.SessionClosed()
	require.Equal(t, float64(1), testutil.ToFloat64(m.SessionsActive))
	require.Equal(t, float64(1), testutil.ToFloat64(m.SessionsClosedCtr))

	m.SessionEvicted()
	require.Equal(t, float64(0), testutil.ToFloat64(m.SessionsActive))
	require.Equal(t, float64(1), testutil.ToFloat64(m.SessionsEvictedCtr))
}

func TestHandshakeCounters(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.HelloRejected()
	m.HelloRejected()
	m.CookieIssued()
	m.InitiateRejected()
	m.MessageRejected()

	require.Equal(t, float64(2), testutil.ToFloat64(m.HelloRejectedCtr))
	require.Equal(t, float64(1), testutil.ToFloat64(m.CookieIssuedCtr))
	require.Equal(t, float64(1), testutil.ToFloat64(m.InitiateRejCtr))
	require.Equal(t, float64(1), testutil.ToFloat64(m.MessageRejectedCtr))
}

func TestBytesByPacketType(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordBytesSent("server-message", 1184)
	m.RecordBytesSent("server-message", 200)
	m.RecordBytesReceived("client-message", 1184)

	require.Equal(t, float64(1384), testutil.ToFloat64(m.BytesSent.WithLabelValues("server-message")))
	require.Equal(t, float64(1184), testutil.ToFloat64(m.BytesReceived.WithLabelValues("client-message")))
}

func TestNewNopIsUsableStandalone(t *testing.T) {
	m := NewNop()
	require.NotPanics(t, func() {
		m.HelloRejected()
		m.SessionEstablished()
		m.SessionClosed()
	})
}
