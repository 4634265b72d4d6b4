package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.SetRound(12)
	m.ObserveFinalized(3, 10, 150*time.Millisecond)
	m.ObserveFinalized(4, 0, 0)
	m.ObserveNullified()
	m.ObserveVote("notarize", "accepted")
	m.ObserveVote("notarize", "equivocation")
	m.ObserveRejected("duplicate_id")
	m.SetMempool(5, 1024)
	m.ObserveEvicted(2)

	require.Equal(t, float64(12), testutil.ToFloat64(m.Round))
	require.Equal(t, float64(4), testutil.ToFloat64(m.FinalizedHeight))
	require.Equal(t, float64(2), testutil.ToFloat64(m.BlocksFinalized))
	require.Equal(t, float64(1), testutil.ToFloat64(m.RoundsNullified))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Votes.WithLabelValues("notarize", "accepted")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Equivocations))
	require.Equal(t, float64(1), testutil.ToFloat64(m.MempoolRejected.WithLabelValues("duplicate_id")))
	require.Equal(t, float64(5), testutil.ToFloat64(m.MempoolSize))
	require.Equal(t, float64(2), testutil.ToFloat64(m.MempoolEvicted))

	// Registering twice on the same registry fails
	_, err = New(reg)
	require.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.SetRound(1)
	m.ObserveFinalized(1, 1, time.Second)
	m.ObserveNullified()
	m.ObserveVote("finalize", "accepted")
	m.ObserveSync(true, 3)
	m.SetMempool(1, 1)
	m.ObserveRejected("too_large")
	m.ObserveEvicted(1)
	m.ObserveApplyFailure()
	m.ObserveEvidence("duplicate_vote")
}
