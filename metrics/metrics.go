// Package metrics defines the prometheus collectors exported by a node.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gutsberry"

// Metrics holds every collector of a node.
type Metrics struct {
	Round            prometheus.Gauge
	FinalizedHeight  prometheus.Gauge
	BlocksFinalized  prometheus.Counter
	BlockTxs         prometheus.Histogram
	RoundsNullified  prometheus.Counter
	Votes            *prometheus.CounterVec
	Equivocations    prometheus.Counter
	FinalizeLatency  prometheus.Histogram
	SyncRequests     prometheus.Counter
	SyncBlocks       prometheus.Counter
	MempoolSize      prometheus.Gauge
	MempoolBytes     prometheus.Gauge
	MempoolRejected  *prometheus.CounterVec
	MempoolEvicted   prometheus.Counter
	ApplyFailures    prometheus.Counter
	EvidenceRecorded *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Round: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "consensus",
			Name: "round", Help: "Current consensus round",
		}),
		FinalizedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "consensus",
			Name: "finalized_height", Help: "Height of the last finalized block",
		}),
		BlocksFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consensus",
			Name: "blocks_finalized_total", Help: "Finalized blocks",
		}),
		BlockTxs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "consensus",
			Name: "block_transactions", Help: "Transactions per finalized block",
			Buckets: prometheus.ExponentialBuckets(1, 4, 7),
		}),
		RoundsNullified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consensus",
			Name: "rounds_nullified_total", Help: "Rounds skipped by a nullify quorum",
		}),
		Votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consensus",
			Name: "votes_total", Help: "Received votes by kind and outcome",
		}, []string{"kind", "outcome"}),
		Equivocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consensus",
			Name: "equivocations_total", Help: "Conflicting vote pairs detected",
		}),
		FinalizeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "consensus",
			Name: "finalize_latency_seconds", Help: "Time from round start to finalization",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		SyncRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync",
			Name: "requests_total", Help: "Sync requests sent",
		}),
		SyncBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync",
			Name: "blocks_total", Help: "Blocks finalized through sync",
		}),
		MempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mempool",
			Name: "size", Help: "Pending transactions",
		}),
		MempoolBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mempool",
			Name: "bytes", Help: "Encoded size of pending transactions",
		}),
		MempoolRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mempool",
			Name: "rejected_total", Help: "Rejected transactions by reason",
		}, []string{"reason"}),
		MempoolEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mempool",
			Name: "evicted_total", Help: "Transactions evicted by age or capacity",
		}),
		ApplyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "app",
			Name: "apply_failures_total", Help: "Finalized blocks the application failed to apply",
		}),
		EvidenceRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "evidence",
			Name: "recorded_total", Help: "Evidence recorded by kind",
		}, []string{"kind"}),
	}

	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Round, m.FinalizedHeight, m.BlocksFinalized, m.BlockTxs,
		m.RoundsNullified, m.Votes, m.Equivocations, m.FinalizeLatency,
		m.SyncRequests, m.SyncBlocks,
		m.MempoolSize, m.MempoolBytes, m.MempoolRejected, m.MempoolEvicted,
		m.ApplyFailures, m.EvidenceRecorded,
	}
}

// SetRound records the current round.
func (m *Metrics) SetRound(round uint64) {
	if m == nil {
		return
	}
	m.Round.Set(float64(round))
}

// ObserveFinalized records one finalized block.
func (m *Metrics) ObserveFinalized(height uint64, txs int, sinceRoundStart time.Duration) {
	if m == nil {
		return
	}
	m.FinalizedHeight.Set(float64(height))
	m.BlocksFinalized.Inc()
	m.BlockTxs.Observe(float64(txs))
	if sinceRoundStart > 0 {
		m.FinalizeLatency.Observe(sinceRoundStart.Seconds())
	}
}

// ObserveNullified records a nullified round.
func (m *Metrics) ObserveNullified() {
	if m == nil {
		return
	}
	m.RoundsNullified.Inc()
}

// ObserveVote records the outcome of a received vote.
func (m *Metrics) ObserveVote(kind, outcome string) {
	if m == nil {
		return
	}
	m.Votes.WithLabelValues(kind, outcome).Inc()
	if outcome == "equivocation" {
		m.Equivocations.Inc()
	}
}

// ObserveSync records a sync request and the blocks it brought in.
func (m *Metrics) ObserveSync(requested bool, blocks int) {
	if m == nil {
		return
	}
	if requested {
		m.SyncRequests.Inc()
	}
	m.SyncBlocks.Add(float64(blocks))
}

// SetMempool records the pool size.
func (m *Metrics) SetMempool(size, bytes int) {
	if m == nil {
		return
	}
	m.MempoolSize.Set(float64(size))
	m.MempoolBytes.Set(float64(bytes))
}

// ObserveRejected records a rejected transaction.
func (m *Metrics) ObserveRejected(reason string) {
	if m == nil {
		return
	}
	m.MempoolRejected.WithLabelValues(reason).Inc()
}

// ObserveEvicted records evicted transactions.
func (m *Metrics) ObserveEvicted(n int) {
	if m == nil {
		return
	}
	m.MempoolEvicted.Add(float64(n))
}

// ObserveApplyFailure records a block the application rejected.
func (m *Metrics) ObserveApplyFailure() {
	if m == nil {
		return
	}
	m.ApplyFailures.Inc()
}

// ObserveEvidence records a piece of evidence.
func (m *Metrics) ObserveEvidence(kind string) {
	if m == nil {
		return
	}
	m.EvidenceRecorded.WithLabelValues(kind).Inc()
}
