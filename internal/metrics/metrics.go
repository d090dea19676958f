package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "peersync"

// Metrics holds the core's collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	messages      *prometheus.CounterVec
	pairing       *prometheus.CounterVec
	chunks        *prometheus.CounterVec
	mergedEntries prometheus.Counter
	conflicts     prometheus.Counter
	peers         prometheus.Gauge
	trusted       prometheus.Gauge
	sessions      prometheus.Gauge
}

// New builds the collectors. withRuntime adds the Go and process collectors.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	if withRuntime {
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		reg.MustRegister(collectors.NewGoCollector())
	}
	return &Metrics{
		reg: reg,

		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound wire messages by type and outcome.",
		}, []string{"type", "outcome"}),
		pairing: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_events_total",
			Help:      "Pairing protocol events by kind.",
		}, []string{"event"}),
		chunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "File chunks sealed, opened or rejected.",
		}, []string{"result"}),
		mergedEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_merged_entries_total",
			Help:      "Remote journal entries that replaced local state.",
		}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_conflicts_total",
			Help:      "Concurrent edits detected during journal merges.",
		}),
		peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovered_peers",
			Help:      "Peers currently in the discovery registry.",
		}),
		trusted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trusted_peers",
			Help:      "Peers in the trusted set.",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Session keys currently held.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ObserveMessage(msgType, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(msgType, outcome).Inc()
}

func (m *Metrics) PairingEvent(event string) {
	if m == nil {
		return
	}
	m.pairing.WithLabelValues(event).Inc()
}

func (m *Metrics) ChunksSealed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.chunks.WithLabelValues("sealed").Add(float64(n))
}

func (m *Metrics) ChunkOpened() {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues("opened").Inc()
}

func (m *Metrics) ChunkRejected() {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues("rejected").Inc()
}

func (m *Metrics) JournalMerged(applied, conflicts int) {
	if m == nil {
		return
	}
	m.mergedEntries.Add(float64(applied))
	m.conflicts.Add(float64(conflicts))
}

func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

func (m *Metrics) SetTrusted(n int) {
	if m == nil {
		return
	}
	m.trusted.Set(float64(n))
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
