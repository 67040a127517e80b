package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "ledger_books"

// Metrics holds the feed collectors. A nil *Metrics is valid and records
// nothing, so components can run without a registry.
type Metrics struct {
	reports       *prometheus.CounterVec
	gaps          prometheus.Counter
	gapFailures   prometheus.Counter
	snapshots     *prometheus.CounterVec
	coalesced     prometheus.Counter
	publishErrors *prometheus.CounterVec
	runRestarts   prometheus.Counter
	bookClock     *prometheus.GaugeVec
	contractState *prometheus.GaugeVec
	heartbeat     prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Action reports handled, by result.",
		}, []string{"result"}),
		gaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gaps_total",
			Help:      "Clock gaps detected.",
		}),
		gapFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gap_failures_total",
			Help:      "Gaps the action report log could not repair.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_loads_total",
			Help:      "Book-state snapshot loads, by result.",
		}, []string{"result"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_coalesced_total",
			Help:      "Book copies replaced by a newer copy before publishing.",
		}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed publishes, by sink.",
		}, []string{"sink"}),
		runRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_id_changes_total",
			Help:      "Heartbeats that reported a new exchange run id.",
		}),
		bookClock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "book_clock",
			Help:      "Last applied clock per contract.",
		}, []string{"contract"}),
		contractState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contract_state",
			Help:      "Feed state per contract (0 unloaded .. 5 failed).",
		}, []string{"contract"}),
		heartbeat: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat_timestamp",
			Help:      "Timestamp carried by the last heartbeat.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.reports, m.gaps, m.gapFailures, m.snapshots, m.coalesced,
			m.publishErrors, m.runRestarts, m.bookClock, m.contractState, m.heartbeat,
		)
	}
	return m
}

func (m *Metrics) Report(result string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(result).Inc()
}

func (m *Metrics) Gap() {
	if m == nil {
		return
	}
	m.gaps.Inc()
}

func (m *Metrics) GapFailure() {
	if m == nil {
		return
	}
	m.gapFailures.Inc()
}

func (m *Metrics) SnapshotLoad(result string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(result).Inc()
}

func (m *Metrics) Coalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *Metrics) PublishError(sink string) {
	if m == nil {
		return
	}
	m.publishErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) RunRestart() {
	if m == nil {
		return
	}
	m.runRestarts.Inc()
}

func (m *Metrics) BookClock(contractID int64, clock uint64) {
	if m == nil {
		return
	}
	m.bookClock.WithLabelValues(strconv.FormatInt(contractID, 10)).Set(float64(clock))
}

func (m *Metrics) ContractState(contractID int64, state int) {
	if m == nil {
		return
	}
	m.contractState.WithLabelValues(strconv.FormatInt(contractID, 10)).Set(float64(state))
}

func (m *Metrics) Heartbeat(ts int64) {
	if m == nil {
		return
	}
	m.heartbeat.Set(float64(ts))
}

// StartServer serves /metrics from g in the background. An empty listen
// address disables it and returns nil.
func StartServer(listen string, g prometheus.Gatherer, logger zerolog.Logger) *http.Server {
	if strings.TrimSpace(listen) == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    listen,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("listen", listen).Msg("metrics server error")
		}
	}()
	return srv
}
