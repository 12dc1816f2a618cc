package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry         *prometheus.Registry
	fetched          *prometheus.CounterVec
	waiting          *prometheus.GaugeVec
	dispatched       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	lateness         *prometheus.HistogramVec
	rejected         *prometheus.CounterVec
	committedOffset  *prometheus.GaugeVec
	commitErrors     prometheus.Counter
	published        *prometheus.CounterVec
	batchDuration    prometheus.Histogram
	lastBatch        atomic.Int64
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	fetched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delayq_records_fetched_total",
		Help: "Records fetched from the broker per topic",
	}, []string{"topic"})

	waiting := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "delayq_waiting_records",
		Help: "Records held in a lane's delay store, not yet due",
	}, []string{"lane"})

	dispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delayq_dispatch_total",
		Help: "Handler invocations by topic and outcome",
	}, []string{"topic", "outcome"})

	dispatchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "delayq_dispatch_duration_seconds",
		Help:    "Handler invocation duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})

	lateness := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "delayq_dispatch_lateness_seconds",
		Help:    "Time between a record's due time and its dispatch",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
	}, []string{"topic"})

	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delayq_dispatch_rejected_total",
		Help: "Dispatches rejected by a full async worker queue",
	}, []string{"policy"})

	committedOffset := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "delayq_committed_offset",
		Help: "Last committed offset per topic and partition",
	}, []string{"topic", "partition"})

	commitErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delayq_commit_error_total",
		Help: "Total number of failed offset commits",
	})

	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delayq_published_total",
		Help: "Records published by the scheduling producer by outcome",
	}, []string{"topic", "outcome"})

	batchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "delayq_poll_cycle_duration_seconds",
		Help:    "Duration of one lane poll cycle in seconds",
		Buckets: prometheus.DefBuckets,
	})

	reg.MustRegister(fetched, waiting, dispatched, dispatchDuration, lateness,
		rejected, committedOffset, commitErrors, published, batchDuration)

	return &Metrics{
		registry:         reg,
		fetched:          fetched,
		waiting:          waiting,
		dispatched:       dispatched,
		dispatchDuration: dispatchDuration,
		lateness:         lateness,
		rejected:         rejected,
		committedOffset:  committedOffset,
		commitErrors:     commitErrors,
		published:        published,
		batchDuration:    batchDuration,
	}
}

func (m *Metrics) RecordFetched(topic string, count int) {
	m.fetched.WithLabelValues(topic).Add(float64(count))
}

func (m *Metrics) RecordWaiting(lane string, count int) {
	m.waiting.WithLabelValues(lane).Set(float64(count))
}

func (m *Metrics) RecordDispatch(topic, outcome string, seconds float64) {
	m.dispatched.WithLabelValues(topic, outcome).Inc()
	m.dispatchDuration.WithLabelValues(topic).Observe(seconds)
}

func (m *Metrics) RecordLateness(topic string, seconds float64) {
	if seconds < 0 {
		seconds = 0
	}
	m.lateness.WithLabelValues(topic).Observe(seconds)
}

func (m *Metrics) RecordRejected(policy string) {
	m.rejected.WithLabelValues(policy).Inc()
}

func (m *Metrics) RecordCommit(topic string, partition int32, offset int64) {
	m.committedOffset.WithLabelValues(topic, strconv.Itoa(int(partition))).Set(float64(offset))
}

func (m *Metrics) RecordCommitError() {
	m.commitErrors.Inc()
}

func (m *Metrics) RecordPublish(topic, outcome string) {
	m.published.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) RecordBatchDuration(seconds float64) {
	m.batchDuration.Observe(seconds)
	m.lastBatch.Store(time.Now().UnixNano())
}

// LastBatchTime is when any lane last finished a poll cycle.
func (m *Metrics) LastBatchTime() time.Time {
	ns := m.lastBatch.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
