// Package metrics exposes the Sender's operational counters as Prometheus
// instruments: query throughput, per-bundle evaluation latency, and the
// worker pool's active-task gauge. internal/sender imports it only for the
// optional Evaluator.SetMetrics hook, and internal/senderdb does not import
// it; a caller wires a Recorder in after construction, and a cmd/ binary
// decides whether to register a /metrics endpoint at all.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder collects the Sender-side instruments a running apsi-sender
// exposes. The zero value is not usable; build one with New and register it
// with a prometheus.Registerer (prometheus.DefaultRegisterer, or a private
// *prometheus.Registry in tests).
type Recorder struct {
	queriesTotal     *prometheus.CounterVec
	queryFailures    prometheus.Counter
	bundleEvalLatency prometheus.Histogram
	activeWorkers    prometheus.Gauge
	packingRate      prometheus.Gauge
}

// New constructs a Recorder and registers its instruments against reg.
// Callers typically pass prometheus.DefaultRegisterer in a long-running
// binary, or a scratch *prometheus.Registry in a test that wants to assert
// on counter values without touching global state.
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apsi",
			Subsystem: "sender",
			Name:      "queries_total",
			Help:      "Total RunQuery invocations, partitioned by outcome.",
		}, []string{"outcome"}),
		queryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apsi",
			Subsystem: "sender",
			Name:      "query_failures_total",
			Help:      "Total RunQuery invocations that returned an error.",
		}),
		bundleEvalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "apsi",
			Subsystem: "sender",
			Name:      "bundle_eval_seconds",
			Help:      "Wall-clock time to evaluate one BinBundle's matching and label polynomials against a query's ciphertext powers.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apsi",
			Subsystem: "sender",
			Name:      "active_bundle_workers",
			Help:      "Number of bundle-evaluation tasks currently running in the worker pool.",
		}),
		packingRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apsi",
			Subsystem: "sender",
			Name:      "packing_rate",
			Help:      "SenderDB occupied bin capacity as a fraction of total bin capacity, as last reported by SenderDB.ComputeStats.",
		}),
	}
	for _, c := range []prometheus.Collector{r.queriesTotal, r.queryFailures, r.bundleEvalLatency, r.activeWorkers, r.packingRate} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ObserveQuery records the outcome of one RunQuery call.
func (r *Recorder) ObserveQuery(err error) {
	if err != nil {
		r.queriesTotal.WithLabelValues("error").Inc()
		r.queryFailures.Inc()
		return
	}
	r.queriesTotal.WithLabelValues("ok").Inc()
}

// BundleEvalTimer starts a measurement for one bundle evaluation and bumps
// the active-workers gauge; call the returned func when evaluation of that
// bundle finishes (typically via defer).
func (r *Recorder) BundleEvalTimer() func() {
	r.activeWorkers.Inc()
	start := time.Now()
	return func() {
		r.bundleEvalLatency.Observe(time.Since(start).Seconds())
		r.activeWorkers.Dec()
	}
}

// SetPackingRate records a SenderDB's current packing rate, typically
// sampled on a timer or after every bulk insert/remove + RegenAllCaches.
func (r *Recorder) SetPackingRate(rate float64) {
	r.packingRate.Set(rate)
}
