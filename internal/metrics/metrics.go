package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type registry struct {
	postings    *prometheus.CounterVec
	instruments *prometheus.CounterVec
	trades      *prometheus.CounterVec
	cycle       prometheus.Histogram
	httpReqs    *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
}

var (
	once sync.Once
	reg  *registry
)

func get() *registry {
	once.Do(func() {
		reg = &registry{
			postings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notary",
				Subsystem: "ledger",
				Name:      "postings_total",
				Help:      "Ledger postings segmented by type and outcome kind.",
			}, []string{"type", "outcome"}),
			instruments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notary",
				Subsystem: "instrument",
				Name:      "operations_total",
				Help:      "Instrument writes, deposits and cancellations segmented by kind and outcome.",
			}, []string{"kind", "op", "outcome"}),
			trades: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notary",
				Subsystem: "market",
				Name:      "trades_total",
				Help:      "Settled market trades per market.",
			}, []string{"market"}),
			cycle: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "notary",
				Subsystem: "market",
				Name:      "cycle_duration_seconds",
				Help:      "Duration of market cron cycles.",
				Buckets:   prometheus.DefBuckets,
			}),
			httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notary",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and status code.",
			}, []string{"route", "status"}),
			httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "notary",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			reg.postings,
			reg.instruments,
			reg.trades,
			reg.cycle,
			reg.httpReqs,
			reg.httpLatency,
		)
	})
	return reg
}

func outcome(kind string) string {
	if kind == "" {
		return "ok"
	}
	return kind
}

// Posting records a ledger posting; kind is the error kind or "" on success.
func Posting(txType, kind string) {
	get().postings.WithLabelValues(txType, outcome(kind)).Inc()
}

func Instrument(instrumentKind, op, kind string) {
	get().instruments.WithLabelValues(instrumentKind, op, outcome(kind)).Inc()
}

func Trade(marketID string) {
	get().trades.WithLabelValues(marketID).Inc()
}

func Cycle(d time.Duration) {
	get().cycle.Observe(d.Seconds())
}

func HTTPRequest(route string, status int, d time.Duration) {
	r := get()
	r.httpReqs.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpLatency.WithLabelValues(route).Observe(d.Seconds())
}

// Handler exposes the default registry.
func Handler() http.Handler {
	get()
	return promhttp.Handler()
}
