// Package metrics holds the Prometheus collectors for index traffic.
//
// Mirrors usually run from cron, so the registry is exported with
// WriteTextfile for the node_exporter textfile collector instead of being
// served over HTTP.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation kinds used as the "kind" label.
const (
	KindGet  = "get"
	KindRPC  = "rpc"
	KindFile = "file"
)

// Result labels.
const (
	ResultOK       = "ok"
	ResultStale    = "stale"
	ResultNotFound = "not_found"
	ResultTimeout  = "timeout"
	ResultError    = "error"
)

// Registry is private to this tool so exported files hold only our series.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(Requests, RequestDuration, StaleResponses, FetchedBytes)
}

// Requests counts finished index requests.
var Requests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pypimirror_requests_total",
		Help: "Requests issued to the package index, by kind and result.",
	},
	[]string{"kind", "result"},
)

// RequestDuration is the wall time of index requests.
var RequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pypimirror_request_duration_seconds",
		Help:    "Duration of requests issued to the package index.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"kind"},
)

// StaleResponses counts responses rejected by the serial check.
var StaleResponses = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pypimirror_stale_responses_total",
		Help: "Responses rejected because their serial was behind the required serial.",
	},
)

// FetchedBytes counts bytes written by file downloads.
var FetchedBytes = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pypimirror_fetched_bytes_total",
		Help: "Bytes of package files written to local storage.",
	},
)

// Observe records one finished request.
func Observe(kind, result string, start time.Time) {
	Requests.WithLabelValues(kind, result).Inc()
	RequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if result == ResultStale {
		StaleResponses.Inc()
	}
}

// WriteTextfile writes the registry in text exposition format to path.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
