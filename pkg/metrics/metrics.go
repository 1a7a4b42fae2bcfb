// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autarco"

// Result labels.
const (
	ResultOK            = "ok"
	ResultRejected      = "rejected"
	ResultError         = "error"
	ResultAuthError     = "auth_error"
	ResultAuthRejected  = "auth_rejected"
	ResultParseError    = "parse_error"
	ResultTransportFail = "transport_error"
)

var (
	// Logins counts login attempts by result.
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "logins_total",
		Help:      "Logins attempted against the upstream portal, by result.",
	}, []string{"result"})

	// Fetches counts fetch cycles by result.
	Fetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetches_total",
		Help:      "Statistics fetch cycles, by result.",
	}, []string{"result"})

	// SessionInvalidations counts sessions dropped after upstream rejected them.
	SessionInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_invalidations_total",
		Help:      "Times the upstream session was marked invalid after a rejected request.",
	})

	// UpstreamRequestDuration observes every request made to the portal.
	UpstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_request_duration_seconds",
		Help:      "Duration of requests to the upstream portal.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "code"})

	// SuspectRecords counts records whose timestamp went backwards.
	SuspectRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suspect_records_total",
		Help:      "Records whose last_updated timestamp went backwards.",
	})

	// CurrentPower is current_w of the latest record.
	CurrentPower = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_power_watts",
		Help:      "Current power production reported by the upstream portal.",
	})

	// TotalEnergy is total_kwh of the latest record.
	TotalEnergy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "total_energy_kwh",
		Help:      "Total energy produced since installation.",
	})

	// LastUpdated is last_updated of the latest record.
	LastUpdated = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_updated_timestamp_seconds",
		Help:      "Upstream timestamp of the latest successfully fetched record.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
