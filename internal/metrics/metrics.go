// Package metrics wires the Prometheus collectors exported by the gateway.
// Names are prefixed "pushgateway_" throughout.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the gateway exports, grouped the way
// the dispatch pipeline and backends use them.
type Registry struct {
	NotificationsReceived prometheus.Counter
	DevicesReceived       prometheus.Counter
	Dispatches            *prometheus.CounterVec
	HTTPResponses         *prometheus.CounterVec
	InflightLimitDrops    *prometheus.CounterVec
	APNSCertExpiry        *prometheus.GaugeVec
	BackendResponseCodes  *prometheus.CounterVec
	BackendRequestLatency *prometheus.HistogramVec
}

// NewRegistry builds and registers every collector against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		NotificationsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushgateway_notifications_received_total",
			Help: "Number of notification pokes received.",
		}),
		DevicesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushgateway_devices_received_total",
			Help: "Number of devices asked to push.",
		}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushgateway_dispatches_total",
			Help: "Number of dispatch calls made to a backend.",
		}, []string{"backend"}),
		HTTPResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushgateway_http_responses_total",
			Help: "HTTP response codes given on the push gateway API.",
		}, []string{"code"}),
		InflightLimitDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushgateway_inflight_limit_drops_total",
			Help: "Requests dropped because a backend's in-flight limit was exhausted.",
		}, []string{"backend"}),
		APNSCertExpiry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pushgateway_apns_cert_expiry_seconds",
			Help: "Expiry date of the configured APNs client certificate, seconds since the epoch.",
		}, []string{"backend"}),
		BackendResponseCodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushgateway_backend_response_codes_total",
			Help: "Response codes received from upstream push providers.",
		}, []string{"backend", "code"}),
		BackendRequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "pushgateway_backend_request_duration_seconds",
			Help: "Time taken to send a request to a backend's upstream provider.",
		}, []string{"backend"}),
	}

	reg.MustRegister(
		r.NotificationsReceived,
		r.DevicesReceived,
		r.Dispatches,
		r.HTTPResponses,
		r.InflightLimitDrops,
		r.APNSCertExpiry,
		r.BackendResponseCodes,
		r.BackendRequestLatency,
	)

	return r
}

// Noop returns a Registry backed by a private, unregistered prometheus
// registry — useful in tests that want real collector behavior without
// polluting the default global registry.
func Noop() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}
