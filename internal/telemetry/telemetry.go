// Package telemetry exposes Prometheus counters and gauges for the relay's
// device registry, CDP bridge, and Chrome pool. The admin JSON API and
// detailed health payload described in spec.md 6 are out of scope; this is
// the "contract only" surface realized as plain Prometheus metrics.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the relay updates.
type Metrics struct {
	DevicesRegistered   prometheus.Counter
	DevicesActive       prometheus.Gauge
	FramesRelayed       *prometheus.CounterVec
	PendingTimeouts      prometheus.Counter
	PoolLiveInstances   prometheus.Gauge
	PoolRejections      prometheus.Counter
}

// New registers and returns a Metrics bundle on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DevicesRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cdp_relay",
			Name:      "devices_registered_total",
			Help:      "Total number of device registrations observed.",
		}),
		DevicesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cdp_relay",
			Name:      "devices_active",
			Help:      "Number of device records currently held by the registry.",
		}),
		FramesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdp_relay",
			Name:      "frames_relayed_total",
			Help:      "CDP frames relayed, partitioned by direction.",
		}, []string{"direction"}),
		PendingTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cdp_relay",
			Name:      "pending_request_timeouts_total",
			Help:      "Forwarded requests that timed out waiting for the extension.",
		}),
		PoolLiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cdp_relay",
			Name:      "pool_live_instances",
			Help:      "Currently running Chrome instances managed by the pool.",
		}),
		PoolRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cdp_relay",
			Name:      "pool_admission_rejections_total",
			Help:      "Pool acquisitions rejected because MaxInstances was reached.",
		}),
	}

	reg.MustRegister(
		m.DevicesRegistered,
		m.DevicesActive,
		m.FramesRelayed,
		m.PendingTimeouts,
		m.PoolLiveInstances,
		m.PoolRejections,
	)
	return m
}
