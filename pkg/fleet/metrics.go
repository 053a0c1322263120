package fleet

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/salahayoub/restfleet/pkg/cluster"
)

const metricsNamespace = "restfleet"

// metrics is the per-process collector set served on the admin /metrics
// endpoint. Values owned by other components are read through funcs.
type metrics struct {
	registry *prometheus.Registry

	heartbeats        prometheus.Counter
	heartbeatFailures prometheus.Counter
	spawns            prometheus.Counter
	roles             *prometheus.GaugeVec
	alive             prometheus.Gauge
}

func newMetrics(r *Runtime) *metrics {
	labels := prometheus.Labels{"instance": strconv.Itoa(int(r.id))}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: metricsNamespace, Name: name, Help: help, ConstLabels: labels}
	}

	m := &metrics{
		registry:          prometheus.NewRegistry(),
		heartbeats:        prometheus.NewCounter(prometheus.CounterOpts(opts("heartbeats_total", "Heartbeats published to the fleet store."))),
		heartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts(opts("heartbeat_failures_total", "Heartbeats that could not be published."))),
		spawns:            prometheus.NewCounter(prometheus.CounterOpts(opts("spawns_total", "Fleet members spawned by this instance as secretary."))),
		roles: prometheus.NewGaugeVec(prometheus.GaugeOpts(opts("role_held", "1 while this instance holds the role.")),
			[]string{"role"}),
		alive: prometheus.NewGauge(prometheus.GaugeOpts(opts("fleet_alive_members", "Live fleet members seen at the last heartbeat."))),
	}

	m.registry.MustRegister(
		m.heartbeats,
		m.heartbeatFailures,
		m.spawns,
		m.roles,
		m.alive,
		prometheus.NewCounterFunc(prometheus.CounterOpts(opts("requests_total", "Request frames received by this instance.")),
			func() float64 { return float64(r.requests.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts(opts("connections_accepted_total", "Connections accepted on framed listeners.")),
			func() float64 { return float64(r.accepted()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts(opts("connections_open", "Open framed connections.")),
			func() float64 { return float64(r.openConnections()) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, role := range []cluster.Role{cluster.RoleSecretary, cluster.RoleManager} {
		m.roles.WithLabelValues(string(role)).Set(0)
	}
	return m
}

func (m *metrics) setRole(role cluster.Role, held bool) {
	v := 0.0
	if held {
		v = 1
	}
	m.roles.WithLabelValues(string(role)).Set(v)
}
