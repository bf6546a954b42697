package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mounter"

// Metrics holds the daemon's prometheus collectors. All methods are nil-safe
// so components can run without metrics in tests.
type Metrics struct {
	TicksTotal      prometheus.Counter
	ScanEventsTotal *prometheus.CounterVec
	CommandsTotal   *prometheus.CounterVec
	PublishesTotal  prometheus.Counter
	Devices         *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Number of completed polling ticks",
		}),
		ScanEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_events_total",
			Help:      "Device scan events by kind (new, removed, reconnected)",
		}, []string{"kind"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Mount and unmount invocations by action and result",
		}, []string{"action", "result"}),
		PublishesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "info_publishes_total",
			Help:      "Snapshots published to the registry",
		}),
		Devices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Devices by state (tracked, removed, mounted)",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.TicksTotal, m.ScanEventsTotal, m.CommandsTotal, m.PublishesTotal, m.Devices)
	}
	return m
}

func (m *Metrics) RecordTick() {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
}

func (m *Metrics) RecordScan(newCount, removedCount, reconnectedCount int) {
	if m == nil {
		return
	}
	m.ScanEventsTotal.WithLabelValues("new").Add(float64(newCount))
	m.ScanEventsTotal.WithLabelValues("removed").Add(float64(removedCount))
	m.ScanEventsTotal.WithLabelValues("reconnected").Add(float64(reconnectedCount))
}

func (m *Metrics) RecordCommand(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CommandsTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) RecordPublish() {
	if m == nil {
		return
	}
	m.PublishesTotal.Inc()
}

func (m *Metrics) SetDevices(tracked, removed, mounted int) {
	if m == nil {
		return
	}
	m.Devices.WithLabelValues("tracked").Set(float64(tracked))
	m.Devices.WithLabelValues("removed").Set(float64(removed))
	m.Devices.WithLabelValues("mounted").Set(float64(mounted))
}
