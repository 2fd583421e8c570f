package utils

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
)

/*
Counters describing a simulation run. Each Metrics owns its registry, so several managers can coexist.
A nil *Metrics is valid and records nothing.
*/
type Metrics struct {
	registry          *prometheus.Registry
	begun             *prometheus.CounterVec
	committed         *prometheus.CounterVec
	aborted           *prometheus.CounterVec
	buffered          *prometheus.CounterVec
	deadlocks         prometheus.Counter
	siteEvents        *prometheus.CounterVec
	pendingOperations prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		begun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repcrec",
			Name:      "transactions_begun_total",
			Help:      "Transactions begun, by kind.",
		}, []string{"kind"}),
		committed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repcrec",
			Name:      "transactions_committed_total",
			Help:      "Transactions committed, by kind.",
		}, []string{"kind"}),
		aborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repcrec",
			Name:      "transactions_aborted_total",
			Help:      "Transactions aborted, by reason.",
		}, []string{"reason"}),
		buffered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repcrec",
			Name:      "operations_buffered_total",
			Help:      "Operations that could not complete when issued, by cause.",
		}, []string{"cause"}),
		deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "repcrec",
			Name:      "deadlocks_total",
			Help:      "Deadlock victims chosen.",
		}),
		siteEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repcrec",
			Name:      "site_events_total",
			Help:      "Site failures and recoveries.",
		}, []string{"event"}),
		pendingOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "repcrec",
			Name:      "buffered_operations",
			Help:      "Operations waiting in the buffer queue at the end of the last tick.",
		}),
	}
	m.registry.MustRegister(m.begun, m.committed, m.aborted, m.buffered, m.deadlocks, m.siteEvents, m.pendingOperations)
	return m
}

func (m *Metrics) TransactionBegun(kind string) {
	if m != nil {
		m.begun.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) TransactionCommitted(kind string) {
	if m != nil {
		m.committed.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) TransactionAborted(reason string) {
	if m != nil {
		m.aborted.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) OperationBuffered(cause string) {
	if m != nil {
		m.buffered.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) DeadlockResolved() {
	if m != nil {
		m.deadlocks.Inc()
	}
}

func (m *Metrics) SiteEvent(event string) {
	if m != nil {
		m.siteEvents.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) SetBufferedOperations(count int) {
	if m != nil {
		m.pendingOperations.Set(float64(count))
	}
}

/* Returns one line per series, e.g. repcrec_transactions_aborted_total{reason="deadlock"} 1 */
func (m *Metrics) Summary() (string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return "", errors.Trace(err)
	}
	lines := make([]string, 0)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, label := range metric.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", label.GetName(), label.GetValue()))
			}
			name := family.GetName()
			if len(labels) > 0 {
				name = fmt.Sprintf("%s{%s}", name, strings.Join(labels, ","))
			}
			value := metric.GetCounter().GetValue()
			if metric.GetGauge() != nil {
				value = metric.GetGauge().GetValue()
			}
			lines = append(lines, fmt.Sprintf("%s %v", name, value))
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n"), nil
}
