package push

import "github.com/prometheus/client_golang/prometheus"

// Metrics 推送引擎指标，nil 时所有方法为空操作。
type Metrics struct {
	deliveries  *prometheus.CounterVec
	evictions   *prometheus.CounterVec
	subscribers prometheus.Gauge
	dropped     prometheus.Counter
}

// NewMetrics 创建并注册推送指标；reg 为 nil 时只创建不注册。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "namingd",
			Subsystem: "push",
			Name:      "deliveries_total",
			Help:      "Snapshot deliveries to subscribers, by outcome.",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "namingd",
			Subsystem: "push",
			Name:      "evictions_total",
			Help:      "Subscribers removed by the engine, by reason.",
		}, []string{"reason"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "namingd",
			Subsystem: "push",
			Name:      "subscribers",
			Help:      "Current number of subscribers.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "namingd",
			Subsystem: "push",
			Name:      "dropped_changes_total",
			Help:      "Change notifications dropped because the work queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.deliveries, m.evictions, m.subscribers, m.dropped)
	}
	return m
}

func (m *Metrics) delivery(o Outcome) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) eviction(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
	m.subscribers.Dec()
}

func (m *Metrics) subscribed() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) unsubscribed() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) drop() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
