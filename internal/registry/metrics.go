package registry

import "github.com/prometheus/client_golang/prometheus"

// Metrics 记录注册表写入次数，nil 时所有方法为空操作。
type Metrics struct {
	mutations *prometheus.CounterVec
}

// NewMetrics 创建并注册注册表指标；reg 为 nil 时只创建不注册。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "namingd",
			Subsystem: "registry",
			Name:      "mutations_total",
			Help:      "Registry mutations that advanced a service revision, by operation.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.mutations)
	}
	return m
}

func (m *Metrics) mutation(op string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op).Inc()
}
