package watcher

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 监听器指标，所有指标都带 settings_id 标签
type Metrics struct {
	deliveries   *prometheus.CounterVec
	errors       *prometheus.CounterVec
	modeSwitches *prometheus.CounterVec
	state        *prometheus.GaugeVec
}

// NewMetrics 创建并注册指标，同名指标已注册时复用
func NewMetrics(registerer prometheus.Registerer, name string) (*Metrics, error) {
	if name == "" {
		name = "settings_watcher"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{}
	var err error
	if m.deliveries, err = register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name + "_deliveries_total",
		Help: "Number of settings updates delivered to the callback",
	}, []string{"settings_id", "mode"})); err != nil {
		return nil, err
	}
	if m.errors, err = register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name + "_errors_total",
		Help: "Number of recovered errors by stage",
	}, []string{"settings_id", "stage"})); err != nil {
		return nil, err
	}
	if m.modeSwitches, err = register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name + "_mode_switches_total",
		Help: "Number of background tasks launched by observation mode",
	}, []string{"settings_id", "mode"})); err != nil {
		return nil, err
	}
	if m.state, err = register(registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: name + "_state",
		Help: "Current watcher state: 0 not started, 1 starting, 2 running, 3 faulted, 4 disposed",
	}, []string{"settings_id"})); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, errors.Wrap(err, "failed to register metric")
	}
	return c, nil
}

func (m *Metrics) delivered(id string, mode Mode) {
	if m != nil {
		m.deliveries.WithLabelValues(id, mode.String()).Inc()
	}
}

func (m *Metrics) failed(id string, stage string) {
	if m != nil {
		m.errors.WithLabelValues(id, stage).Inc()
	}
}

func (m *Metrics) launched(id string, mode Mode) {
	if m != nil {
		m.modeSwitches.WithLabelValues(id, mode.String()).Inc()
	}
}

func (m *Metrics) setState(id string, state State) {
	if m != nil {
		m.state.WithLabelValues(id).Set(float64(state))
	}
}
