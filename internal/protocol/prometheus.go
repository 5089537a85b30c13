package protocol

import (
	"context"
	"errors"
	"strconv"

	"homegate/internal/pkg"
	"homegate/internal/registry"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func init() {
	Register("Prometheus", func() Protocol { return &Prometheus{} })
}

// Prometheus 把数值型读数暴露为 gauge, 由 admin 的 /metrics 抓取
type Prometheus struct {
	base
	registerer prometheus.Registerer
	gauge      *prometheus.GaugeVec
}

func (p *Prometheus) Init(ctx context.Context, cfg registry.ControllerConfig) (*pkg.Queue[pkg.DeviceEvent], error) {
	queue := p.init(ctx, "Prometheus", cfg)
	if p.registerer == nil {
		p.registerer = pkg.GetMetrics().Registry
	}
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "homegate",
		Name:      "device_value",
		Help:      "Last reading per device value.",
	}, []string{"unit", "device", "value"})
	if err := p.registerer.Register(gauge); err != nil {
		// 多个 Prometheus 控制器共用同一个 gauge
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return nil, err
		}
		gauge = existing
	}
	p.gauge = gauge
	return queue, nil
}

func (p *Prometheus) Connect(context.Context) error {
	p.setStatus(StatusConnected)
	return nil
}

func (p *Prometheus) Disconnect() error {
	p.setStatus(StatusDisconnected)
	return nil
}

func (p *Prometheus) Check(context.Context) bool { return true }

// number 把读数转换为 gauge 值; 开关类读数映射为 1/0
func number(st pkg.SensorType, v interface{}) (float64, bool) {
	if st == pkg.SensorSwitch {
		on, err := SwitchState(v)
		if err != nil {
			return 0, false
		}
		if on {
			return 1, true
		}
		return 0, true
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

func (p *Prometheus) Process(ctx context.Context) error {
	ev, ok := p.next()
	if !ok {
		return nil
	}
	if err := checkComplete(ev); err != nil {
		p.drop(ev, err)
		return nil
	}
	for _, v := range ev.Values[:ev.SensorType.ValueCount()] {
		f, ok := number(ev.SensorType, v.Value)
		if !ok {
			p.log.Warn("Prometheus expects numerical values", zap.String("device", ev.Device), zap.String("value", v.Name), zap.Any("reading", v.Value))
			continue
		}
		p.gauge.WithLabelValues(ev.Unit, ev.Device, v.Name).Set(f)
	}
	p.setStatus(StatusConnected)
	return nil
}
