package plugin

import (
	"context"
	"math"

	"homegate/internal/pkg"
)

func init() {
	Register(Template{
		Name:       "System",
		DeviceType: pkg.DeviceDummy,
		SensorType: pkg.SensorTriple,
		ValueNames: []string{"Uptime", "Goroutines", "HeapMB"},
		New:        func() Plugin { return &System{metrics: pkg.GetMetrics()} },
	})
}

// System 上报进程自身的运行状态: 运行分钟数, 协程数, 堆内存
type System struct {
	outlet  *Outlet
	metrics *pkg.Metrics
}

func (s *System) Init(_ context.Context, b Binding) error {
	s.outlet = b.Outlet
	return nil
}

func (s *System) sample() []interface{} {
	st := s.metrics.ReadRuntimeStats()
	return []interface{}{
		math.Floor(st.Uptime.Minutes()),
		float64(st.Goroutines),
		math.Round(st.HeapMB*100) / 100,
	}
}

func (s *System) Read(values map[string]interface{}) {
	for i, v := range s.sample() {
		values[s.outlet.ValueName(i)] = v
	}
}

func (s *System) Write(map[string]interface{}) error  { return nil }
func (s *System) LoadForm(map[string]interface{})       {}
func (s *System) SaveForm(map[string]interface{}) error { return nil }

func (s *System) AsyncProcess(_ context.Context) error {
	return s.outlet.SendData(s.sample()...)
}
