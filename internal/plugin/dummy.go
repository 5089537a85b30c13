package plugin

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"homegate/internal/pkg"

	"github.com/mitchellh/mapstructure"
)

func init() {
	Register(Template{
		Name:       "Dummy",
		DeviceType: pkg.DeviceDummy,
		SensorType: pkg.SensorSingle,
		ValueNames: []string{"Value1", "Value2", "Value3", "Value4"},
		New:        func() Plugin { return &Dummy{} },
	})
}

// DummyOptions 是 Dummy 设备的自定义配置
type DummyOptions struct {
	Value1 interface{} `mapstructure:"value1"`
	Value2 interface{} `mapstructure:"value2"`
	Value3 interface{} `mapstructure:"value3"`
	Value4 interface{} `mapstructure:"value4"`
}

// Dummy 没有硬件连接, 周期性上报通过配置或 Write 设置的值
type Dummy struct {
	mu     sync.Mutex
	outlet *Outlet
	values [4]interface{}
}

func (d *Dummy) Init(_ context.Context, b Binding) error {
	var opts DummyOptions
	if err := mapstructure.Decode(b.Device.Options, &opts); err != nil {
		return fmt.Errorf("decode dummy options: %w", err)
	}
	d.outlet = b.Outlet
	d.values = [4]interface{}{opts.Value1, opts.Value2, opts.Value3, opts.Value4}
	for i, v := range d.values {
		if v == nil {
			d.values[i] = 0.0
		}
	}
	return nil
}

func (d *Dummy) count() int {
	if n := d.outlet.SensorType.ValueCount(); n > 0 {
		return n
	}
	return 1
}

// slotIndex 接受值名称或 valueN 形式的 key
func (d *Dummy) slotIndex(key string) int {
	for i := 0; i < len(d.values); i++ {
		if key == d.outlet.ValueName(i) || strings.EqualFold(key, fmt.Sprintf("value%d", i+1)) {
			return i
		}
	}
	return -1
}

func (d *Dummy) Read(values map[string]interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < d.count(); i++ {
		values[d.outlet.ValueName(i)] = d.values[i]
	}
}

func (d *Dummy) Write(values map[string]interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, v := range values {
		i := d.slotIndex(key)
		if i < 0 {
			// 订阅的外部值 (device#value) 不对应本设备的值槽, 忽略
			continue
		}
		d.values[i] = v
	}
	return nil
}

func (d *Dummy) LoadForm(form map[string]interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range d.values {
		form[fmt.Sprintf("value%d", i+1)] = v
	}
}

func (d *Dummy) SaveForm(form map[string]interface{}) error {
	return d.Write(form)
}

func (d *Dummy) AsyncProcess(_ context.Context) error {
	d.mu.Lock()
	values := make([]interface{}, d.count())
	copy(values, d.values[:])
	d.mu.Unlock()
	return d.outlet.SendData(values...)
}
