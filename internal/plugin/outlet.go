package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"homegate/internal/pkg"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownSensorType = errors.New("unknown sensor type")
	ErrMissingValues     = errors.New("fewer values than the sensor type carries")
)

// Flags 是 advanced 开关的快照, 调度器每个周期刷新一次
type Flags struct {
	scripts atomic.Bool
	rules   atomic.Bool
}

func (f *Flags) Set(scripts, rules bool) {
	f.scripts.Store(scripts)
	f.rules.Store(rules)
}

func (f *Flags) Scripts() bool { return f.scripts.Load() }
func (f *Flags) Rules() bool   { return f.rules.Load() }

// formulaEnv 是值公式可见的变量
type formulaEnv struct {
	Value interface{} `expr:"value"`
}

// slot 是一个已编译的值槽
type slot struct {
	name     string
	formula  *vm.Program
	decimals int
}

// Outlet 把一个设备的读数序列化到各个队列
type Outlet struct {
	Device        string
	Unit          string
	SensorType    pkg.SensorType
	ControllerIdx int

	Values     *pkg.Queue[pkg.ValueEvent]
	Scripts    *pkg.Queue[pkg.ValueEvent]
	Rules      *pkg.Queue[pkg.ValueEvent]
	Controller *pkg.Queue[pkg.DeviceEvent] // 设备未绑定控制器时为 nil

	flags   *Flags
	slots   []slot
	log     *zap.Logger
	metrics *pkg.Metrics
}

// ValueName 返回第 i 个值槽的名称
func (o *Outlet) ValueName(i int) string {
	if i < len(o.slots) && o.slots[i].name != "" {
		return o.slots[i].name
	}
	return fmt.Sprintf("Value%d", i+1)
}

// compileSlots 编译每个值槽的公式, 名称为空时使用 defaults 中的名称
func compileSlots(names, formulas []string, decimals []int, defaults []string) ([]slot, error) {
	n := len(names)
	if len(defaults) > n {
		n = len(defaults)
	}
	out := make([]slot, n)
	for i := range out {
		if i < len(names) && names[i] != "" {
			out[i].name = names[i]
		} else if i < len(defaults) {
			out[i].name = defaults[i]
		}
		if i < len(decimals) {
			out[i].decimals = decimals[i]
		}
		if i < len(formulas) && formulas[i] != "" {
			program, err := expr.Compile(formulas[i], expr.Env(formulaEnv{}))
			if err != nil {
				return nil, fmt.Errorf("compile formula %q of value %d: %w", formulas[i], i+1, err)
			}
			out[i].formula = program
		}
	}
	return out, nil
}

// apply 依次执行公式和小数位处理, 公式失败时保留原值
func (o *Outlet) apply(i int, v interface{}) interface{} {
	if i >= len(o.slots) {
		return v
	}
	s := o.slots[i]
	if s.formula != nil {
		out, err := expr.Run(s.formula, formulaEnv{Value: v})
		if err != nil {
			o.log.Warn("value formula failed, keeping raw value", zap.String("device", o.Device), zap.Int("slot", i+1), zap.Error(err))
		} else {
			v = out
		}
	}
	if s.decimals > 0 {
		if f, ok := toFloat(v); ok {
			p := math.Pow(10, float64(s.decimals))
			v = math.Round(f*p) / p
		}
	}
	return v
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// SendData 在插件得到一次读数后调用, values 按值槽顺序排列。
//
// value 队列缺失或空间不足时整组丢弃; 其余队列各自独立地整组写入或丢弃。
func (o *Outlet) SendData(values ...interface{}) error {
	if len(values) == 0 {
		return ErrMissingValues
	}
	if o.Values == nil {
		o.drop("value")
		return fmt.Errorf("value queue missing: %w", pkg.ErrQueueFull)
	}

	n := o.SensorType.ValueCount()
	if !o.SensorType.Known() {
		// 只写入第一个值槽
		first := pkg.ValueEvent{Device: o.Device, ValueName: o.ValueName(0), Value: o.apply(0, values[0])}
		if err := o.Values.Put(first); err != nil {
			o.drop("value")
			return err
		}
		o.log.Error("unknown sensor type", zap.String("device", o.Device), zap.String("sensorType", string(o.SensorType)))
		return fmt.Errorf("%w: %s", ErrUnknownSensorType, o.SensorType)
	}
	if len(values) < n {
		o.log.Error("plugin reported fewer values than its sensor type carries",
			zap.String("device", o.Device), zap.Int("want", n), zap.Int("got", len(values)))
		return ErrMissingValues
	}

	blocks := make([]pkg.ValueEvent, n)
	named := make([]pkg.NamedValue, n)
	for i := 0; i < n; i++ {
		v := o.apply(i, values[i])
		blocks[i] = pkg.ValueEvent{Device: o.Device, ValueName: o.ValueName(i), Value: v}
		named[i] = pkg.NamedValue{Name: blocks[i].ValueName, Value: v}
	}

	if err := o.Values.Put(blocks...); err != nil {
		o.drop("value")
		return fmt.Errorf("value queue: %w", err)
	}

	if o.Controller != nil {
		ev := pkg.DeviceEvent{
			ID:            uuid.NewString(),
			SensorType:    o.SensorType,
			ControllerIdx: o.ControllerIdx,
			Unit:          o.Unit,
			Device:        o.Device,
			Values:        named,
			Ts:            time.Now(),
		}
		if err := o.Controller.Put(ev); err != nil {
			o.drop("controller")
		}
	}
	if o.flags != nil && o.flags.Scripts() && o.Scripts != nil {
		if err := o.Scripts.Put(blocks...); err != nil {
			o.drop("script")
		}
	}
	if o.flags != nil && o.flags.Rules() && o.Rules != nil {
		if err := o.Rules.Put(blocks...); err != nil {
			o.drop("rule")
		}
	}
	return nil
}

func (o *Outlet) drop(queue string) {
	o.metrics.QueueDrops.WithLabelValues(queue).Inc()
	o.log.Warn("queue absent or full, dropping reading", zap.String("queue", queue), zap.String("device", o.Device))
}
