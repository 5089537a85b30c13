package plugin

import (
	"context"
	"errors"
	"sort"

	"homegate/internal/pkg"
	"homegate/internal/registry"
)

var (
	ErrInitRejected = errors.New("plugin init rejected")
	ErrUnknownKind  = errors.New("unknown plugin kind")
)

// Plugin 定义了所有传感器/执行器插件的通用接口, 所有方法只由核心调用
type Plugin interface {
	// Init 建立与硬件的绑定; 返回错误 (或 panic) 时设备会被禁用
	Init(ctx context.Context, b Binding) error
	// Read 把当前值写入 values, 供管理接口和跨设备取值使用
	Read(values map[string]interface{})
	// Write 接收外部写入的值
	Write(values map[string]interface{}) error
	LoadForm(form map[string]interface{})
	SaveForm(form map[string]interface{}) error
	// AsyncProcess 是一次被调度的工作, 得到读数后调用 Binding.Outlet.SendData
	AsyncProcess(ctx context.Context) error
}

// Store 是插件的持久化数据 (readstore / writestore)
type Store interface {
	ReadStore(ctx context.Context, plugin string) (map[string]interface{}, error)
	WriteStore(ctx context.Context, plugin string, data map[string]interface{}) error
}

// Binding 是 Init 时交给插件的全部上下文
type Binding struct {
	Descriptor registry.PluginDescriptor
	Device     registry.DeviceConfig
	Outlet     *Outlet
	Store      Store
}

// Template 描述一种插件及其构造函数
type Template struct {
	Name       string
	DeviceType pkg.DeviceType
	SensorType pkg.SensorType
	PinCount   int
	ValueNames []string // 设备未配置值名称时使用
	New        func() Plugin
}

// Descriptor 返回该插件种类在注册表中的描述
func (t Template) Descriptor() registry.PluginDescriptor {
	return registry.PluginDescriptor{
		Name:       t.Name,
		Module:     t.Name,
		DeviceType: t.DeviceType,
		SensorType: t.SensorType,
		PinCount:   t.PinCount,
		ValueCount: t.SensorType.ValueCount(),
		Template:   t.Name,
		Enabled:    true,
	}
}

// Factories 全局插件种类映射, 由各插件在 init 中注册
var Factories = make(map[string]Template)

// Register 注册一种插件
func Register(t Template) {
	Factories[t.Name] = t
}

// Kinds 返回按名称排序的已注册插件种类
func Kinds() []Template {
	out := make([]Template, 0, len(Factories))
	for _, t := range Factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
