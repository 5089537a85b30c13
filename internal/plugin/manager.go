package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"

	"homegate/internal/pkg"
	"homegate/internal/registry"

	"go.uber.org/zap"
)

// ControllerQueues 按控制器 id 提供出站队列, 需要时懒加载控制器实例
type ControllerQueues interface {
	ControllerQueue(ctx context.Context, controllerID int) (*pkg.Queue[pkg.DeviceEvent], error)
	// BoundQueue 返回控制器当前的队列, 不触发初始化
	BoundQueue(controllerID int) *pkg.Queue[pkg.DeviceEvent]
}

// Queues 是所有插件共享的消费队列
type Queues struct {
	Values  *pkg.Queue[pkg.ValueEvent]
	Scripts *pkg.Queue[pkg.ValueEvent]
	Rules   *pkg.Queue[pkg.ValueEvent]
}

// NewQueues 创建三条共享队列
func NewQueues(capacity int) Queues {
	return Queues{
		Values:  pkg.NewQueue[pkg.ValueEvent](capacity),
		Scripts: pkg.NewQueue[pkg.ValueEvent](capacity),
		Rules:   pkg.NewQueue[pkg.ValueEvent](capacity),
	}
}

// Instance 是一个已启用设备对应的插件实例
type Instance struct {
	Busy       pkg.BusyFlag
	Plugin     Plugin
	Device     registry.DeviceConfig
	Descriptor registry.PluginDescriptor
	Outlet     *Outlet
}

// Manager 持有所有插件实例, 并负责它们的 (重新) 初始化
type Manager struct {
	reg         *registry.Registry
	queues      Queues
	controllers ControllerQueues
	unit        string
	flags       Flags
	log         *zap.Logger
	metrics     *pkg.Metrics

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewManager 创建插件管理器, controllers 可以为 nil (没有任何控制器)
func NewManager(ctx context.Context, reg *registry.Registry, queues Queues, controllers ControllerQueues, metrics *pkg.Metrics) *Manager {
	return &Manager{
		reg:         reg,
		queues:      queues,
		controllers: controllers,
		unit:        pkg.ConfigFromContext(ctx).Unit,
		log:         pkg.LoggerFromContext(ctx),
		metrics:     metrics,
		instances:   make(map[string]*Instance),
	}
}

// Flags 返回 fan-out 使用的 advanced 开关快照
func (m *Manager) Flags() *Flags {
	return &m.flags
}

// SyncDescriptors 使注册表中的插件描述与已注册的插件种类一致:
// 删除已不存在的种类, 更新有差异的描述, 为新种类创建记录, 保留现有 id。
func (m *Manager) SyncDescriptors(ctx context.Context) error {
	existing, err := m.reg.Plugins.List(ctx)
	if err != nil {
		return fmt.Errorf("list plugins: %w", err)
	}
	seen := make(map[string]bool)
	for _, desc := range existing {
		t, ok := Factories[desc.Module]
		if !ok || seen[desc.Module] {
			m.log.Warn("removing stale plugin descriptor", zap.Int("id", desc.ID), zap.String("module", desc.Module))
			if err := m.reg.Plugins.Delete(ctx, desc.ID); err != nil {
				return fmt.Errorf("delete plugin %d: %w", desc.ID, err)
			}
			continue
		}
		seen[desc.Module] = true
		want := t.Descriptor()
		want.ID = desc.ID
		if !reflect.DeepEqual(want, desc) {
			m.log.Info("re-syncing plugin descriptor", zap.String("module", desc.Module))
			if err := m.reg.Plugins.Delete(ctx, desc.ID); err != nil {
				return err
			}
			if _, err := m.reg.Plugins.Create(ctx, want); err != nil {
				return err
			}
		}
	}
	for _, t := range Kinds() {
		if seen[t.Name] {
			continue
		}
		if _, err := m.reg.Plugins.Create(ctx, t.Descriptor()); err != nil {
			return fmt.Errorf("create plugin %s: %w", t.Name, err)
		}
	}
	return nil
}

// EnsureInitialized 返回设备的插件实例, 实例不存在、插件描述未填充或设备配置已变化时重新初始化。
// 初始化失败时设备被禁用。
func (m *Manager) EnsureInitialized(ctx context.Context, deviceName string) (*Instance, error) {
	dev, err := m.reg.DeviceByName(ctx, deviceName)
	if err != nil {
		return nil, err
	}
	if !dev.Enabled {
		return nil, fmt.Errorf("device %q is disabled", deviceName)
	}
	desc, err := m.reg.Plugins.Get(ctx, dev.PluginID)
	if err != nil {
		return nil, fmt.Errorf("device %q plugin %d: %w", deviceName, dev.PluginID, err)
	}
	return m.ensure(ctx, dev, desc)
}

func (m *Manager) ensure(ctx context.Context, dev registry.DeviceConfig, desc registry.PluginDescriptor) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inst, ok := m.instances[dev.Name]; ok {
		current := inst.Descriptor.DeviceType != "" &&
			reflect.DeepEqual(inst.Device, dev) &&
			reflect.DeepEqual(inst.Descriptor, desc) &&
			!m.controllerMoved(inst)
		if current || inst.Busy.Busy() {
			return inst, nil
		}
		m.log.Debug("device config changed, re-initializing", zap.String("device", dev.Name))
		closePlugin(inst.Plugin)
		delete(m.instances, dev.Name)
	}

	inst, err := m.initInstance(ctx, dev, desc)
	if err != nil {
		m.log.Error("plugin init failed, disabling device", zap.String("device", dev.Name), zap.Error(err))
		if _, uerr := m.reg.Devices.UpdateFields(ctx, dev.ID, map[string]interface{}{"enabled": false}); uerr != nil {
			m.log.Error("failed to disable device", zap.String("device", dev.Name), zap.Error(uerr))
		}
		return nil, err
	}
	m.instances[dev.Name] = inst
	return inst, nil
}

// controllerMoved 报告设备绑定的控制器队列是否已被替换 (控制器重新初始化或被移除)
func (m *Manager) controllerMoved(inst *Instance) bool {
	if m.controllers == nil || inst.Device.ControllerID == 0 {
		return false
	}
	return m.controllers.BoundQueue(inst.Device.ControllerID) != inst.Outlet.Controller
}

func (m *Manager) initInstance(ctx context.Context, dev registry.DeviceConfig, desc registry.PluginDescriptor) (inst *Instance, err error) {
	t, ok := Factories[desc.Module]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, desc.Module)
	}
	outlet, err := m.newOutlet(ctx, dev, desc, t)
	if err != nil {
		return nil, err
	}
	p := t.New()

	defer func() {
		if r := recover(); r != nil {
			inst, err = nil, fmt.Errorf("%w: panic: %v", ErrInitRejected, r)
		}
	}()
	if err := p.Init(ctx, Binding{Descriptor: desc, Device: dev, Outlet: outlet, Store: m.reg}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitRejected, err)
	}
	return &Instance{Plugin: p, Device: dev, Descriptor: desc, Outlet: outlet}, nil
}

func (m *Manager) newOutlet(ctx context.Context, dev registry.DeviceConfig, desc registry.PluginDescriptor, t Template) (*Outlet, error) {
	sensorType := desc.SensorType
	if raw, ok := dev.Options["sensor_type"].(string); ok && raw != "" {
		st, err := pkg.ParseSensorType(raw)
		if err != nil {
			return nil, err
		}
		sensorType = st
	}

	names := make([]string, len(dev.Values))
	formulas := make([]string, len(dev.Values))
	decimals := make([]int, len(dev.Values))
	for i, v := range dev.Values {
		names[i], formulas[i], decimals[i] = v.Name, v.Formula, v.Decimals
	}
	slots, err := compileSlots(names, formulas, decimals, t.ValueNames)
	if err != nil {
		return nil, err
	}

	outlet := &Outlet{
		Device:        dev.Name,
		Unit:          m.unit,
		SensorType:    sensorType,
		ControllerIdx: dev.ControllerIdx,
		Values:        m.queues.Values,
		Scripts:       m.queues.Scripts,
		Rules:         m.queues.Rules,
		flags:         &m.flags,
		slots:         slots,
		log:           m.log.With(zap.String("device", dev.Name)),
		metrics:       m.metrics,
	}
	if dev.ControllerID != 0 && m.controllers != nil {
		q, err := m.controllers.ControllerQueue(ctx, dev.ControllerID)
		if err != nil {
			// 控制器不可用时设备仍然工作, 只是不再上报
			m.log.Warn("controller unavailable for device", zap.String("device", dev.Name), zap.Int("controller", dev.ControllerID), zap.Error(err))
		} else {
			outlet.Controller = q
		}
	}
	return outlet, nil
}

// Instance 返回设备当前的实例, 不触发初始化
func (m *Manager) Instance(deviceName string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[deviceName]
	return inst, ok
}

// Prune 关闭并移除不在 keep 中且空闲的实例
func (m *Manager) Prune(keep map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, inst := range m.instances {
		if keep[name] || inst.Busy.Busy() {
			continue
		}
		m.log.Debug("dropping plugin instance", zap.String("device", name))
		closePlugin(inst.Plugin)
		delete(m.instances, name)
	}
}

func closePlugin(p Plugin) {
	if c, ok := p.(io.Closer); ok {
		_ = c.Close()
	}
}

// Read 读取设备当前的值
func (m *Manager) Read(ctx context.Context, deviceName string) (map[string]interface{}, error) {
	inst, err := m.EnsureInitialized(ctx, deviceName)
	if err != nil {
		return nil, err
	}
	values := make(map[string]interface{})
	err = guard(func() error {
		inst.Plugin.Read(values)
		return nil
	})
	return values, err
}

// Write 把值写入设备
func (m *Manager) Write(ctx context.Context, deviceName string, values map[string]interface{}) error {
	inst, err := m.EnsureInitialized(ctx, deviceName)
	if err != nil {
		return err
	}
	return guard(func() error { return inst.Plugin.Write(values) })
}

// LoadForm 返回插件的配置表单数据
func (m *Manager) LoadForm(ctx context.Context, deviceName string) (map[string]interface{}, error) {
	inst, err := m.EnsureInitialized(ctx, deviceName)
	if err != nil {
		return nil, err
	}
	form := make(map[string]interface{})
	err = guard(func() error {
		inst.Plugin.LoadForm(form)
		return nil
	})
	return form, err
}

// SaveForm 把表单数据交给插件保存
func (m *Manager) SaveForm(ctx context.Context, deviceName string, form map[string]interface{}) error {
	inst, err := m.EnsureInitialized(ctx, deviceName)
	if err != nil {
		return err
	}
	return guard(func() error { return inst.Plugin.SaveForm(form) })
}

var errPanicked = errors.New("plugin panicked")

// guard 把插件中的 panic 转为错误
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanicked, r)
		}
	}()
	return fn()
}
