package protocol

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"homegate/internal/pkg"
	"homegate/internal/registry"

	"go.uber.org/zap"
)

// Instance 是一个已启用控制器对应的协议实例
type Instance struct {
	Busy     pkg.BusyFlag
	Protocol Protocol
	Config   registry.ControllerConfig
	Queue    *pkg.Queue[pkg.DeviceEvent]
}

// Manager 持有所有控制器实例, 并负责它们的 (重新) 初始化
type Manager struct {
	reg     *registry.Registry
	log     *zap.Logger
	metrics *pkg.Metrics

	mu        sync.Mutex
	instances map[int]*Instance
}

func NewManager(ctx context.Context, reg *registry.Registry, metrics *pkg.Metrics) *Manager {
	return &Manager{
		reg:       reg,
		log:       pkg.LoggerFromContext(ctx),
		metrics:   metrics,
		instances: make(map[int]*Instance),
	}
}

// EnsureController 返回控制器的实例, 不存在或配置已变化时 (重新) 初始化。
// 初始化失败时控制器被禁用。
func (m *Manager) EnsureController(ctx context.Context, id int) (*Instance, error) {
	cfg, err := m.reg.Controllers.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("controller %d: %w", id, err)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("controller %d is disabled", id)
	}
	return m.ensure(ctx, cfg)
}

// ControllerQueue 返回控制器的入站队列, 需要时懒加载控制器
func (m *Manager) ControllerQueue(ctx context.Context, id int) (*pkg.Queue[pkg.DeviceEvent], error) {
	inst, err := m.EnsureController(ctx, id)
	if err != nil {
		return nil, err
	}
	return inst.Queue, nil
}

// BoundQueue 返回控制器当前实例的队列, 不触发初始化; 没有实例时返回 nil
func (m *Manager) BoundQueue(id int) *pkg.Queue[pkg.DeviceEvent] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		return inst.Queue
	}
	return nil
}

func (m *Manager) ensure(ctx context.Context, cfg registry.ControllerConfig) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, exists := m.instances[cfg.ID]
	if exists {
		if reflect.DeepEqual(old.Config, cfg) || old.Busy.Busy() {
			return old, nil
		}
		m.log.Info("controller config changed, re-initializing", zap.Int("controller", cfg.ID))
		m.close(old)
		delete(m.instances, cfg.ID)
	}

	inst, err := m.initInstance(ctx, cfg)
	if err != nil {
		m.log.Error("controller init failed, disabling controller", zap.Int("controller", cfg.ID), zap.String("protocol", cfg.Protocol), zap.Error(err))
		if _, uerr := m.reg.Controllers.UpdateFields(ctx, cfg.ID, map[string]interface{}{"enabled": false}); uerr != nil {
			m.log.Error("failed to disable controller", zap.Int("controller", cfg.ID), zap.Error(uerr))
		}
		return nil, err
	}
	if exists {
		// 旧队列中尚未发送的事件转入新队列
		for !old.Queue.Empty() {
			ev, err := old.Queue.Get()
			if err != nil {
				break
			}
			if err := inst.Queue.Put(ev); err != nil {
				m.metrics.QueueDrops.WithLabelValues("controller").Inc()
				break
			}
		}
	}
	m.instances[cfg.ID] = inst
	return inst, nil
}

func (m *Manager) initInstance(ctx context.Context, cfg registry.ControllerConfig) (inst *Instance, err error) {
	p, err := New(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			inst, err = nil, fmt.Errorf("protocol %s init panicked: %v", cfg.Protocol, r)
		}
	}()
	queue, err := p.Init(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("protocol %s init: %w", cfg.Protocol, err)
	}
	if queue == nil {
		return nil, fmt.Errorf("protocol %s init returned no queue", cfg.Protocol)
	}
	return &Instance{Protocol: p, Config: cfg, Queue: queue}, nil
}

func (m *Manager) close(inst *Instance) {
	if err := inst.Protocol.Disconnect(); err != nil {
		m.log.Warn("controller disconnect", zap.Int("controller", inst.Config.ID), zap.Error(err))
	}
}

// Instance 返回控制器当前的实例, 不触发初始化
func (m *Manager) Instance(id int) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// Statuses 返回每个控制器实例的连接状态
func (m *Manager) Statuses() map[int]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]Status, len(m.instances))
	for id, inst := range m.instances {
		out[id] = inst.Protocol.Status()
	}
	return out
}

// Prune 断开并移除不在 keep 中且空闲的实例
func (m *Manager) Prune(keep map[int]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, inst := range m.instances {
		if keep[id] || inst.Busy.Busy() {
			continue
		}
		m.log.Debug("dropping controller instance", zap.Int("controller", id))
		m.close(inst)
		delete(m.instances, id)
	}
}

// Close 断开所有控制器
func (m *Manager) Close() {
	m.Prune(nil)
}
