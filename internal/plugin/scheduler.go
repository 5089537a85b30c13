package plugin

import (
	"context"
	"runtime"
	"time"

	"homegate/internal/pkg"
	"homegate/internal/registry"

	"go.uber.org/zap"
)

// Scheduler 每个周期轮询所有已启用设备, 把空闲的插件实例交给协程池运行
type Scheduler struct {
	reg     *registry.Registry
	manager *Manager
	pool    *pkg.Pool
	tick    time.Duration
	log     *zap.Logger
	metrics *pkg.Metrics
}

func NewScheduler(ctx context.Context, reg *registry.Registry, manager *Manager, pool *pkg.Pool, metrics *pkg.Metrics) *Scheduler {
	return &Scheduler{
		reg:     reg,
		manager: manager,
		pool:    pool,
		tick:    pkg.ConfigFromContext(ctx).Scheduler.Tick,
		log:     pkg.LoggerFromContext(ctx),
		metrics: metrics,
	}
}

// Run 运行调度循环直到 ctx 结束
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("===Device scheduler started===", zap.Duration("tick", s.tick))
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("===Device scheduler stopped===")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick 执行一次完整的调度
func (s *Scheduler) Tick(ctx context.Context) {
	if flags, err := s.reg.Flags(ctx); err != nil {
		s.log.Warn("read advanced flags", zap.Error(err))
	} else {
		s.manager.flags.Set(flags.Scripts, flags.Rules)
	}

	devices, err := s.reg.Devices.ListEnabled(ctx)
	if err != nil {
		s.log.Error("list devices", zap.Error(err))
		return
	}
	plugins, err := s.reg.Plugins.List(ctx)
	if err != nil {
		s.log.Error("list plugins", zap.Error(err))
		return
	}
	descriptors := make(map[int]registry.PluginDescriptor, len(plugins))
	for _, p := range plugins {
		descriptors[p.ID] = p
	}

	keep := make(map[string]bool, len(devices))
	for _, dev := range devices {
		keep[dev.Name] = true
		s.schedule(ctx, dev, descriptors)
		runtime.Gosched()
	}
	s.manager.Prune(keep)
	runtime.Gosched()
}

func (s *Scheduler) schedule(ctx context.Context, dev registry.DeviceConfig, descriptors map[int]registry.PluginDescriptor) {
	desc, ok := descriptors[dev.PluginID]
	if !ok {
		s.log.Warn("device references unknown plugin", zap.String("device", dev.Name), zap.Int("plugin", dev.PluginID))
		return
	}
	inst, err := s.manager.ensure(ctx, dev, desc)
	if err != nil {
		return
	}
	if !inst.Busy.TryAcquire() {
		s.metrics.SkippedBusy.WithLabelValues("plugin", desc.Module).Inc()
		return
	}

	log := s.log.With(zap.String("device", dev.Name))
	delay := time.Duration(dev.Delay) * time.Second
	s.metrics.Scheduled.WithLabelValues("plugin", desc.Module).Inc()
	s.pool.SubmitAfter(delay, func() {
		pkg.RunGuarded(log, s.metrics, "plugin", &inst.Busy, func() error {
			return inst.Plugin.AsyncProcess(ctx)
		})
	}, func(err error) {
		log.Warn("worker pool rejected plugin run", zap.Error(err))
		inst.Busy.Release()
	})
}
