package protocol

import (
	"context"
	"time"

	"homegate/internal/pkg"
	"homegate/internal/registry"

	"go.uber.org/zap"
)

// Dispatcher 周期性检查每个控制器的队列, 把有待发事件且空闲的控制器交给协程池
type Dispatcher struct {
	reg     *registry.Registry
	manager *Manager
	pool    *pkg.Pool
	tick    time.Duration
	log     *zap.Logger
	metrics *pkg.Metrics
}

func NewDispatcher(ctx context.Context, reg *registry.Registry, manager *Manager, pool *pkg.Pool, metrics *pkg.Metrics) *Dispatcher {
	return &Dispatcher{
		reg:     reg,
		manager: manager,
		pool:    pool,
		tick:    pkg.ConfigFromContext(ctx).Dispatcher.Tick,
		log:     pkg.LoggerFromContext(ctx),
		metrics: metrics,
	}
}

// Run 运行分发循环直到 ctx 结束, 退出时断开所有控制器
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("===Controller dispatcher started===", zap.Duration("tick", d.tick))
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.manager.Close()
			d.log.Info("===Controller dispatcher stopped===")
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick 执行一次分发
func (d *Dispatcher) Tick(ctx context.Context) {
	controllers, err := d.reg.Controllers.ListEnabled(ctx)
	if err != nil {
		d.log.Error("list controllers", zap.Error(err))
		return
	}
	keep := make(map[int]bool, len(controllers))
	for _, cfg := range controllers {
		keep[cfg.ID] = true
		d.dispatch(ctx, cfg)
	}
	d.manager.Prune(keep)
}

func (d *Dispatcher) dispatch(ctx context.Context, cfg registry.ControllerConfig) {
	inst, err := d.manager.ensure(ctx, cfg)
	if err != nil {
		d.log.Warn("controller instance unavailable", zap.Int("controller", cfg.ID), zap.Error(err))
		return
	}
	if inst.Queue.Empty() {
		return
	}
	if !inst.Busy.TryAcquire() {
		d.metrics.SkippedBusy.WithLabelValues("controller", cfg.Protocol).Inc()
		return
	}
	d.metrics.Scheduled.WithLabelValues("controller", cfg.Protocol).Inc()
	log := d.log.With(zap.Int("controller", cfg.ID), zap.String("protocol", cfg.Protocol))
	if err := d.pool.Submit(func() {
		pkg.RunGuarded(log, d.metrics, "controller", &inst.Busy, func() error {
			return inst.Protocol.Process(ctx)
		})
	}); err != nil {
		log.Warn("worker pool rejected controller run", zap.Error(err))
		inst.Busy.Release()
	}
}
