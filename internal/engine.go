package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"homegate/internal/admin/api"
	"homegate/internal/admin/router"
	"homegate/internal/pkg"
	"homegate/internal/plugin"
	"homegate/internal/protocol"
	"homegate/internal/registry"
	"homegate/internal/script"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine 把注册表、设备调度、控制器分发、脚本路由和管理接口装配在一起
type Engine struct {
	Config      *pkg.Config
	Registry    *registry.Registry
	Metrics     *pkg.Metrics
	Pool        *pkg.Pool
	Queues      plugin.Queues
	Plugins     *plugin.Manager
	Controllers *protocol.Manager
	Scheduler   *plugin.Scheduler
	Dispatcher  *protocol.Dispatcher
	Router      *script.Router

	log *zap.Logger
}

// NewEngine 按 ctx 中的配置创建所有组件, 任何一步失败都会释放已打开的资源
func NewEngine(ctx context.Context) (*Engine, error) {
	return newEngine(ctx, pkg.GetMetrics(), nil)
}

func newEngine(ctx context.Context, metrics *pkg.Metrics, gpio script.GPIO) (e *Engine, err error) {
	cfg := pkg.ConfigFromContext(ctx)
	log := pkg.LoggerFromContext(ctx)

	reg, err := registry.Open(ctx, cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("打开注册表失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = reg.Close()
		}
	}()

	pool, err := pkg.NewPool(cfg.Scheduler.Workers)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			pool.Release()
		}
	}()

	e = &Engine{
		Config:   cfg,
		Registry: reg,
		Metrics:  metrics,
		Pool:     pool,
		Queues:   plugin.NewQueues(cfg.Queue.Capacity),
		log:      log,
	}
	e.Controllers = protocol.NewManager(pkg.WithLoggerAndModule(ctx, log, "protocol"), reg, metrics)
	e.Plugins = plugin.NewManager(pkg.WithLoggerAndModule(ctx, log, "plugin"), reg, e.Queues, e.Controllers, metrics)

	if err = e.Plugins.SyncDescriptors(ctx); err != nil {
		return nil, fmt.Errorf("同步插件描述失败: %w", err)
	}
	if cfg.Registry.Seed != "" {
		if err = reg.LoadSeed(ctx, cfg.Registry.Seed); err != nil {
			return nil, fmt.Errorf("加载种子数据失败: %w", err)
		}
	}

	// advanced 记录不存在时(seed 中也没有) 用配置中的值初始化
	if _, gerr := reg.Advanced.Get(ctx, registry.AdvancedID); errors.Is(gerr, registry.ErrNotFound) {
		if _, err = reg.SetFlags(ctx, cfg.Advanced.Scripts, cfg.Advanced.Rules); err != nil {
			return nil, fmt.Errorf("初始化 advanced 开关失败: %w", err)
		}
	}

	e.Scheduler = plugin.NewScheduler(pkg.WithLoggerAndModule(ctx, log, "scheduler"), reg, e.Plugins, pool, metrics)
	e.Dispatcher = protocol.NewDispatcher(pkg.WithLoggerAndModule(ctx, log, "dispatcher"), reg, e.Controllers, pool, metrics)
	e.Router = script.NewRouter(pkg.WithLoggerAndModule(ctx, log, "router"), reg, e.Queues, e.Plugins, gpio, pool, metrics)
	if err = e.Router.Load(ctx); err != nil {
		return nil, fmt.Errorf("加载脚本和规则失败: %w", err)
	}
	return e, nil
}

// Service 返回管理接口使用的服务对象
func (e *Engine) Service() *api.Service {
	return &api.Service{
		Config:      e.Config,
		Registry:    e.Registry,
		Plugins:     e.Plugins,
		Controllers: e.Controllers,
		Router:      e.Router,
		Queues:      e.Queues,
		Pool:        e.Pool,
		Metrics:     e.Metrics,
		Log:         e.log.With(zap.String("module", "admin")),
	}
}

// Run 启动所有循环, 阻塞到 ctx 结束或任意一个循环出错
func (e *Engine) Run(ctx context.Context) error {
	defer e.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Scheduler.Run(gctx) })
	g.Go(func() error { return e.Dispatcher.Run(gctx) })
	g.Go(func() error { return e.Router.Run(gctx) })
	if e.Config.Admin.Enable {
		g.Go(func() error { return e.serveAdmin(gctx) })
	}
	return g.Wait()
}

func (e *Engine) serveAdmin(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", e.Config.Admin.Port),
		Handler: router.SetupRouter(e.Service()),
	}

	errCh := make(chan error, 1)
	go func() {
		e.log.Info("管理接口启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("管理接口监听失败: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		e.log.Error("管理接口关闭失败", zap.Error(err))
	}
	e.log.Info("管理接口已退出")
	return nil
}

func (e *Engine) close() {
	e.Plugins.Prune(nil)
	e.Pool.Release()
	if err := e.Registry.Close(); err != nil {
		e.log.Error("关闭注册表失败", zap.Error(err))
	}
}
