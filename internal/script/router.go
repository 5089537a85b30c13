package script

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"homegate/internal/pkg"
	"homegate/internal/plugin"
	"homegate/internal/registry"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BootEvent 在路由器启动时注入 (System#Boot = true)
var BootEvent = pkg.ValueEvent{Device: "System", ValueName: "Boot", Value: true}

// TimerEvent 是规则定时器 id 到期时注入的事件 (Rules#Timer = id)
func TimerEvent(id int) pkg.ValueEvent {
	return pkg.ValueEvent{Device: "Rules", ValueName: "Timer", Value: id}
}

// Router 消费 script / rule / value 三条共享队列
type Router struct {
	reg     *registry.Registry
	queues  plugin.Queues
	engine  *Engine
	timers  *Timers
	bus     *Bus
	pool    *pkg.Pool
	metrics *pkg.Metrics
	log     *zap.Logger

	backoff    time.Duration
	rulesDir   string
	scriptsDir string
	boot       bool
	options    map[string]map[string]interface{}

	mu      sync.RWMutex
	scripts map[string]*Instance

	// 重新加载规则时持有写锁, 规则分发和查询持有读锁
	rulesMu sync.RWMutex
}

// NewRouter 创建路由器, gpio 为 nil 时规则中的 gpio 只记录日志
func NewRouter(ctx context.Context, reg *registry.Registry, queues plugin.Queues, devices DeviceWriter, gpio GPIO, pool *pkg.Pool, metrics *pkg.Metrics) *Router {
	cfg := pkg.ConfigFromContext(ctx)
	log := pkg.LoggerFromContext(ctx)
	r := &Router{
		reg:        reg,
		queues:     queues,
		bus:        NewBus(ctx, reg, devices),
		pool:       pool,
		metrics:    metrics,
		log:        log,
		backoff:    cfg.Router.Backoff,
		rulesDir:   cfg.Router.RulesDir,
		scriptsDir: cfg.Router.ScriptsDir,
		boot:       cfg.BootEventEnabled(),
		options:    cfg.Scripts,
		scripts:    make(map[string]*Instance),
	}
	if r.backoff <= 0 {
		r.backoff = pkg.DefaultRouterBackoff
	}
	r.timers = NewTimers(log, func(id int) {
		if err := r.Inject(TimerEvent(id)); err != nil {
			log.Warn("rule timer event dropped", zap.Int("timer", id), zap.Error(err))
		}
	})
	r.engine = NewEngine(ctx, cfg.Router.RulesDir, gpio, r.timers, metrics)
	return r
}

func (r *Router) Bus() *Bus        { return r.bus }
func (r *Router) Timers() *Timers  { return r.timers }
func (r *Router) Engine() *Engine  { return r.engine }
func (r *Router) RulesDir() string { return r.rulesDir }

// Load 注册脚本目录中的 go 脚本, 初始化所有脚本并加载规则目录
func (r *Router) Load(ctx context.Context) error {
	if _, err := RegisterDir(ctx, r.scriptsDir); err != nil {
		return err
	}
	scripts, err := LoadScripts(ctx, r.reg, r.options, r.engine)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.scripts = scripts
	r.mu.Unlock()
	r.log.Info("scripts loaded", zap.Int("count", len(scripts)))

	_, err = r.ReloadRules(ctx)
	return err
}

// ReloadRules 重新扫描规则目录并丢弃已编译的规则
func (r *Router) ReloadRules(ctx context.Context) ([]registry.RuleDescriptor, error) {
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()
	rules, err := LoadRules(ctx, r.reg, r.rulesDir)
	r.engine.Reset()
	if err != nil {
		return rules, err
	}
	for _, rule := range rules {
		if _, cerr := r.engine.Compile(rule); cerr != nil {
			r.log.Error("rule does not compile", zap.String("rule", rule.Name), zap.Error(cerr))
		}
	}
	r.log.Info("rules loaded", zap.Int("count", len(rules)), zap.String("dir", r.rulesDir))
	return rules, nil
}

// Rules 返回当前的规则记录, 不会看到重新加载到一半的规则集合
func (r *Router) Rules(ctx context.Context) ([]registry.RuleDescriptor, error) {
	r.rulesMu.RLock()
	defer r.rulesMu.RUnlock()
	return r.reg.Rules.List(ctx)
}

// Rule 按 id 或名称查找规则
func (r *Router) Rule(ctx context.Context, key string) (registry.RuleDescriptor, error) {
	rules, err := r.Rules(ctx)
	if err != nil {
		return registry.RuleDescriptor{}, err
	}
	for _, d := range rules {
		if strconv.Itoa(d.ID) == key || d.Name == key {
			return d, nil
		}
	}
	return registry.RuleDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownRule, key)
}

// RunRule 以 value 作为规则触发事件的值立即执行一条规则, 不检查 enabled
func (r *Router) RunRule(ctx context.Context, key string, value interface{}) (registry.RuleDescriptor, error) {
	d, err := r.Rule(ctx, key)
	if err != nil {
		return d, err
	}
	device, valueName, _ := strings.Cut(d.Event, "#")
	r.rulesMu.RLock()
	defer r.rulesMu.RUnlock()
	return d, r.engine.Run(ctx, d, pkg.ValueEvent{Device: device, ValueName: valueName, Value: value})
}

// Script 返回已初始化的脚本实例
func (r *Router) Script(name string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.scripts[name]
	return inst, ok
}

// Inject 把一个合成事件放入 script 和 rule 队列, 不受 advanced 开关影响
func (r *Router) Inject(ev pkg.ValueEvent) error {
	var errs []error
	if err := r.queues.Scripts.Put(ev); err != nil {
		r.metrics.QueueDrops.WithLabelValues("script").Inc()
		errs = append(errs, fmt.Errorf("script queue: %w", err))
	}
	if err := r.queues.Rules.Put(ev); err != nil {
		r.metrics.QueueDrops.WithLabelValues("rule").Inc()
		errs = append(errs, fmt.Errorf("rule queue: %w", err))
	}
	return errors.Join(errs...)
}

// Run 运行三个消费循环直到 ctx 结束
func (r *Router) Run(ctx context.Context) error {
	r.log.Info("===Script router started===")
	defer r.timers.Stop()

	if r.boot {
		if err := r.Inject(BootEvent); err != nil {
			r.log.Warn("boot event dropped", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.consume(gctx, "script", r.queues.Scripts, r.DispatchScripts) })
	g.Go(func() error { return r.consume(gctx, "rule", r.queues.Rules, r.DispatchRules) })
	g.Go(func() error {
		return r.consume(gctx, "value", r.queues.Values, func(ctx context.Context, ev pkg.ValueEvent) int {
			r.bus.Publish(ctx, ev)
			return 0
		})
	})
	err := g.Wait()
	r.log.Info("===Script router stopped===")
	return err
}

func (r *Router) consume(ctx context.Context, name string, q *pkg.Queue[pkg.ValueEvent], handle func(context.Context, pkg.ValueEvent) int) error {
	ticker := time.NewTicker(r.backoff)
	defer ticker.Stop()
	for {
		ev, err := q.Get()
		if err == nil {
			r.safely(name, ev, func() { handle(ctx, ev) })
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.Ready():
		case <-ticker.C:
		}
	}
}

// safely 保证单个事件的处理失败不会终止消费循环
func (r *Router) safely(queue string, ev pkg.ValueEvent, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("router handler panicked", zap.String("queue", queue), zap.String("trigger", ev.Trigger()), zap.Any("panic", rec))
		}
	}()
	fn()
}

// Dispatch 把一个事件同时交给脚本和规则
func (r *Router) Dispatch(ctx context.Context, ev pkg.ValueEvent) (scripts, rules int) {
	return r.DispatchScripts(ctx, ev), r.DispatchRules(ctx, ev)
}

// DispatchScripts 调度所有已启用、声明了该触发名称且空闲的脚本, 返回调度数量
func (r *Router) DispatchScripts(ctx context.Context, ev pkg.ValueEvent) int {
	descs, err := r.reg.Scripts.ListEnabled(ctx)
	if err != nil {
		r.log.Error("list scripts", zap.Error(err))
		return 0
	}
	trigger := ev.Trigger()
	n := 0
	for _, d := range descs {
		inst, ok := r.Script(d.Name)
		if !ok || !inst.Wants(trigger) {
			continue
		}
		if !inst.Busy.TryAcquire() {
			r.metrics.SkippedBusy.WithLabelValues("script", d.Name).Inc()
			continue
		}
		log := r.log.With(zap.String("script", d.Name), zap.String("trigger", trigger))
		r.metrics.Scheduled.WithLabelValues("script", d.Name).Inc()
		r.pool.SubmitAfter(time.Duration(d.Delay)*time.Second, func() {
			pkg.RunGuarded(log, r.metrics, "script", &inst.Busy, func() error {
				return inst.Script.AsyncProcess(ctx, ev)
			})
		}, func(err error) {
			log.Warn("worker pool rejected script run", zap.Error(err))
			inst.Busy.Release()
		})
		n++
	}
	return n
}

// DispatchRules 同步执行所有已启用且 event 等于该触发名称的规则, 返回执行数量
func (r *Router) DispatchRules(ctx context.Context, ev pkg.ValueEvent) int {
	r.rulesMu.RLock()
	defer r.rulesMu.RUnlock()
	rules, err := r.reg.Rules.ListEnabled(ctx)
	if err != nil {
		r.log.Error("list rules", zap.Error(err))
		return 0
	}
	trigger := ev.Trigger()
	n := 0
	for _, d := range rules {
		if d.Event != trigger {
			continue
		}
		n++
		if err := r.engine.Run(ctx, d, ev); err != nil {
			r.log.Error("rule failed", zap.String("rule", d.Name), zap.String("trigger", trigger), zap.Error(err))
		}
	}
	return n
}
