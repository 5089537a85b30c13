package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"homegate/internal/pkg"
	"homegate/internal/registry"

	"go.uber.org/zap"
)

// GPIO 是规则中 gpio(pin, level) 的实际执行者
type GPIO interface {
	Set(pin, level int) error
}

// LogGPIO 只记录调用, 用于没有硬件的环境
type LogGPIO struct {
	Log *zap.Logger
}

func (g LogGPIO) Set(pin, level int) error {
	g.Log.Info("gpio", zap.Int("pin", pin), zap.Int("level", level))
	return nil
}

type compiled struct {
	rule *Rule
	err  error
}

// Engine 编译并执行规则文件, 编译结果按文件名缓存直到 Reset
type Engine struct {
	dir     string
	gpio    GPIO
	timers  *Timers
	log     *zap.Logger
	metrics *pkg.Metrics

	mu    sync.Mutex
	cache map[string]compiled
}

func NewEngine(ctx context.Context, dir string, gpio GPIO, timers *Timers, metrics *pkg.Metrics) *Engine {
	log := pkg.LoggerFromContext(ctx)
	if gpio == nil {
		gpio = LogGPIO{Log: log}
	}
	return &Engine{
		dir:     dir,
		gpio:    gpio,
		timers:  timers,
		log:     log,
		metrics: metrics,
		cache:   make(map[string]compiled),
	}
}

func (e *Engine) GPIO(pin, level int) error {
	return e.gpio.Set(pin, level)
}

// TimerSet 超出范围的编号只记录日志, 规则继续执行
func (e *Engine) TimerSet(id, delay int) error {
	err := e.timers.Set(id, time.Duration(delay)*time.Second)
	if errors.Is(err, ErrTimerRange) {
		e.log.Warn("timerSet ignored", zap.Int("timer", id), zap.Error(err))
		return nil
	}
	return err
}

// Reset 丢弃已编译的规则, 下次执行时重新读取文件
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]compiled)
}

// Compile 编译 (或从缓存取出) 规则
func (e *Engine) Compile(d registry.RuleDescriptor) (*Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.cache[d.Filename]; ok {
		return c.rule, c.err
	}
	var c compiled
	src, err := os.ReadFile(filepath.Join(e.dir, d.Filename))
	if err != nil {
		c.err = fmt.Errorf("read rule %s: %w", d.Filename, err)
	} else {
		c.rule, c.err = CompileRule(d.Name, string(src), e)
	}
	e.cache[d.Filename] = c
	return c.rule, c.err
}

// Run 同步执行一条规则, event 为 {triggerName: value}。规则中的 panic 转为错误。
func (e *Engine) Run(ctx context.Context, d registry.RuleDescriptor, ev pkg.ValueEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule %s panicked: %v", d.Name, r)
			e.metrics.RuleRuns.WithLabelValues(d.Name, "panic").Inc()
		}
	}()
	rule, err := e.Compile(d)
	if err == nil {
		err = rule.Run(map[string]interface{}{ev.Trigger(): ev.Value})
	}
	if err != nil {
		e.metrics.RuleRuns.WithLabelValues(d.Name, "error").Inc()
		return err
	}
	e.metrics.RuleRuns.WithLabelValues(d.Name, "ok").Inc()
	return nil
}
