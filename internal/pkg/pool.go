package pkg

import (
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Pool 承载所有 fire-and-forget 的实体运行 (插件 / 控制器 / 脚本)
type Pool struct {
	p *ants.Pool
}

func NewPool(size int) (*Pool, error) {
	if size <= 0 {
		size = DefaultWorkers
	}
	p, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("创建协程池失败: %w", err)
	}
	return &Pool{p: p}, nil
}

// Submit 立即提交任务, 池满或已关闭时返回错误
func (p *Pool) Submit(task func()) error {
	return p.p.Submit(task)
}

// SubmitAfter 在 delay 之后提交任务; delay <= 0 时立即提交。
// 提交失败时调用 onReject, 调用方借此释放已占用的锁。
func (p *Pool) SubmitAfter(delay time.Duration, task func(), onReject func(error)) {
	submit := func() {
		if err := p.p.Submit(task); err != nil && onReject != nil {
			onReject(err)
		}
	}
	if delay <= 0 {
		submit()
		return
	}
	time.AfterFunc(delay, submit)
}

func (p *Pool) Running() int {
	return p.p.Running()
}

func (p *Pool) Release() {
	p.p.Release()
}

// RunGuarded 执行一次实体运行: 捕获 panic, 记录结果, 并且无论如何都释放 busy。
func RunGuarded(log *zap.Logger, m *Metrics, kind string, busy *BusyFlag, fn func() error) {
	timer := m.NewTimer(kind)
	defer func() {
		if r := recover(); r != nil {
			m.Runs.WithLabelValues(kind, "panic").Inc()
			log.Error("run panicked", zap.String("kind", kind), zap.Any("panic", r), zap.Stack("stack"))
		}
		timer.Stop()
		busy.Release()
	}()
	if err := fn(); err != nil {
		m.Runs.WithLabelValues(kind, "error").Inc()
		log.Error("run failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	m.Runs.WithLabelValues(kind, "ok").Inc()
}
