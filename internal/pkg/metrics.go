package pkg

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics 汇总核心调度相关的 prometheus 指标
type Metrics struct {
	Registry *prometheus.Registry

	Scheduled   *prometheus.CounterVec   // kind, type (插件种类 / 协议 / 脚本)
	SkippedBusy *prometheus.CounterVec   // kind, type
	Runs        *prometheus.CounterVec   // kind, result
	QueueDrops  *prometheus.CounterVec   // queue
	RuleRuns    *prometheus.CounterVec   // rule, result
	RunDuration *prometheus.HistogramVec // kind

	startTime time.Time
}

var (
	metrics     *Metrics
	metricsOnce sync.Once
)

// GetMetrics 返回进程级的指标实例
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics()
		metrics.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
	return metrics
}

// NewMetrics 在独立的 registry 上创建一组指标, 测试中使用以避免全局状态
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homegate",
			Name:      "scheduled_runs_total",
			Help:      "Runs handed to the worker pool.",
		}, []string{"kind", "type"}),
		SkippedBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homegate",
			Name:      "skipped_busy_total",
			Help:      "Scheduling attempts skipped because the entity was still running.",
		}, []string{"kind", "type"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homegate",
			Name:      "runs_total",
			Help:      "Finished runs by outcome.",
		}, []string{"kind", "result"}),
		QueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homegate",
			Name:      "queue_drops_total",
			Help:      "Message groups dropped because a queue was absent or full.",
		}, []string{"queue"}),
		RuleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homegate",
			Name:      "rule_runs_total",
			Help:      "Rule executions by outcome.",
		}, []string{"rule", "result"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "homegate",
			Name:      "run_duration_seconds",
			Help:      "Duration of plugin, controller and script runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"kind"}),
		startTime: time.Now(),
	}
	m.Registry.MustRegister(m.Scheduled, m.SkippedBusy, m.Runs, m.QueueDrops, m.RuleRuns, m.RunDuration)
	return m
}

// Uptime 返回指标实例创建以来的时长
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Timer 简单的计时器
type Timer struct {
	start time.Time
	hist  prometheus.Observer
}

// NewTimer 创建一个按 kind 统计耗时的计时器
func (m *Metrics) NewTimer(kind string) *Timer {
	return &Timer{start: time.Now(), hist: m.RunDuration.WithLabelValues(kind)}
}

// Stop 停止计时器并记录耗时
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	t.hist.Observe(d.Seconds())
	return d
}

// RuntimeStats 是 System 插件上报的进程状态
type RuntimeStats struct {
	Uptime     time.Duration
	Goroutines int
	HeapMB     float64
}

// ReadRuntimeStats 读取当前进程状态
func (m *Metrics) ReadRuntimeStats() RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeStats{
		Uptime:     m.Uptime(),
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     float64(ms.HeapAlloc) / 1024 / 1024,
	}
}
