package script

import (
	"context"
	"sort"
	"sync"
	"time"

	"homegate/internal/pkg"
	"homegate/internal/registry"

	"go.uber.org/zap"
)

// DeviceWriter 把订阅的值写入设备, plugin.Manager 实现了它
type DeviceWriter interface {
	Write(ctx context.Context, deviceName string, values map[string]interface{}) error
}

// Sample 是某个触发名称最近一次的值
type Sample struct {
	Trigger   string      `json:"trigger"`
	Device    string      `json:"device"`
	ValueName string      `json:"valueName"`
	Value     interface{} `json:"value"`
	Ts        time.Time   `json:"ts"`
}

// Bus 消费 value 队列: 记录每个触发名称的最新值, 推送给订阅者,
// 并把值写入 subscription 中包含该触发名称的设备
type Bus struct {
	reg     *registry.Registry
	devices DeviceWriter
	log     *zap.Logger

	mu   sync.RWMutex
	last map[string]Sample
	subs map[chan Sample]struct{}
}

func NewBus(ctx context.Context, reg *registry.Registry, devices DeviceWriter) *Bus {
	return &Bus{
		reg:     reg,
		devices: devices,
		log:     pkg.LoggerFromContext(ctx),
		last:    make(map[string]Sample),
		subs:    make(map[chan Sample]struct{}),
	}
}

// Publish 处理一个 value 事件
func (b *Bus) Publish(ctx context.Context, ev pkg.ValueEvent) {
	s := Sample{Trigger: ev.Trigger(), Device: ev.Device, ValueName: ev.ValueName, Value: ev.Value, Ts: time.Now()}

	b.mu.Lock()
	b.last[s.Trigger] = s
	for ch := range b.subs {
		select {
		case ch <- s:
		default:
			// 慢订阅者丢弃
		}
	}
	b.mu.Unlock()

	b.deliver(ctx, s)
}

func (b *Bus) deliver(ctx context.Context, s Sample) {
	if b.devices == nil || b.reg == nil {
		return
	}
	devices, err := b.reg.Devices.ListEnabled(ctx)
	if err != nil {
		b.log.Warn("list devices for value delivery", zap.Error(err))
		return
	}
	for _, d := range devices {
		if d.Name == s.Device || !subscribed(d, s.Trigger) {
			continue
		}
		if err := b.devices.Write(ctx, d.Name, map[string]interface{}{s.Trigger: s.Value}); err != nil {
			b.log.Warn("deliver subscribed value", zap.String("device", d.Name), zap.String("trigger", s.Trigger), zap.Error(err))
		}
	}
}

func subscribed(d registry.DeviceConfig, trigger string) bool {
	for _, t := range d.Subscriptions() {
		if t == trigger {
			return true
		}
	}
	return false
}

// Last 返回按触发名称排序的最新值
func (b *Bus) Last() []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Sample, 0, len(b.last))
	for _, s := range b.last {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trigger < out[j].Trigger })
	return out
}

// Value 返回一个触发名称的最新值
func (b *Bus) Value(trigger string) (Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.last[trigger]
	return s, ok
}

// Subscribe 注册一个订阅者, 返回的函数用于取消订阅
func (b *Bus) Subscribe(buffer int) (<-chan Sample, func()) {
	ch := make(chan Sample, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}
