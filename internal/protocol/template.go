package protocol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"homegate/internal/pkg"
	"homegate/internal/registry"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

var (
	ErrUnknownProtocol       = errors.New("unknown protocol")
	ErrUnsupportedSensorType = errors.New("sensor type not supported by protocol")
	ErrNotConnected          = errors.New("protocol not connected")
)

// Status 是控制器连接的状态
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// Protocol 定义了出站控制器的通用接口, 所有方法只由核心调用
type Protocol interface {
	// Init 解析控制器配置并返回该控制器的入站队列; 返回错误时控制器被禁用
	Init(ctx context.Context, cfg registry.ControllerConfig) (*pkg.Queue[pkg.DeviceEvent], error)
	Connect(ctx context.Context) error
	Disconnect() error
	// Check 报告连接是否可用, 不可用时 Process 会先 Connect
	Check(ctx context.Context) bool
	Status() Status
	// Process 从队列取出一个完整的 DeviceEvent, 生成协议报文并发送
	Process(ctx context.Context) error
}

// FactoryFunc 创建一个未初始化的协议实例
type FactoryFunc func() Protocol

// Factories 全局协议映射, 由各协议在 init 中注册
var Factories = make(map[string]FactoryFunc)

// Register 注册一种协议
func Register(name string, factory FactoryFunc) {
	Factories[name] = factory
}

// Names 返回按名称排序的已注册协议
func Names() []string {
	out := make([]string, 0, len(Factories))
	for name := range Factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New 按名称创建协议实例
func New(name string) (Protocol, error) {
	factory, ok := Factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, name)
	}
	return factory(), nil
}

// base 是所有协议共享的部分: 配置, 入站队列, 日志
type base struct {
	name  string
	cfg   registry.ControllerConfig
	queue *pkg.Queue[pkg.DeviceEvent]
	log   *zap.Logger

	mu     sync.Mutex
	status Status
}

func (b *base) init(ctx context.Context, name string, cfg registry.ControllerConfig) *pkg.Queue[pkg.DeviceEvent] {
	b.name, b.cfg = name, cfg
	b.queue = pkg.NewQueue[pkg.DeviceEvent](pkg.ConfigFromContext(ctx).Queue.Capacity)
	b.log = pkg.LoggerFromContext(ctx).With(zap.String("protocol", name), zap.Int("controller", cfg.ID))
	b.status = StatusIdle
	return b.queue
}

func (b *base) setStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// next 取出一个完整的 DeviceEvent, 队列为空时返回 false
func (b *base) next() (pkg.DeviceEvent, bool) {
	ev, err := b.queue.Get()
	if err != nil {
		b.log.Warn("process called on an empty queue")
		return ev, false
	}
	return ev, true
}

// drop 记录一个无法转换为报文的事件
func (b *base) drop(ev pkg.DeviceEvent, err error) {
	b.log.Warn("dropping device event", zap.String("device", ev.Device), zap.String("sensorType", string(ev.SensorType)), zap.Error(err))
}

// decodeOptions 把控制器的 options 解码到协议自己的配置结构
func decodeOptions(options map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("create options decoder: %w", err)
	}
	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("decode controller options: %w", err)
	}
	return nil
}
