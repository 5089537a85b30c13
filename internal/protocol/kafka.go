package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"homegate/internal/pkg"
	"homegate/internal/registry"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

func init() {
	Register("Kafka", func() Protocol { return &Kafka{} })
}

// KafkaOptions 包含 Kafka 控制器特定的配置
type KafkaOptions struct {
	Brokers         []string `mapstructure:"brokers"`
	Topic           string   `mapstructure:"topic"`
	WriteTimeoutSec int      `mapstructure:"write_timeout_sec"`
	RequiredAcks    int      `mapstructure:"required_acks"`
}

// messageWriter 是 kafka.Writer 中用到的部分
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka 把每个 DeviceEvent 编码为 JSON 写入主题, key 为设备名称
type Kafka struct {
	base
	opts   KafkaOptions
	writer messageWriter
}

func (k *Kafka) Init(ctx context.Context, cfg registry.ControllerConfig) (*pkg.Queue[pkg.DeviceEvent], error) {
	queue := k.init(ctx, "Kafka", cfg)
	k.opts.RequiredAcks = 1
	if err := decodeOptions(cfg.Options, &k.opts); err != nil {
		return nil, err
	}
	if len(k.opts.Brokers) == 0 && cfg.Hostname != "" {
		port := cfg.Port
		if port == 0 {
			port = 9092
		}
		k.opts.Brokers = []string{cfg.Hostname + ":" + strconv.Itoa(port)}
	}
	if k.opts.Topic == "" {
		k.opts.Topic = cfg.Publish
	}
	if len(k.opts.Brokers) == 0 {
		return nil, errors.New("kafka controller requires brokers or hostname")
	}
	if k.opts.Topic == "" {
		return nil, errors.New("kafka controller requires a topic")
	}
	if k.opts.WriteTimeoutSec == 0 {
		k.opts.WriteTimeoutSec = 10
	}
	acks := kafka.RequireOne
	switch k.opts.RequiredAcks {
	case -1:
		acks = kafka.RequireAll
	case 0:
		acks = kafka.RequireNone
	}
	if k.writer == nil {
		k.writer = &kafka.Writer{
			Addr:         kafka.TCP(k.opts.Brokers...),
			Topic:        k.opts.Topic,
			Balancer:     &kafka.Hash{},
			WriteTimeout: time.Duration(k.opts.WriteTimeoutSec) * time.Second,
			RequiredAcks: acks,
		}
	}
	k.log.Info("Kafka controller initialized", zap.Strings("brokers", k.opts.Brokers), zap.String("topic", k.opts.Topic))
	return queue, nil
}

// Connect kafka.Writer 在第一次写入时建立连接
func (k *Kafka) Connect(context.Context) error {
	k.setStatus(StatusConnected)
	return nil
}

func (k *Kafka) Disconnect() error {
	k.setStatus(StatusDisconnected)
	return k.writer.Close()
}

func (k *Kafka) Check(context.Context) bool { return k.Status() == StatusConnected }

// Message 把事件编码为 kafka 消息
func (k *Kafka) Message(ev pkg.DeviceEvent) (kafka.Message, error) {
	if err := checkComplete(ev); err != nil {
		return kafka.Message{}, err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event: %w", err)
	}
	return kafka.Message{Key: []byte(ev.Device), Value: data, Time: ev.Ts}, nil
}

func (k *Kafka) Process(ctx context.Context) error {
	ev, ok := k.next()
	if !ok {
		return nil
	}
	msg, err := k.Message(ev)
	if err != nil {
		k.drop(ev, err)
		return nil
	}
	if !k.Check(ctx) {
		if err := k.Connect(ctx); err != nil {
			return err
		}
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			k.log.Warn("Kafka write canceled, likely during shutdown", zap.Error(ctx.Err()))
			return nil
		}
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}
