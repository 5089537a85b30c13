package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homegate/internal/pkg"
	"homegate/internal/registry"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTTOptions 是 MQTT 类控制器的 options
type MQTTOptions struct {
	ClientID       string `mapstructure:"client_id"`
	QoS            byte   `mapstructure:"qos"`
	Retained       bool   `mapstructure:"retained"`
	KeepAliveSec   uint   `mapstructure:"keep_alive_sec"`
	PingTimeoutSec uint   `mapstructure:"ping_timeout_sec"`
	TimeoutSec     uint   `mapstructure:"timeout_sec"`
}

// mqttLink 是 MQTT 类协议共享的连接管理
type mqttLink struct {
	base
	opts    MQTTOptions
	client  mqtt.Client
	timeout time.Duration
}

func (l *mqttLink) initMQTT(ctx context.Context, name string, cfg registry.ControllerConfig) (*pkg.Queue[pkg.DeviceEvent], error) {
	queue := l.init(ctx, name, cfg)
	if err := decodeOptions(cfg.Options, &l.opts); err != nil {
		return nil, err
	}
	if cfg.Hostname == "" {
		return nil, errors.New("mqtt controller requires a hostname")
	}
	port := cfg.Port
	if port == 0 {
		port = 1883
	}
	if l.opts.ClientID == "" {
		l.opts.ClientID = "homegate-" + uuid.NewString()[:8]
	}
	if l.opts.KeepAliveSec == 0 {
		l.opts.KeepAliveSec = 60
	}
	if l.opts.PingTimeoutSec == 0 {
		l.opts.PingTimeoutSec = 2
	}
	if l.opts.TimeoutSec == 0 {
		l.opts.TimeoutSec = 5
	}
	l.timeout = time.Duration(l.opts.TimeoutSec) * time.Second

	broker := fmt.Sprintf("tcp://%s:%d", cfg.Hostname, port)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(l.opts.ClientID)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(time.Duration(l.opts.KeepAliveSec) * time.Second)
	opts.SetPingTimeout(time.Duration(l.opts.PingTimeoutSec) * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		l.log.Info("MQTT connected", zap.String("broker", broker))
		l.setStatus(StatusConnected)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		l.log.Error("MQTT connection lost", zap.Error(err), zap.String("broker", broker))
		l.setStatus(StatusDisconnected)
	}
	l.client = mqtt.NewClient(opts)
	return queue, nil
}

func (l *mqttLink) Connect(_ context.Context) error {
	token := l.client.Connect()
	if !token.WaitTimeout(l.timeout) {
		l.setStatus(StatusFailed)
		return fmt.Errorf("mqtt connect: timeout after %s", l.timeout)
	}
	if err := token.Error(); err != nil {
		l.setStatus(StatusFailed)
		return fmt.Errorf("mqtt connect: %w", err)
	}
	l.setStatus(StatusConnected)
	return nil
}

func (l *mqttLink) Disconnect() error {
	if l.client != nil && l.client.IsConnected() {
		l.client.Disconnect(250)
	}
	l.setStatus(StatusDisconnected)
	return nil
}

func (l *mqttLink) Check(_ context.Context) bool {
	return l.client != nil && l.client.IsConnected()
}

func (l *mqttLink) ensureConnected(ctx context.Context) error {
	if l.Check(ctx) {
		return nil
	}
	return l.Connect(ctx)
}

func (l *mqttLink) publish(topic string, payload interface{}) error {
	if l.client == nil || !l.client.IsConnected() {
		return fmt.Errorf("mqtt publish %s: %w", topic, ErrNotConnected)
	}
	token := l.client.Publish(topic, l.opts.QoS, l.opts.Retained, payload)
	if !token.WaitTimeout(l.timeout) {
		return fmt.Errorf("mqtt publish %s: timeout after %s", topic, l.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	l.log.Debug("published", zap.String("topic", topic))
	return nil
}

func init() {
	Register("Domoticz MQTT", func() Protocol { return &DomoticzMQTT{} })
	Register("OpenHAB MQTT", func() Protocol { return &OpenHABMQTT{} })
}

// DomoticzMQTT 把事件发布到 Domoticz 的 MQTT in 主题
type DomoticzMQTT struct {
	mqttLink
	topic string
}

func (d *DomoticzMQTT) Init(ctx context.Context, cfg registry.ControllerConfig) (*pkg.Queue[pkg.DeviceEvent], error) {
	queue, err := d.initMQTT(ctx, "Domoticz MQTT", cfg)
	if err != nil {
		return nil, err
	}
	d.topic = cfg.Publish
	if d.topic == "" {
		d.topic = "domoticz/in"
	}
	return queue, nil
}

func (d *DomoticzMQTT) Process(ctx context.Context) error {
	ev, ok := d.next()
	if !ok {
		return nil
	}
	msg, err := DomoticzMessage(ev)
	if err != nil {
		d.drop(ev, err)
		return nil
	}
	if err := d.ensureConnected(ctx); err != nil {
		return err
	}
	return d.publish(d.topic, msg)
}

// OpenHABMQTT 为每个值发布一条消息, 主题默认为 unit/device/valueName
type OpenHABMQTT struct {
	mqttLink
}

func (o *OpenHABMQTT) Init(ctx context.Context, cfg registry.ControllerConfig) (*pkg.Queue[pkg.DeviceEvent], error) {
	return o.initMQTT(ctx, "OpenHAB MQTT", cfg)
}

func (o *OpenHABMQTT) Process(ctx context.Context) error {
	ev, ok := o.next()
	if !ok {
		return nil
	}
	msgs, err := OpenHABMessages(ev, o.cfg.Publish)
	if err != nil {
		o.drop(ev, err)
		return nil
	}
	if err := o.ensureConnected(ctx); err != nil {
		return err
	}
	var errs []error
	for _, m := range msgs {
		if err := o.publish(m.Topic, m.Payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
