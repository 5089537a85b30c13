package protocol

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"homegate/internal/pkg"
	"homegate/internal/registry"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

func init() {
	Register("InfluxDB", func() Protocol { return &InfluxDB{} })
}

// InfluxDBOptions InfluxDB 的专属配置
type InfluxDBOptions struct {
	URL         string `mapstructure:"url"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Token       string `mapstructure:"token"`
	Measurement string `mapstructure:"measurement"`
}

// InfluxDB 把每个 DeviceEvent 写成一个点, 值名称作为 field
type InfluxDB struct {
	base
	opts     InfluxDBOptions
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func (b *InfluxDB) Init(ctx context.Context, cfg registry.ControllerConfig) (*pkg.Queue[pkg.DeviceEvent], error) {
	queue := b.init(ctx, "InfluxDB", cfg)
	if err := decodeOptions(cfg.Options, &b.opts); err != nil {
		return nil, err
	}
	if b.opts.URL == "" {
		if cfg.Hostname == "" {
			return nil, errors.New("influxdb controller requires url or hostname")
		}
		port := cfg.Port
		if port == 0 {
			port = 8086
		}
		b.opts.URL = fmt.Sprintf("http://%s:%d", cfg.Hostname, port)
	}
	if b.opts.Token == "" {
		b.opts.Token = cfg.Password
	}
	if b.opts.Bucket == "" {
		b.opts.Bucket = cfg.Publish
	}
	if b.opts.Org == "" || b.opts.Bucket == "" {
		return nil, errors.New("influxdb controller requires org and bucket")
	}
	if b.opts.Measurement == "" {
		b.opts.Measurement = "homegate"
	}
	b.log.Debug("InfluxDB配置", zap.String("url", b.opts.URL), zap.String("org", b.opts.Org), zap.String("bucket", b.opts.Bucket))

	b.client = influxdb2.NewClient(b.opts.URL, b.opts.Token)
	b.writeAPI = b.client.WriteAPIBlocking(b.opts.Org, b.opts.Bucket)
	return queue, nil
}

func (b *InfluxDB) Connect(ctx context.Context) error {
	ok, err := b.client.Ping(ctx)
	if err != nil || !ok {
		b.setStatus(StatusFailed)
		if err == nil {
			err = errors.New("ping failed")
		}
		return fmt.Errorf("influxdb %s: %w", b.opts.URL, err)
	}
	b.setStatus(StatusConnected)
	return nil
}

func (b *InfluxDB) Disconnect() error {
	b.client.Close()
	b.setStatus(StatusDisconnected)
	return nil
}

func (b *InfluxDB) Check(_ context.Context) bool {
	return b.Status() == StatusConnected
}

// Point 把事件转换为 InfluxDB 点; 数值保持数值, 其它值写成字符串 field
func (b *InfluxDB) Point(ev pkg.DeviceEvent) (*write.Point, error) {
	if err := checkComplete(ev); err != nil {
		return nil, err
	}
	tags := map[string]string{
		"device":      ev.Device,
		"unit":        ev.Unit,
		"sensor_type": string(ev.SensorType),
		"idx":         strconv.Itoa(ev.ControllerIdx),
	}
	fields := make(map[string]interface{}, len(ev.Values))
	for _, v := range ev.Values[:ev.SensorType.ValueCount()] {
		switch x := v.Value.(type) {
		case float64, float32, int, int64, int32, bool:
			fields[v.Name] = x
		case nil:
			continue
		default:
			fields[v.Name] = pkg.FormatValue(x)
		}
	}
	if len(fields) == 0 {
		return nil, errors.New("event has no values to write")
	}
	return influxdb2.NewPoint(b.opts.Measurement, tags, fields, ev.Ts), nil
}

func (b *InfluxDB) Process(ctx context.Context) error {
	ev, ok := b.next()
	if !ok {
		return nil
	}
	point, err := b.Point(ev)
	if err != nil {
		b.drop(ev, err)
		return nil
	}
	if !b.Check(ctx) {
		if err := b.Connect(ctx); err != nil {
			return err
		}
	}
	if err := b.writeAPI.WritePoint(ctx, point); err != nil {
		b.setStatus(StatusFailed)
		return fmt.Errorf("influxdb write: %w", err)
	}
	return nil
}
