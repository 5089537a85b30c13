package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"homegate/internal/pkg"
	"homegate/internal/registry"

	"go.uber.org/zap"
)

func init() {
	Register("Domoticz HTTP", func() Protocol { return &DomoticzHTTP{} })
}

type DomoticzHTTPOptions struct {
	Scheme     string `mapstructure:"scheme"`
	TimeoutSec uint   `mapstructure:"timeout_sec"`
}

// DomoticzHTTP 通过 json.htm 接口更新 Domoticz 设备, 没有常驻连接
type DomoticzHTTP struct {
	base
	endpoint url.URL
	client   *http.Client
}

func (d *DomoticzHTTP) Init(ctx context.Context, cfg registry.ControllerConfig) (*pkg.Queue[pkg.DeviceEvent], error) {
	queue := d.init(ctx, "Domoticz HTTP", cfg)
	var opts DomoticzHTTPOptions
	if err := decodeOptions(cfg.Options, &opts); err != nil {
		return nil, err
	}
	if cfg.Hostname == "" {
		return nil, errors.New("domoticz http controller requires a hostname")
	}
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}
	if opts.TimeoutSec == 0 {
		opts.TimeoutSec = 5
	}
	host := cfg.Hostname
	if cfg.Port != 0 {
		host += ":" + strconv.Itoa(cfg.Port)
	}
	d.endpoint = url.URL{Scheme: opts.Scheme, Host: host, Path: "/json.htm"}
	if cfg.User != "" {
		d.endpoint.User = url.UserPassword(cfg.User, cfg.Password)
	}
	d.client = &http.Client{Timeout: time.Duration(opts.TimeoutSec) * time.Second}
	return queue, nil
}

// Connect 用 getversion 检查服务是否可达
func (d *DomoticzHTTP) Connect(ctx context.Context) error {
	q := url.Values{}
	q.Set("type", "command")
	q.Set("param", "getversion")
	return d.get(ctx, q)
}

func (d *DomoticzHTTP) Disconnect() error {
	d.client.CloseIdleConnections()
	d.setStatus(StatusDisconnected)
	return nil
}

// Check 在上一次请求失败后返回 false, 使下一次 Process 先重新探测
func (d *DomoticzHTTP) Check(_ context.Context) bool {
	return d.Status() != StatusFailed
}

func (d *DomoticzHTTP) get(ctx context.Context, q url.Values) error {
	u := d.endpoint
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.setStatus(StatusFailed)
		return fmt.Errorf("domoticz request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		d.setStatus(StatusFailed)
		return fmt.Errorf("domoticz request: unexpected status %d", resp.StatusCode)
	}
	d.setStatus(StatusConnected)
	return nil
}

func (d *DomoticzHTTP) Process(ctx context.Context) error {
	ev, ok := d.next()
	if !ok {
		return nil
	}
	q, err := DomoticzQuery(ev)
	if err != nil {
		d.drop(ev, err)
		return nil
	}
	if !d.Check(ctx) {
		if err := d.Connect(ctx); err != nil {
			return err
		}
	}
	d.log.Debug("sending", zap.String("device", ev.Device), zap.String("query", q.Encode()))
	return d.get(ctx, q)
}
