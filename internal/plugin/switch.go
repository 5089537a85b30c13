package plugin

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"homegate/internal/pkg"

	"github.com/mitchellh/mapstructure"
)

func init() {
	Register(Template{
		Name:       "Switch",
		DeviceType: pkg.DeviceSingle,
		SensorType: pkg.SensorSwitch,
		PinCount:   1,
		ValueNames: []string{"Switch"},
		New:        func() Plugin { return &Switch{} },
	})
}

// 同一种插件的所有设备共享一条 store 记录
var switchStoreMu sync.Mutex

type SwitchOptions struct {
	Inverse bool   `mapstructure:"inverse"`
	Initial string `mapstructure:"initial"`
}

// Switch 保存一个开关状态, 状态变化 (或开启 sync) 时上报, 并在重启后从 store 恢复
type Switch struct {
	mu       sync.Mutex
	outlet   *Outlet
	store    Store
	kind     string
	device   string
	sync     bool
	inverse  bool
	state    string
	lastSent string
}

func (s *Switch) Init(ctx context.Context, b Binding) error {
	var opts SwitchOptions
	if err := mapstructure.WeakDecode(b.Device.Options, &opts); err != nil {
		return fmt.Errorf("decode switch options: %w", err)
	}
	s.outlet, s.store = b.Outlet, b.Store
	s.kind, s.device, s.sync, s.inverse = b.Descriptor.Module, b.Device.Name, b.Device.Sync, opts.Inverse

	s.state = "off"
	if opts.Initial != "" {
		state, err := normalizeSwitch(opts.Initial)
		if err != nil {
			return err
		}
		s.state = state
	}
	if s.store != nil {
		data, err := s.store.ReadStore(ctx, s.kind)
		if err != nil {
			return fmt.Errorf("read switch store: %w", err)
		}
		if saved, ok := data[s.device].(string); ok {
			if state, err := normalizeSwitch(saved); err == nil {
				s.state = state
			}
		}
	}
	return nil
}

func normalizeSwitch(v interface{}) (string, error) {
	switch strings.ToLower(strings.TrimSpace(pkg.FormatValue(v))) {
	case "on", "1", "true", "closed", "press":
		return "on", nil
	case "off", "0", "false", "open", "release":
		return "off", nil
	}
	return "", fmt.Errorf("invalid switch state %v", v)
}

// reported 返回考虑 inverse 之后上报的状态
func (s *Switch) reported() string {
	if !s.inverse {
		return s.state
	}
	if s.state == "on" {
		return "off"
	}
	return "on"
}

func (s *Switch) Read(values map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values[s.outlet.ValueName(0)] = s.reported()
}

func (s *Switch) Write(values map[string]interface{}) error {
	v, ok := values["state"]
	if !ok {
		v, ok = values[s.outlet.ValueName(0)]
	}
	if !ok {
		return nil
	}
	state, err := normalizeSwitch(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	return s.persist(state)
}

func (s *Switch) persist(state string) error {
	if s.store == nil {
		return nil
	}
	switchStoreMu.Lock()
	defer switchStoreMu.Unlock()
	ctx := context.Background()
	data, err := s.store.ReadStore(ctx, s.kind)
	if err != nil {
		return err
	}
	merged := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		merged[k] = v
	}
	merged[s.device] = state
	return s.store.WriteStore(ctx, s.kind, merged)
}

func (s *Switch) LoadForm(form map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	form["state"] = s.state
	form["inverse"] = s.inverse
}

func (s *Switch) SaveForm(form map[string]interface{}) error {
	if inv, ok := form["inverse"].(bool); ok {
		s.mu.Lock()
		s.inverse = inv
		s.mu.Unlock()
	}
	return s.Write(form)
}

func (s *Switch) AsyncProcess(_ context.Context) error {
	s.mu.Lock()
	state := s.reported()
	changed := state != s.lastSent
	s.mu.Unlock()
	if !changed && !s.sync {
		return nil
	}
	if err := s.outlet.SendData(state); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSent = state
	s.mu.Unlock()
	return nil
}
