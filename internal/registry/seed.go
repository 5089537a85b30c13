package registry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed 是初始注册表内容的 yaml 表示
type Seed struct {
	Advanced    *SeedAdvanced    `yaml:"advanced"`
	Controllers []SeedController `yaml:"controllers"`
	Devices     []SeedDevice     `yaml:"devices"`
}

type SeedAdvanced struct {
	Scripts bool `yaml:"scripts"`
	Rules   bool `yaml:"rules"`
}

type SeedController struct {
	ID        int                    `yaml:"id"`
	Enabled   bool                   `yaml:"enabled"`
	Protocol  string                 `yaml:"protocol"`
	Hostname  string                 `yaml:"hostname"`
	Port      int                    `yaml:"port"`
	User      string                 `yaml:"user"`
	Password  string                 `yaml:"password"`
	Publish   string                 `yaml:"publish"`
	Subscribe string                 `yaml:"subscribe"`
	Options   map[string]interface{} `yaml:"options"`
}

type SeedDevice struct {
	Name          string                 `yaml:"name"`
	Plugin        string                 `yaml:"plugin"` // 插件名称, 写入时解析为 plugin id
	Enabled       bool                   `yaml:"enabled"`
	Controller    int                    `yaml:"controller"`
	ControllerIdx int                    `yaml:"controller_idx"`
	Pins          string                 `yaml:"pins"`
	Delay         int                    `yaml:"delay"`
	Sync          bool                   `yaml:"sync"`
	Values        []ValueSlot            `yaml:"values"`
	Subscription  string                 `yaml:"subscription"`
	Options       map[string]interface{} `yaml:"options"`
}

// ParseSeed 解析 yaml 内容
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("解析 seed 失败: %w", err)
	}
	return &s, nil
}

// LoadSeed 读取 seed 文件并写入注册表, 已存在的记录 (同 id 的控制器, 同名的设备) 保持不变。
// 必须在插件描述同步之后调用, 因为设备通过插件名称关联。
func (r *Registry) LoadSeed(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取 seed 文件失败 %s: %w", path, err)
	}
	s, err := ParseSeed(data)
	if err != nil {
		return err
	}
	return r.ApplySeed(ctx, s)
}

func (r *Registry) ApplySeed(ctx context.Context, s *Seed) error {
	if s.Advanced != nil {
		if _, err := r.Advanced.Get(ctx, AdvancedID); errors.Is(err, ErrNotFound) {
			if _, err := r.SetFlags(ctx, s.Advanced.Scripts, s.Advanced.Rules); err != nil {
				return err
			}
		}
	}

	for _, c := range s.Controllers {
		if c.ID != 0 {
			if _, err := r.Controllers.Get(ctx, c.ID); err == nil {
				continue
			}
		}
		_, err := r.Controllers.Create(ctx, ControllerConfig{
			ID:        c.ID,
			Enabled:   c.Enabled,
			Protocol:  c.Protocol,
			Hostname:  c.Hostname,
			Port:      c.Port,
			User:      c.User,
			Password:  c.Password,
			Publish:   c.Publish,
			Subscribe: c.Subscribe,
			Options:   c.Options,
		})
		if err != nil {
			return fmt.Errorf("seed controller %d: %w", c.ID, err)
		}
	}

	for _, d := range s.Devices {
		if _, err := r.DeviceByName(ctx, d.Name); err == nil {
			continue
		}
		plugin, err := r.PluginByName(ctx, d.Plugin)
		if err != nil {
			return fmt.Errorf("seed device %s: %w", d.Name, err)
		}
		_, err = r.Devices.Create(ctx, DeviceConfig{
			Enabled:       d.Enabled,
			PluginID:      plugin.ID,
			Name:          d.Name,
			ControllerID:  d.Controller,
			ControllerIdx: d.ControllerIdx,
			Pins:          d.Pins,
			Delay:         d.Delay,
			Sync:          d.Sync,
			Values:        d.Values,
			Subscription:  d.Subscription,
			Options:       d.Options,
		})
		if err != nil {
			return fmt.Errorf("seed device %s: %w", d.Name, err)
		}
	}
	return nil
}
