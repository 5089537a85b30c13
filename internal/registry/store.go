package registry

import (
	"context"
	"errors"
	"fmt"

	"homegate/internal/pkg"

	"github.com/mitchellh/mapstructure"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Repo 是一种记录的 CRUD 访问接口, 对应 listEnabled / get / updateField / create / delete
type Repo[T Record[T]] interface {
	List(ctx context.Context) ([]T, error)
	ListEnabled(ctx context.Context) ([]T, error)
	Get(ctx context.Context, id int) (T, error)
	// Create 写入一条记录, id 为 0 时由存储分配
	Create(ctx context.Context, rec T) (T, error)
	// UpdateFields 只修改 fields 中出现的字段, key 为 mapstructure 字段名
	UpdateFields(ctx context.Context, id int, fields map[string]interface{}) (T, error)
	Delete(ctx context.Context, id int) error
}

// Patch 把 fields 写入 rec 的副本, 未出现的字段保持不变, id 不允许修改
func Patch[T Record[T]](rec T, fields map[string]interface{}) (T, error) {
	id := rec.Key()
	patch := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if k == "id" {
			continue
		}
		patch[k] = v
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &rec,
		TagName:          "mapstructure",
		ZeroFields:       true, // map / slice 字段整体替换而不是合并
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return rec, fmt.Errorf("create decoder: %w", err)
	}
	if err := decoder.Decode(patch); err != nil {
		return rec, fmt.Errorf("patch record %d: %w", id, err)
	}
	return rec.WithKey(id), nil
}

func filterEnabled[T Record[T]](all []T) []T {
	out := make([]T, 0, len(all))
	for _, rec := range all {
		if rec.Active() {
			out = append(out, rec)
		}
	}
	return out
}

func labelTaken[T Record[T]](all []T, rec T) bool {
	if rec.Label() == "" {
		return false
	}
	for _, other := range all {
		if other.Key() != rec.Key() && other.Label() == rec.Label() {
			return true
		}
	}
	return false
}

func nextKey[T Record[T]](all []T) int {
	max := 0
	for _, rec := range all {
		if rec.Key() > max {
			max = rec.Key()
		}
	}
	return max + 1
}

// Registry 聚合了核心需要的所有记录集合
type Registry struct {
	Plugins     Repo[PluginDescriptor]
	Devices     Repo[DeviceConfig]
	Controllers Repo[ControllerConfig]
	Scripts     Repo[ScriptDescriptor]
	Rules       Repo[RuleDescriptor]
	Advanced    Repo[Advanced]
	Stores      Repo[PluginStore]

	closer func() error
}

// Open 按配置的 driver 打开注册表
func Open(ctx context.Context, c pkg.RegistryConfig) (*Registry, error) {
	switch c.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(ctx, c.DSN)
	case "mongo":
		return NewMongo(ctx, c.Mongo.URI, c.Mongo.Database)
	default:
		return nil, fmt.Errorf("unknown registry driver %q", c.Driver)
	}
}

func (r *Registry) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

// Flags 返回 advanced 开关, 记录不存在时两个开关都为 false
func (r *Registry) Flags(ctx context.Context) (Advanced, error) {
	adv, err := r.Advanced.Get(ctx, AdvancedID)
	if errors.Is(err, ErrNotFound) {
		return Advanced{ID: AdvancedID}, nil
	}
	return adv, err
}

// SetFlags 写入 advanced 开关, 不存在时创建
func (r *Registry) SetFlags(ctx context.Context, scripts, rules bool) (Advanced, error) {
	adv, err := r.Advanced.UpdateFields(ctx, AdvancedID, map[string]interface{}{"scripts": scripts, "rules": rules})
	if errors.Is(err, ErrNotFound) {
		return r.Advanced.Create(ctx, Advanced{ID: AdvancedID, Scripts: scripts, Rules: rules})
	}
	return adv, err
}

// DeviceByName 按名称查找设备
func (r *Registry) DeviceByName(ctx context.Context, name string) (DeviceConfig, error) {
	devices, err := r.Devices.List(ctx)
	if err != nil {
		return DeviceConfig{}, err
	}
	for _, d := range devices {
		if d.Name == name {
			return d, nil
		}
	}
	return DeviceConfig{}, fmt.Errorf("device %q: %w", name, ErrNotFound)
}

// PluginByName 按名称查找插件描述
func (r *Registry) PluginByName(ctx context.Context, name string) (PluginDescriptor, error) {
	plugins, err := r.Plugins.List(ctx)
	if err != nil {
		return PluginDescriptor{}, err
	}
	for _, p := range plugins {
		if p.Name == name {
			return p, nil
		}
	}
	return PluginDescriptor{}, fmt.Errorf("plugin %q: %w", name, ErrNotFound)
}

// ReadStore 读取插件的持久化数据, 不存在时返回空 map
func (r *Registry) ReadStore(ctx context.Context, plugin string) (map[string]interface{}, error) {
	stores, err := r.Stores.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range stores {
		if s.Plugin == plugin {
			return s.Data, nil
		}
	}
	return map[string]interface{}{}, nil
}

// WriteStore 覆盖插件的持久化数据
func (r *Registry) WriteStore(ctx context.Context, plugin string, data map[string]interface{}) error {
	stores, err := r.Stores.List(ctx)
	if err != nil {
		return err
	}
	for _, s := range stores {
		if s.Plugin == plugin {
			_, err = r.Stores.UpdateFields(ctx, s.ID, map[string]interface{}{"data": data})
			return err
		}
	}
	_, err = r.Stores.Create(ctx, PluginStore{Plugin: plugin, Data: data})
	return err
}
