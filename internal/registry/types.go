package registry

import (
	"strings"

	"homegate/internal/pkg"

	"gorm.io/datatypes"
)

// Record 是注册表中所有记录类型需要满足的约束
type Record[T any] interface {
	Key() int
	Active() bool
	Label() string // 唯一名称, 空串表示不参与唯一性检查
	WithKey(id int) T
}

// PluginDescriptor 描述一种插件, 启动时与编译进来的插件集合同步
type PluginDescriptor struct {
	ID         int            `gorm:"primaryKey" mapstructure:"id" json:"id" bson:"_id"`
	Name       string         `gorm:"uniqueIndex" mapstructure:"name" json:"name" bson:"name"`
	Module     string         `mapstructure:"module" json:"module" bson:"module"`
	DeviceType pkg.DeviceType `mapstructure:"device_type" json:"device_type" bson:"device_type"`
	SensorType pkg.SensorType `mapstructure:"sensor_type" json:"sensor_type" bson:"sensor_type"`
	PinCount   int            `mapstructure:"pin_count" json:"pin_count" bson:"pin_count"`
	ValueCount int            `mapstructure:"value_count" json:"value_count" bson:"value_count"`
	Template   string         `mapstructure:"template" json:"template" bson:"template"`
	Enabled    bool           `mapstructure:"enabled" json:"enabled" bson:"enabled"`
}

func (p PluginDescriptor) Key() int      { return p.ID }
func (p PluginDescriptor) Active() bool  { return p.Enabled }
func (p PluginDescriptor) Label() string { return p.Name }
func (p PluginDescriptor) WithKey(id int) PluginDescriptor {
	p.ID = id
	return p
}

// ValueSlot 是设备的一个值槽: 名称, 公式与小数位
type ValueSlot struct {
	Name     string `mapstructure:"name" json:"name" bson:"name" yaml:"name"`
	Formula  string `mapstructure:"formula" json:"formula" bson:"formula" yaml:"formula"`
	Decimals int    `mapstructure:"decimals" json:"decimals" bson:"decimals" yaml:"decimals"`
}

// DeviceConfig 是一个设备的配置, Name 是调度与消息中使用的唯一 key
type DeviceConfig struct {
	ID            int                            `gorm:"primaryKey" mapstructure:"id" json:"id" bson:"_id"`
	Enabled       bool                           `mapstructure:"enabled" json:"enabled" bson:"enabled"`
	PluginID      int                            `mapstructure:"plugin_id" json:"plugin_id" bson:"plugin_id"`
	Name          string                         `gorm:"uniqueIndex" mapstructure:"name" json:"name" bson:"name"`
	ControllerID  int                            `mapstructure:"controller_id" json:"controller_id" bson:"controller_id"`
	ControllerIdx int                            `mapstructure:"controller_idx" json:"controller_idx" bson:"controller_idx"`
	Pins          string                         `mapstructure:"pins" json:"pins" bson:"pins"`
	Delay         int                            `mapstructure:"delay" json:"delay" bson:"delay"` // 秒, 0 表示每个调度周期都运行
	Sync          bool                           `mapstructure:"sync" json:"sync" bson:"sync"`
	Values        datatypes.JSONSlice[ValueSlot] `mapstructure:"values" json:"values" bson:"values"`
	Subscription  string                         `mapstructure:"subscription" json:"subscription" bson:"subscription"`
	Options       datatypes.JSONMap              `mapstructure:"options" json:"options" bson:"options"`
}

func (d DeviceConfig) Key() int      { return d.ID }
func (d DeviceConfig) Active() bool  { return d.Enabled }
func (d DeviceConfig) Label() string { return d.Name }
func (d DeviceConfig) WithKey(id int) DeviceConfig {
	d.ID = id
	return d
}

// ValueName 返回第 i 个值槽的名称 (从 0 开始)
func (d DeviceConfig) ValueName(i int) string {
	if i < 0 || i >= len(d.Values) {
		return ""
	}
	return d.Values[i].Name
}

// Subscriptions 拆分 value-subscription 字符串, 分隔符为 ';' 或 ','
func (d DeviceConfig) Subscriptions() []string {
	fields := strings.FieldsFunc(d.Subscription, func(r rune) bool { return r == ';' || r == ',' })
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// ControllerConfig 是一个出站控制器的配置
type ControllerConfig struct {
	ID        int               `gorm:"primaryKey" mapstructure:"id" json:"id" bson:"_id"`
	Enabled   bool              `mapstructure:"enabled" json:"enabled" bson:"enabled"`
	Protocol  string            `mapstructure:"protocol" json:"protocol" bson:"protocol"`
	Hostname  string            `mapstructure:"hostname" json:"hostname" bson:"hostname"`
	Port      int               `mapstructure:"port" json:"port" bson:"port"`
	User      string            `mapstructure:"user" json:"user" bson:"user"`
	Password  string            `mapstructure:"password" json:"password,omitempty" bson:"password"`
	Publish   string            `mapstructure:"publish" json:"publish" bson:"publish"`
	Subscribe string            `mapstructure:"subscribe" json:"subscribe" bson:"subscribe"`
	Options   datatypes.JSONMap `mapstructure:"options" json:"options" bson:"options"`
}

func (c ControllerConfig) Key() int      { return c.ID }
func (c ControllerConfig) Active() bool  { return c.Enabled }
func (c ControllerConfig) Label() string { return "" }
func (c ControllerConfig) WithKey(id int) ControllerConfig {
	c.ID = id
	return c
}

// ScriptDescriptor 描述一个已注册的脚本
type ScriptDescriptor struct {
	ID       int    `gorm:"primaryKey" mapstructure:"id" json:"id" bson:"_id"`
	Name     string `gorm:"uniqueIndex" mapstructure:"name" json:"name" bson:"name"`
	Filename string `mapstructure:"filename" json:"filename" bson:"filename"`
	Delay    int    `mapstructure:"delay" json:"delay" bson:"delay"` // 秒
	Enabled  bool   `mapstructure:"enabled" json:"enabled" bson:"enabled"`
}

func (s ScriptDescriptor) Key() int      { return s.ID }
func (s ScriptDescriptor) Active() bool  { return s.Enabled }
func (s ScriptDescriptor) Label() string { return s.Name }
func (s ScriptDescriptor) WithKey(id int) ScriptDescriptor {
	s.ID = id
	return s
}

// RuleDescriptor 描述一个规则文件以及从中提取的触发事件
type RuleDescriptor struct {
	ID       int    `gorm:"primaryKey" mapstructure:"id" json:"id" bson:"_id"`
	Name     string `gorm:"uniqueIndex" mapstructure:"name" json:"name" bson:"name"`
	Event    string `mapstructure:"event" json:"event" bson:"event"`
	Filename string `mapstructure:"filename" json:"filename" bson:"filename"`
	Enabled  bool   `mapstructure:"enabled" json:"enabled" bson:"enabled"`
}

func (r RuleDescriptor) Key() int      { return r.ID }
func (r RuleDescriptor) Active() bool  { return r.Enabled }
func (r RuleDescriptor) Label() string { return r.Name }
func (r RuleDescriptor) WithKey(id int) RuleDescriptor {
	r.ID = id
	return r
}

// AdvancedID 是 advanced 记录唯一的 id
const AdvancedID = 1

// Advanced 保存开关 scripts / rules
type Advanced struct {
	ID      int  `gorm:"primaryKey" mapstructure:"id" json:"id" bson:"_id"`
	Scripts bool `mapstructure:"scripts" json:"scripts" bson:"scripts"`
	Rules   bool `mapstructure:"rules" json:"rules" bson:"rules"`
}

func (a Advanced) Key() int      { return a.ID }
func (a Advanced) Active() bool  { return true }
func (a Advanced) Label() string { return "" }
func (a Advanced) WithKey(id int) Advanced {
	a.ID = id
	return a
}

// PluginStore 是每种插件的持久化键值数据 (readstore / writestore)
type PluginStore struct {
	ID     int               `gorm:"primaryKey" mapstructure:"id" json:"id" bson:"_id"`
	Plugin string            `gorm:"uniqueIndex" mapstructure:"plugin" json:"plugin" bson:"plugin"`
	Data   datatypes.JSONMap `mapstructure:"data" json:"data" bson:"data"`
}

func (s PluginStore) Key() int      { return s.ID }
func (s PluginStore) Active() bool  { return true }
func (s PluginStore) Label() string { return s.Plugin }
func (s PluginStore) WithKey(id int) PluginStore {
	s.ID = id
	return s
}
