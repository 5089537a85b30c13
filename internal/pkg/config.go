package pkg

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/viper"
)

// Config 是 homegate 的全局配置
type Config struct {
	Version    string           `mapstructure:"version"`
	Unit       string           `mapstructure:"unit"` // unitName, 出现在每个 controller frame 中
	Log        LogConfig        `mapstructure:"log"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Router     RouterConfig     `mapstructure:"router"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Advanced   AdvancedConfig   `mapstructure:"advanced"`
	Admin      AdminConfig      `mapstructure:"admin"`

	Scripts map[string]map[string]interface{} `mapstructure:"scripts"` // 按脚本名称划分的自定义配置项
}

type RegistryConfig struct {
	Driver string      `mapstructure:"driver"` // memory | sqlite | mongo
	DSN    string      `mapstructure:"dsn"`
	Seed   string      `mapstructure:"seed"`
	Mongo  MongoConfig `mapstructure:"mongo"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type SchedulerConfig struct {
	Tick    time.Duration `mapstructure:"tick"`
	Workers int           `mapstructure:"workers"`
}

type DispatcherConfig struct {
	Tick time.Duration `mapstructure:"tick"`
}

type RouterConfig struct {
	Backoff    time.Duration `mapstructure:"backoff"`
	RulesDir   string        `mapstructure:"rules_dir"`
	ScriptsDir string        `mapstructure:"scripts_dir"`
	BootEvent  *bool         `mapstructure:"boot_event"`
}

type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// AdvancedConfig 对应注册表中的 advanced 记录, 启动时作为初始值写入
type AdvancedConfig struct {
	Scripts bool `mapstructure:"scripts"`
	Rules   bool `mapstructure:"rules"`
}

type AdminConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

const (
	DefaultSchedulerTick  = 10 * time.Millisecond
	DefaultDispatcherTick = time.Second
	DefaultRouterBackoff  = 100 * time.Millisecond
	DefaultQueueCapacity  = 100
	DefaultWorkers        = 64
)

// ApplyDefaults 填充未配置的字段
func (c *Config) ApplyDefaults() {
	if c.Unit == "" {
		c.Unit = "homegate"
	}
	if c.Registry.Driver == "" {
		c.Registry.Driver = "memory"
	}
	if c.Scheduler.Tick <= 0 {
		c.Scheduler.Tick = DefaultSchedulerTick
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = DefaultWorkers
	}
	if c.Dispatcher.Tick <= 0 {
		c.Dispatcher.Tick = DefaultDispatcherTick
	}
	if c.Router.Backoff <= 0 {
		c.Router.Backoff = DefaultRouterBackoff
	}
	if c.Router.RulesDir == "" {
		c.Router.RulesDir = "rules"
	}
	if c.Router.ScriptsDir == "" {
		c.Router.ScriptsDir = "scripts"
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = DefaultQueueCapacity
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8080
	}
}

// BootEventEnabled 未配置时默认开启
func (c *Config) BootEventEnabled() bool {
	return c.Router.BootEvent == nil || *c.Router.BootEvent
}

// InitCommon 读取目录下的所有 yaml 文件并合并为全局配置
//
// 输入:
//   - configDir: 配置目录, 子目录同样会被遍历
//
// 输出:
//   - *Config: 已填充默认值的配置
//   - *viper.Viper: 原始 viper 实例, 供需要自由读取配置的模块使用
//   - error: 读取或反序列化失败
func InitCommon(configDir string) (*Config, *viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("::")) // 设置 key 分隔符为 ::，因为默认的 . 会和 IP 地址冲突
	v.AddConfigPath(configDir)
	v.AutomaticEnv() // 读取环境变量

	var files []string
	err := filepath.WalkDir(configDir, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("访问路径 %s 失败: %w", filePath, err)
		}
		if d.IsDir() {
			return nil
		}
		if ext := filepath.Ext(filePath); ext == ".yaml" || ext == ".yml" {
			files = append(files, filePath)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	// 合并顺序固定, 后读到的文件覆盖前面的同名配置
	sort.Strings(files)
	for _, filePath := range files {
		v.SetConfigFile(filePath)
		if err := v.MergeInConfig(); err != nil {
			return nil, nil, fmt.Errorf("读取配置文件失败 %s: %w", filePath, err)
		}
	}

	var common Config
	if err := v.Unmarshal(&common); err != nil {
		return nil, nil, fmt.Errorf("反序列化配置失败: %w", err)
	}
	common.ApplyDefaults()
	return &common, v, nil
}
