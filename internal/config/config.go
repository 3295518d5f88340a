package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 NAMINGD_PUSH_DELIVERYTIMEOUT=5s。
const EnvPrefix = "NAMINGD"

type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	Log     LogConfig     `mapstructure:"log"`
	Lease   LeaseConfig   `mapstructure:"lease"`
	Push    PushConfig    `mapstructure:"push"`
	Raft    RaftConfig    `mapstructure:"raft"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	CORS bool   `mapstructure:"cors"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug|info|warn|error
	Format string `mapstructure:"format"` // console|json
	Dir    string `mapstructure:"dir"`    // 为空时只输出到终端
}

// LeaseConfig 临时实例租约。
type LeaseConfig struct {
	HealthyTimeout time.Duration `mapstructure:"healthyTimeout"`
	DeleteTimeout  time.Duration `mapstructure:"deleteTimeout"`
	CheckInterval  time.Duration `mapstructure:"checkInterval"`
}

type PushConfig struct {
	DeliveryTimeout time.Duration `mapstructure:"deliveryTimeout"`
	RefreshInterval time.Duration `mapstructure:"refreshInterval"`
	StaleTimeout    time.Duration `mapstructure:"staleTimeout"`
	SweepInterval   time.Duration `mapstructure:"sweepInterval"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queueSize"`
	SweepRate       float64       `mapstructure:"sweepRate"`
	SweepBurst      int           `mapstructure:"sweepBurst"`
	CacheSize       int           `mapstructure:"cacheSize"`
}

type RaftConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ID        string `mapstructure:"id"`
	Bind      string `mapstructure:"bind"`
	Dir       string `mapstructure:"dir"`
	Bootstrap bool   `mapstructure:"bootstrap"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8848")
	v.SetDefault("http.cors", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.dir", "")

	v.SetDefault("lease.healthyTimeout", 15*time.Second)
	v.SetDefault("lease.deleteTimeout", 30*time.Second)
	v.SetDefault("lease.checkInterval", 5*time.Second)

	v.SetDefault("push.deliveryTimeout", 3*time.Second)
	v.SetDefault("push.refreshInterval", 10*time.Second)
	v.SetDefault("push.staleTimeout", 30*time.Second)
	v.SetDefault("push.sweepInterval", 5*time.Second)
	v.SetDefault("push.workers", 8)
	v.SetDefault("push.queueSize", 1024)
	v.SetDefault("push.sweepRate", 200)
	v.SetDefault("push.sweepBurst", 50)
	v.SetDefault("push.cacheSize", 4096)

	v.SetDefault("raft.enabled", false)
	v.SetDefault("raft.id", "node1")
	v.SetDefault("raft.bind", "127.0.0.1:7000")
	v.SetDefault("raft.dir", "data/raft")
	v.SetDefault("raft.bootstrap", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load 读取配置：默认值 < 配置文件 < 环境变量。path 为空时不读文件。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查取值之间的约束。
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is empty")
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format %q: want console or json", c.Log.Format)
	}
	if c.Lease.HealthyTimeout <= 0 || c.Lease.DeleteTimeout <= 0 || c.Lease.CheckInterval <= 0 {
		return errors.New("lease durations must be positive")
	}
	if c.Lease.DeleteTimeout < c.Lease.HealthyTimeout {
		return fmt.Errorf("lease.deleteTimeout %s shorter than lease.healthyTimeout %s",
			c.Lease.DeleteTimeout, c.Lease.HealthyTimeout)
	}
	if c.Push.DeliveryTimeout <= 0 {
		return errors.New("push.deliveryTimeout must be positive")
	}
	if c.Push.StaleTimeout < c.Push.RefreshInterval {
		return fmt.Errorf("push.staleTimeout %s shorter than push.refreshInterval %s",
			c.Push.StaleTimeout, c.Push.RefreshInterval)
	}
	if c.Push.Workers <= 0 || c.Push.QueueSize <= 0 {
		return errors.New("push.workers and push.queueSize must be positive")
	}
	if c.Raft.Enabled && (c.Raft.ID == "" || c.Raft.Bind == "" || c.Raft.Dir == "") {
		return errors.New("raft.id, raft.bind and raft.dir are required when raft is enabled")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path)
	}
	return nil
}
