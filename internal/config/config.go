package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 进程唯一配置记录
// 启动时构建一次，按引用传给各组件；组件自身不再读环境变量或硬编码路径
type Config struct {
	// 服务
	Port        string `mapstructure:"port"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	// 凭证与刷新
	CredentialPath       string `mapstructure:"credential_path"`
	RefreshSafetyMarginS int    `mapstructure:"refresh_safety_margin_s"`

	// API 客户端
	APIVersion       string  `mapstructure:"api_version"`
	RequestTimeoutMS int     `mapstructure:"request_timeout_ms"`
	MaxRetries       int     `mapstructure:"max_retries"`
	RateLimitRPS     float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst   int     `mapstructure:"rate_limit_burst"`

	// 批量编辑引擎
	EditTimeoutMS   int     `mapstructure:"edit_timeout_ms"`
	EditParallelism int     `mapstructure:"edit_parallelism"`
	MaxMoney        float64 `mapstructure:"max_money"`

	// 审计库（sqlite 文件路径或 postgres DSN）
	DatabaseDSN string `mapstructure:"database_dsn"`

	// 运维接口鉴权
	OperatorKey string `mapstructure:"operator_key"`
	JWTSecret   string `mapstructure:"jwt_secret"`

	// Token 保活任务
	KeepaliveEnabled bool   `mapstructure:"keepalive_enabled"`
	KeepaliveCron    string `mapstructure:"keepalive_cron"`
}

// Load 构建配置：默认值 < 配置文件(可选) < CAFE24_* 环境变量
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("credential_path", "credential.json")
	v.SetDefault("refresh_safety_margin_s", 60)

	v.SetDefault("api_version", "2025-06-01")
	v.SetDefault("request_timeout_ms", 20000)
	v.SetDefault("max_retries", 3)
	// 平台限流未公开，默认取保守值
	v.SetDefault("rate_limit_rps", 2.0)
	v.SetDefault("rate_limit_burst", 5)

	v.SetDefault("edit_timeout_ms", 120000)
	v.SetDefault("edit_parallelism", 4)
	v.SetDefault("max_money", 9_999_999_999)

	v.SetDefault("database_dsn", "cafe24_ops.db")

	v.SetDefault("operator_key", "")
	v.SetDefault("jwt_secret", "cafe24-ops-secret-change-in-production")

	v.SetDefault("keepalive_enabled", true)
	v.SetDefault("keepalive_cron", "0 0/30 * * * *")

	v.SetEnvPrefix("CAFE24")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// RequestTimeout 单请求超时
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// EditTimeout 单条编辑超时
func (c *Config) EditTimeout() time.Duration {
	return time.Duration(c.EditTimeoutMS) * time.Millisecond
}

// RefreshSafetyMargin 刷新安全余量
func (c *Config) RefreshSafetyMargin() time.Duration {
	return time.Duration(c.RefreshSafetyMarginS) * time.Second
}
