package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// 额外允许的 websocket Origin 前缀（localhost 默认允许）
		AllowedOrigins []string `mapstructure:"allowed_origins"`
		EnableCORS     bool     `mapstructure:"enable_cors"`
	} `mapstructure:"running"`
	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
	Mysql struct {
		// 为空时使用内存存储
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		// 为空时使用内存 presence；多个地址走集群客户端
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Client struct {
		URL         string        `mapstructure:"url"`
		Token       string        `mapstructure:"token"`
		BaseDelay   time.Duration `mapstructure:"base_delay"`
		MaxDelay    time.Duration `mapstructure:"max_delay"`
		MaxAttempts int           `mapstructure:"max_attempts"`
		Debounce    time.Duration `mapstructure:"debounce"`
	} `mapstructure:"client"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("kafka.topic", "canvas-ops")
	v.SetDefault("client.url", "http://localhost:8080")
	v.SetDefault("client.base_delay", time.Second)
	v.SetDefault("client.max_delay", 30*time.Second)
	v.SetDefault("client.max_attempts", 5)
	v.SetDefault("client.debounce", 500*time.Millisecond)
}

// New 返回带默认值和环境变量覆盖（前缀 SESSION_，例如 SESSION_MYSQL_DSN）的 viper。
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("sessionConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("SESSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load 读取配置文件；path 为空时按默认路径查找，找不到文件时只用默认值和环境变量。
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
