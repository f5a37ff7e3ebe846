package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "VGX"

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type AppConfig struct {
	ServiceName string     `mapstructure:"service_name"`
	Env         string     `mapstructure:"env"`
	LogLevel    string     `mapstructure:"log_level"`
	MetricsPath string     `mapstructure:"metrics_path"`
	HTTP        HTTPConfig `mapstructure:"http"`
}

// IsDev reports whether in-process fallbacks (memory store, memory limiter) are permitted.
func (c AppConfig) IsDev() bool {
	return c.Env == "dev" || c.Env == "test"
}

// NewViper returns a viper instance reading VGX_* env vars and the optional config file.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = "config.yaml"
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isMissingFile(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func Load(path string) (*AppConfig, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.HTTP.Port <= 0 {
		return nil, fmt.Errorf("http.port must be positive")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "vgx-service")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
}

// viper reports an explicit SetConfigFile path that does not exist as a plain fs error.
func isMissingFile(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such file") || strings.Contains(msg, "cannot find the file")
}
