package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	base "github.com/AfshinJalili/vgx/libs/config"
	"github.com/spf13/viper"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type KafkaTopics struct {
	TradesCreated   string
	TradesAccepted  string
	TradesDeclined  string
	TradesCancelled string
	TradesExpired   string
	DeadLetter      string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topics  KafkaTopics
}

type RateLimit struct {
	Limit  int
	Window time.Duration
}

type TradingConfig struct {
	TradeTTL       time.Duration
	SweepInterval  time.Duration
	SweepTimeout   time.Duration
	SweepBatchSize int
	CreateLimit    RateLimit
	RespondLimit   RateLimit
}

type ValuationConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

type Config struct {
	App       base.AppConfig
	Storage   string
	DB        DBConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Trading   TradingConfig
	Valuation ValuationConfig
	JWT       JWTConfig
}

// JWTConfig describes the access tokens accepted by the API. Empty Issuer or Role skips that check.
type JWTConfig struct {
	Secret string
	Issuer string
	Role   string
}

func Load() (*Config, error) {
	return LoadFile(os.Getenv(base.EnvPrefix + "_CONFIG"))
}

func LoadFile(path string) (*Config, error) {
	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}
	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	cfg := &Config{
		App:     *appCfg,
		Storage: strings.ToLower(strings.TrimSpace(v.GetString("storage"))),
		DB: DBConfig{
			Host:     v.GetString("db.host"),
			Port:     v.GetInt("db.port"),
			Name:     v.GetString("db.name"),
			User:     v.GetString("db.user"),
			Password: v.GetString("db.password"),
			SSLMode:  v.GetString("db.sslmode"),
			MaxConns: v.GetInt32("db.max_conns"),
		},
		Redis: RedisConfig{
			Addr:      v.GetString("redis.addr"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
		},
		Kafka: KafkaConfig{
			Enabled: v.GetBool("kafka.enabled"),
			Brokers: splitCSV(v.GetStringSlice("kafka.brokers")),
			Topics: KafkaTopics{
				TradesCreated:   v.GetString("kafka.topics.trades_created"),
				TradesAccepted:  v.GetString("kafka.topics.trades_accepted"),
				TradesDeclined:  v.GetString("kafka.topics.trades_declined"),
				TradesCancelled: v.GetString("kafka.topics.trades_cancelled"),
				TradesExpired:   v.GetString("kafka.topics.trades_expired"),
				DeadLetter:      v.GetString("kafka.topics.dead_letter"),
			},
		},
		Trading: TradingConfig{
			TradeTTL:       v.GetDuration("trading.trade_ttl"),
			SweepInterval:  v.GetDuration("trading.sweep_interval"),
			SweepTimeout:   v.GetDuration("trading.sweep_timeout"),
			SweepBatchSize: v.GetInt("trading.sweep_batch_size"),
			CreateLimit: RateLimit{
				Limit:  v.GetInt("rate_limit.create.limit"),
				Window: v.GetDuration("rate_limit.create.window"),
			},
			RespondLimit: RateLimit{
				Limit:  v.GetInt("rate_limit.respond.limit"),
				Window: v.GetDuration("rate_limit.respond.window"),
			},
		},
		Valuation: ValuationConfig{
			CacheSize: v.GetInt("valuation.cache_size"),
			CacheTTL:  v.GetDuration("valuation.cache_ttl"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt_secret"),
			Issuer: v.GetString("jwt_issuer"),
			Role:   v.GetString("jwt_role"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage", StoragePostgres)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "vgx")
	v.SetDefault("db.user", "vgx")
	v.SetDefault("db.password", "vgx")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "vgx:trading:rl:")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topics.trades_created", "trades.created")
	v.SetDefault("kafka.topics.trades_accepted", "trades.accepted")
	v.SetDefault("kafka.topics.trades_declined", "trades.declined")
	v.SetDefault("kafka.topics.trades_cancelled", "trades.cancelled")
	v.SetDefault("kafka.topics.trades_expired", "trades.expired")
	v.SetDefault("kafka.topics.dead_letter", "dead_letter")
	v.SetDefault("trading.trade_ttl", "168h")
	v.SetDefault("trading.sweep_interval", "1m")
	v.SetDefault("trading.sweep_timeout", "30s")
	v.SetDefault("trading.sweep_batch_size", 200)
	v.SetDefault("rate_limit.create.limit", 10)
	v.SetDefault("rate_limit.create.window", "1m")
	v.SetDefault("rate_limit.respond.limit", 30)
	v.SetDefault("rate_limit.respond.window", "1m")
	v.SetDefault("valuation.cache_size", 1024)
	v.SetDefault("valuation.cache_ttl", "5m")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_issuer", "vgx-auth")
	v.SetDefault("jwt_role", "player")
}

func (c *Config) validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DB.Port <= 0 {
			return fmt.Errorf("db.port must be positive")
		}
	case StorageMemory:
		if !c.App.IsDev() {
			return fmt.Errorf("storage=memory is only allowed in dev or test, env is %q", c.App.Env)
		}
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt_secret required")
	}
	if c.Redis.Addr == "" && !c.App.IsDev() {
		return fmt.Errorf("redis.addr required outside dev")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		t := c.Kafka.Topics
		if t.TradesCreated == "" || t.TradesAccepted == "" || t.TradesDeclined == "" || t.TradesCancelled == "" || t.TradesExpired == "" {
			return fmt.Errorf("kafka topics required")
		}
	}
	if c.Trading.TradeTTL <= 0 {
		return fmt.Errorf("trading.trade_ttl must be positive")
	}
	if c.Trading.SweepBatchSize <= 0 {
		return fmt.Errorf("trading.sweep_batch_size must be positive")
	}
	for name, rl := range map[string]RateLimit{"create": c.Trading.CreateLimit, "respond": c.Trading.RespondLimit} {
		if rl.Limit < 0 || (rl.Limit > 0 && rl.Window <= 0) {
			return fmt.Errorf("rate_limit.%s needs a non-negative limit and a positive window", name)
		}
	}
	if c.Valuation.CacheSize <= 0 {
		return fmt.Errorf("valuation.cache_size must be positive")
	}
	return nil
}

// splitCSV accepts both YAML lists and a single comma separated env value.
func splitCSV(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
