package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Valuation ValuationConfig `mapstructure:"valuation"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Cron      CronConfig      `mapstructure:"cron"`
}

type AppConfig struct {
	Env string `mapstructure:"env" validate:"required"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding" validate:"oneof=json console"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`

	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
}

// StorageConfig selects the repository backend. "memory" keeps everything in
// process and is meant for local runs and tests.
type StorageConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=postgres memory"`
}

type CacheConfig struct {
	Backend   string        `mapstructure:"backend" validate:"oneof=memory redis none"`
	RedisAddr string        `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	RedisDB   int           `mapstructure:"redis_db"`
	Password  string        `mapstructure:"password"`
	TTL       time.Duration `mapstructure:"ttl" validate:"gt=0"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

type EngineConfig struct {
	Mode        string        `mapstructure:"mode" validate:"oneof=local http"`
	BaseURL     string        `mapstructure:"base_url" validate:"required_if=Mode http"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
	StreamURL   string        `mapstructure:"stream_url"`
	Workers     int           `mapstructure:"workers" validate:"gte=1"`
	CallbackURL string        `mapstructure:"callback_url"`
}

type ValuationConfig struct {
	MaxDispatchAttempts int           `mapstructure:"max_dispatch_attempts" validate:"gte=1"`
	DispatchTimeout     time.Duration `mapstructure:"dispatch_timeout" validate:"gt=0"`
	ReconcileBatch      int           `mapstructure:"reconcile_batch" validate:"gte=1"`
	LostRunTimeout      time.Duration `mapstructure:"lost_run_timeout" validate:"gt=0"`
}

type SnapshotConfig struct {
	MaxPublishAttempts int `mapstructure:"max_publish_attempts" validate:"gte=1"`
}

type CronConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	ValuationReconcile string `mapstructure:"valuation_reconcile"`
}

var validate = validator.New()

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEALBASE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("db.slow_query_threshold", "500ms")
	v.SetDefault("storage.backend", "postgres")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.key_prefix", "dealbase:")
	v.SetDefault("engine.mode", "local")
	v.SetDefault("engine.base_url", "")
	v.SetDefault("engine.timeout", "15s")
	v.SetDefault("engine.stream_url", "")
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.callback_url", "")
	v.SetDefault("valuation.max_dispatch_attempts", 5)
	v.SetDefault("valuation.dispatch_timeout", "10s")
	v.SetDefault("valuation.reconcile_batch", 100)
	v.SetDefault("valuation.lost_run_timeout", "10m")
	v.SetDefault("snapshot.max_publish_attempts", 5)
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.valuation_reconcile", "@every 15s")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Storage.Backend == "postgres" && strings.TrimSpace(c.DB.DSN) == "" {
		return fmt.Errorf("invalid config: db.dsn is required for storage backend postgres")
	}
	return nil
}
