package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultCentralSystemURL = "ws://echo.websocket.events"
	DefaultChargerID        = "charger-01"
)

func Load() (*Config, error) {
	return LoadFrom("./configs", ".", "/app/configs")
}

// LoadFrom reads config.yaml from the first of paths that has one, then
// applies environment overrides. A missing file is not an error.
func LoadFrom(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow common env vars without APP_ prefix for Docker/VM deploys
	v.BindEnv("ocpp.central_system_url", "CENTRAL_SYSTEM_URL", "APP_OCPP_CENTRAL_SYSTEM_URL")
	v.BindEnv("charge_point.id", "CHARGER_ID", "APP_CHARGE_POINT_ID")
	v.BindEnv("http.port", "HTTP_PORT", "APP_HTTP_PORT")
	v.BindEnv("database.url", "DATABASE_URL", "APP_DATABASE_URL")
	v.BindEnv("redis.url", "REDIS_URL", "APP_REDIS_URL")
	v.BindEnv("nats.url", "NATS_URL", "APP_NATS_URL")
	v.BindEnv("rabbitmq.url", "RABBITMQ_URL", "APP_RABBITMQ_URL")
	v.BindEnv("app.environment", "APP_ENVIRONMENT")
	v.BindEnv("logging.level", "LOG_LEVEL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "sigec-chargepoint")
	v.SetDefault("app.version", "v1.0.0")
	v.SetDefault("app.environment", "development")

	v.SetDefault("charge_point.id", DefaultChargerID)
	v.SetDefault("charge_point.vendor", "SIGEC")
	v.SetDefault("charge_point.model", "AC-22")
	v.SetDefault("charge_point.connectors", 2)

	v.SetDefault("ocpp.central_system_url", DefaultCentralSystemURL)
	v.SetDefault("ocpp.call_timeout", 30*time.Second)
	v.SetDefault("ocpp.reconnect_wait", 10*time.Second)
	v.SetDefault("ocpp.handshake_timeout", 15*time.Second)

	v.SetDefault("transaction.response_timeout", 30*time.Second)
	v.SetDefault("transaction.sweep_interval", 5*time.Second)
	v.SetDefault("transaction.retransmit_interval", 2*time.Second)
	v.SetDefault("transaction.retransmit_burst", 4)

	v.SetDefault("clock.trust_system_time", false)

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "data/chargepoint.db")
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("cache.driver", "local")
	v.SetDefault("cache.prefix", "chargepoint:")
	v.SetDefault("cache.cleanup_interval", time.Minute)
	v.SetDefault("cache.authorization_ttl", 24*time.Hour)
	v.SetDefault("cache.pending_ttl", 5*time.Minute)

	v.SetDefault("queue.subject_prefix", "chargepoint")

	v.SetDefault("opentelemetry.service_name", "sigec-chargepoint")
	v.SetDefault("opentelemetry.jaeger.sampler_param", 1.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("cors.allowed_origins", []string{"*"})

	v.SetDefault("circuit_breaker.enabled", true)
	v.SetDefault("circuit_breaker.max_requests", 3)
	v.SetDefault("circuit_breaker.interval", time.Minute)
	v.SetDefault("circuit_breaker.timeout", 30*time.Second)
	v.SetDefault("circuit_breaker.failure_threshold", 0.5)
}

// Validate rejects combinations the process cannot start with.
func (c *Config) Validate() error {
	if c.ChargePoint.ID == "" {
		return errors.New("charge_point.id is required")
	}
	if c.OCPP.CentralSystemURL == "" {
		return errors.New("ocpp.central_system_url is required")
	}
	if c.ChargePoint.Connectors < 1 {
		return fmt.Errorf("charge_point.connectors must be at least 1, got %d", c.ChargePoint.Connectors)
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Cache.Driver {
	case "local":
	case "redis":
		if c.Redis.URL == "" {
			return errors.New("redis.url is required for the redis cache driver")
		}
	default:
		return fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
	}

	switch c.Queue.Driver {
	case "", "nats", "rabbitmq", "amqp":
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}
	return nil
}
