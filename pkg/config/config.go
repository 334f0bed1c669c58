package config

import "time"

type Config struct {
	App            AppConfig            `mapstructure:"app"`
	ChargePoint    ChargePointConfig    `mapstructure:"charge_point"`
	OCPP           OCPPConfig           `mapstructure:"ocpp"`
	Transaction    TransactionConfig    `mapstructure:"transaction"`
	Clock          ClockConfig          `mapstructure:"clock"`
	HTTP           HTTPConfig           `mapstructure:"http"`
	Storage        StorageConfig        `mapstructure:"storage"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Queue          QueueConfig          `mapstructure:"queue"`
	NATS           NATSConfig           `mapstructure:"nats"`
	RabbitMQ       RabbitMQConfig       `mapstructure:"rabbitmq"`
	OpenTelemetry  OpenTelemetryConfig  `mapstructure:"opentelemetry"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	CORS           CORSConfig           `mapstructure:"cors"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ChargePointConfig identifies this charger to the central system.
type ChargePointConfig struct {
	ID              string `mapstructure:"id"`
	Vendor          string `mapstructure:"vendor"`
	Model           string `mapstructure:"model"`
	SerialNumber    string `mapstructure:"serial_number"`
	FirmwareVersion string `mapstructure:"firmware_version"`
	Connectors      int    `mapstructure:"connectors"`
}

type OCPPConfig struct {
	CentralSystemURL string        `mapstructure:"central_system_url"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	ReconnectWait    time.Duration `mapstructure:"reconnect_wait"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

type TransactionConfig struct {
	ResponseTimeout    time.Duration `mapstructure:"response_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	RetransmitInterval time.Duration `mapstructure:"retransmit_interval"`
	RetransmitBurst    int           `mapstructure:"retransmit_burst"`
}

type ClockConfig struct {
	// TrustSystemTime synchronizes the clock from the host at startup when
	// the host time is plausible, instead of waiting for BootNotification.
	TrustSystemTime bool `mapstructure:"trust_system_time"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type StorageConfig struct {
	Driver     string `mapstructure:"driver"` // sqlite | postgres
	SQLitePath string `mapstructure:"sqlite_path"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

type CacheConfig struct {
	Driver           string        `mapstructure:"driver"` // local | redis
	Prefix           string        `mapstructure:"prefix"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	AuthorizationTTL time.Duration `mapstructure:"authorization_ttl"`
	PendingTTL       time.Duration `mapstructure:"pending_ttl"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type QueueConfig struct {
	Driver        string `mapstructure:"driver"` // "" | nats | rabbitmq
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type RabbitMQConfig struct {
	URL string `mapstructure:"url"`
}

type OpenTelemetryConfig struct {
	Enabled     bool         `mapstructure:"enabled"`
	Jaeger      JaegerConfig `mapstructure:"jaeger"`
	ServiceName string       `mapstructure:"service_name"`
}

type JaegerConfig struct {
	Endpoint     string  `mapstructure:"endpoint"`
	SamplerParam float64 `mapstructure:"sampler_param"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxRequests      int           `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
}

// QueueURL returns the broker URL for the configured queue driver.
func (c *Config) QueueURL() string {
	switch c.Queue.Driver {
	case "nats":
		return c.NATS.URL
	case "rabbitmq", "amqp":
		return c.RabbitMQ.URL
	default:
		return ""
	}
}
