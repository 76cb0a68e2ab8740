package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrConfigurationMissing is returned when a setting required by a role is absent.
var ErrConfigurationMissing = errors.New("configuration missing")

// Role selects which required settings Validate enforces.
type Role string

const (
	RoleFilter    Role = "filter"
	RoleExtractor Role = "extractor"
)

// Config captures the full runtime configuration for an imagemeta process.
type Config struct {
	App      AppConfig
	HTTP     HTTPConfig
	Queue    QueueConfig
	Notify   NotifyConfig
	Consumer ConsumerConfig
	Kafka    KafkaConfig
	Storage  StorageConfig
	Output   OutputConfig
	Tracing  TracingConfig
}

type AppConfig struct {
	Name        string `env:"APP_NAME" envDefault:"imagemeta"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	Version     string `env:"APP_VERSION" envDefault:"0.1.0"`
	LogLevel    string `env:"APP_LOG_LEVEL" envDefault:"info"`
}

type HTTPConfig struct {
	Addr         string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	MaxBodyBytes int64         `env:"HTTP_MAX_BODY_BYTES" envDefault:"10485760"`
}

type QueueConfig struct {
	URL string `env:"QUEUE_URL"`
}

type NotifyConfig struct {
	Source    string `env:"NOTIFY_SOURCE" envDefault:"webhook"`
	Bucket    string `env:"NOTIFY_BUCKET"`
	Prefix    string `env:"NOTIFY_PREFIX"`
	AuthToken string `env:"WEBHOOK_AUTH_TOKEN"`
}

type ConsumerConfig struct {
	Group        string        `env:"CONSUMER_GROUP" envDefault:"imagemeta-extractor"`
	BatchSize    int           `env:"CONSUMER_BATCH_SIZE" envDefault:"10"`
	Wait         time.Duration `env:"CONSUMER_WAIT" envDefault:"20s"`
	FailureMode  string        `env:"CONSUMER_FAILURE_MODE" envDefault:"batch"`
	MaxDeliver   int           `env:"CONSUMER_MAX_DELIVER" envDefault:"5"`
	RedriveDelay time.Duration `env:"CONSUMER_REDRIVE_DELAY" envDefault:"5s"`
}

type KafkaConfig struct {
	Retries          int           `env:"KAFKA_RETRIES" envDefault:"3"`
	CompressionCodec string        `env:"KAFKA_COMPRESSION_CODEC" envDefault:"snappy"`
	BatchSize        int           `env:"KAFKA_BATCH_SIZE" envDefault:"1"`
	BatchTimeout     time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"10ms"`
}

type StorageConfig struct {
	Provider  string `env:"STORAGE_PROVIDER" envDefault:"minio"`
	Endpoint  string `env:"STORAGE_ENDPOINT" envDefault:"localhost:9000"`
	Region    string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	AccessKey string `env:"STORAGE_ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey string `env:"STORAGE_SECRET_KEY" envDefault:"minioadmin"`
	UseSSL    bool   `env:"STORAGE_USE_SSL" envDefault:"false"`
	PathStyle bool   `env:"STORAGE_PATH_STYLE" envDefault:"true"`
}

type OutputConfig struct {
	Prefix string `env:"OUTPUT_PREFIX"`
}

type TracingConfig struct {
	Endpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1.0"`
	ResourceAttr string  `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:"service.namespace=imagemeta"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting the given role cannot start without.
func (c *Config) Validate(role Role) error {
	if c.Queue.URL == "" {
		return fmt.Errorf("%w: QUEUE_URL", ErrConfigurationMissing)
	}
	switch role {
	case RoleFilter:
		if c.Notify.Source == "listen" && c.Notify.Bucket == "" {
			return fmt.Errorf("%w: NOTIFY_BUCKET", ErrConfigurationMissing)
		}
	case RoleExtractor:
		if c.Output.Prefix == "" {
			return fmt.Errorf("%w: OUTPUT_PREFIX", ErrConfigurationMissing)
		}
		switch c.Consumer.FailureMode {
		case "batch", "partial":
		default:
			return fmt.Errorf("unsupported CONSUMER_FAILURE_MODE: %s", c.Consumer.FailureMode)
		}
	default:
		return fmt.Errorf("unknown role: %s", role)
	}
	return nil
}
