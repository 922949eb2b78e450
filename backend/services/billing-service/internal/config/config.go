package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "meterbill/backend/libs/config"
)

// Transport kinds for the bill generation queue.
const (
	TransportMemory   = "memory"
	TransportRedis    = "redis"
	TransportRabbitMQ = "rabbitmq"
)

// Config defines billing service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"BILLING_HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		DSN          string `yaml:"dsn" env:"BILLING_POSTGRES_DSN"`
		MaxOpenConns int    `yaml:"max_open_conns" env:"BILLING_POSTGRES_MAX_OPEN_CONNS"`
		Migrate      bool   `yaml:"migrate" env:"BILLING_POSTGRES_MIGRATE"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr" env:"BILLING_REDIS_ADDR"`
		Password string `yaml:"password" env:"BILLING_REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"BILLING_REDIS_DB"`
	} `yaml:"redis"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret" env:"BILLING_JWT_SECRET"`
	} `yaml:"auth"`
	Jobs struct {
		Transport    string        `yaml:"transport" env:"BILLING_JOBS_TRANSPORT"`
		Concurrency  int           `yaml:"concurrency" env:"BILLING_JOBS_CONCURRENCY"`
		PollInterval time.Duration `yaml:"poll_interval" env:"BILLING_JOBS_POLL_INTERVAL"`
		RabbitMQURL  string        `yaml:"rabbitmq_url" env:"BILLING_RABBITMQ_URL"`
		BatchSize    int           `yaml:"batch_size" env:"BILLING_BATCH_SIZE"`
	} `yaml:"jobs"`
	Kafka struct {
		Brokers []string `yaml:"brokers" env:"BILLING_KAFKA_BROKERS"`
		Topic   string   `yaml:"topic" env:"BILLING_KAFKA_TOPIC"`
	} `yaml:"kafka"`
	Influx struct {
		URL    string `yaml:"url" env:"BILLING_INFLUX_URL"`
		Token  string `yaml:"token" env:"BILLING_INFLUX_TOKEN"`
		Org    string `yaml:"org" env:"BILLING_INFLUX_ORG"`
		Bucket string `yaml:"bucket" env:"BILLING_INFLUX_BUCKET"`
	} `yaml:"influx"`
	Files struct {
		Root       string        `yaml:"root" env:"BILLING_FILES_ROOT"`
		BaseURL    string        `yaml:"base_url" env:"BILLING_FILES_BASE_URL"`
		SigningKey string        `yaml:"signing_key" env:"BILLING_FILES_SIGNING_KEY"`
		URLTTL     time.Duration `yaml:"url_ttl" env:"BILLING_FILES_URL_TTL"`
	} `yaml:"files"`
	Renderer struct {
		URL     string        `yaml:"url" env:"BILLING_RENDERER_URL"`
		Timeout time.Duration `yaml:"timeout" env:"BILLING_RENDERER_TIMEOUT"`
	} `yaml:"renderer"`
	Derived struct {
		SweepInterval time.Duration `yaml:"sweep_interval" env:"BILLING_DERIVED_SWEEP_INTERVAL"`
	} `yaml:"derived"`
	WS struct {
		WriteTimeout time.Duration `yaml:"write_timeout" env:"BILLING_WS_WRITE_TIMEOUT"`
	} `yaml:"ws"`
}

// Load configuration from file/env.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Port = "8083"
	cfg.Jobs.Transport = TransportMemory
	cfg.Jobs.Concurrency = 2
	cfg.Jobs.PollInterval = 5 * time.Second
	cfg.Jobs.BatchSize = 1000
	cfg.Kafka.Topic = "billing-events"
	cfg.Files.Root = "./data/files"
	cfg.Files.BaseURL = "http://localhost:8083"
	cfg.Files.URLTTL = 15 * time.Minute
	cfg.Renderer.Timeout = 30 * time.Second
	cfg.Derived.SweepInterval = time.Hour
	cfg.WS.WriteTimeout = 10 * time.Second

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and combinations.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("config: database dsn required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("config: jwt secret required")
	}
	if strings.TrimSpace(c.Files.SigningKey) == "" {
		return errors.New("config: files signing key required")
	}
	switch c.Jobs.Transport {
	case TransportMemory:
	case TransportRedis:
		if c.Redis.Addr == "" {
			return errors.New("config: redis addr required for redis transport")
		}
	case TransportRabbitMQ:
		if c.Jobs.RabbitMQURL == "" {
			return errors.New("config: rabbitmq url required for rabbitmq transport")
		}
	default:
		return fmt.Errorf("config: unknown jobs transport %q", c.Jobs.Transport)
	}
	return nil
}

// HTTPAddress returns :port style string.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8083"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}
