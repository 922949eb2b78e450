package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BILLING_POSTGRES_DSN", "postgres://localhost/billing")
	t.Setenv("BILLING_JWT_SECRET", "jwt")
	t.Setenv("BILLING_FILES_SIGNING_KEY", "files")
	t.Setenv("BILLING_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("BILLING_DERIVED_SWEEP_INTERVAL", "30m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8083", cfg.HTTPAddress())
	assert.Equal(t, TransportMemory, cfg.Jobs.Transport)
	assert.Equal(t, 1000, cfg.Jobs.BatchSize)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Minute, cfg.Derived.SweepInterval)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  port: ":9000"
database:
  dsn: postgres://db/billing
auth:
  jwt_secret: s
files:
  signing_key: k
jobs:
  transport: redis
redis:
  addr: redis:6379
`), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddress())
	assert.Equal(t, TransportRedis, cfg.Jobs.Transport)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{}
		c.Database.DSN = "dsn"
		c.Auth.JWTSecret = "s"
		c.Files.SigningKey = "k"
		c.Jobs.Transport = TransportMemory
		return c
	}
	require.NoError(t, valid().Validate())

	c := valid()
	c.Database.DSN = ""
	assert.Error(t, c.Validate())

	c = valid()
	c.Jobs.Transport = TransportRabbitMQ
	assert.Error(t, c.Validate())

	c = valid()
	c.Jobs.Transport = "sqs"
	assert.Error(t, c.Validate())
}
