package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  delivery_changed_topic_name: "delivery.changed"
  order_changed_topic_name: "order.changed"
  location_topic_name: "driver.location"
redis:
  host: "localhost"
  port: 6379
handoff:
  api_http_addr: ":8080"
  driver_id: "driver-a"
  include_available: true
  driver_stale_seconds: 300
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "delivery.changed", cfg.Kafka.DeliveryChangedTopicName)
	require.Equal(t, "driver.location", cfg.Kafka.LocationTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, ":8080", cfg.HandOff.APIHTTPAddr)
	require.Equal(t, "driver-a", cfg.HandOff.DriverID)
	require.True(t, cfg.HandOff.IncludeAvailable)
	require.Equal(t, 300, cfg.HandOff.DriverStaleSeconds)

	require.Equal(t, "postgres://u:p@localhost:5432/db?sslmode=disable", cfg.PostgresDSN())
	require.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers())
	require.Equal(t, "localhost:6379", cfg.RedisAddr())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
