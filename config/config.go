package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	HandOff  HandOffConfig  `yaml:"handoff"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	DeliveryChangedTopicName string `yaml:"delivery_changed_topic_name"`
	OrderChangedTopicName    string `yaml:"order_changed_topic_name"`
	NotificationsTopicName   string `yaml:"notifications_topic_name"`
	LocationTopicName        string `yaml:"location_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type HandOffConfig struct {
	APIHTTPAddr     string `yaml:"api_http_addr"`
	SessionHTTPAddr string `yaml:"session_http_addr"`
	BackendBaseURL  string `yaml:"backend_base_url"`

	// Driver session (driver-session binary).
	DriverID         string `yaml:"driver_id"`
	IncludeAvailable bool   `yaml:"include_available"`
	ConsumerGroup    string `yaml:"consumer_group"`

	ClaimRateLimitPerMinute int `yaml:"claim_rate_limit_per_minute"`

	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`
	ReconcileBatchSize       int `yaml:"reconcile_batch_size"`

	DriverStaleSeconds      int `yaml:"driver_stale_seconds"`
	DelayGuardTTLSeconds    int `yaml:"delay_guard_ttl_seconds"`
	EtaMaxWidthMinutes      int `yaml:"eta_max_width_minutes"`
	EtaMinLeadSeconds       int `yaml:"eta_min_lead_seconds"`
	EtaRecencyWindowMinutes int `yaml:"eta_recency_window_minutes"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

// PostgresDSN builds the pgx connection string, defaulting sslmode to disable.
func (c *Config) PostgresDSN() string {
	sslMode := c.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.DBName, sslMode)
}

func (c *Config) KafkaBrokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Kafka.Host, c.Kafka.Port)}
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
