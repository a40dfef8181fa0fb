package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Redis    RedisConfig    `json:"redis"`
	NATS     NATSConfig     `json:"nats"`
	Alerting AlertingConfig `json:"alerting"`
}

type ServerConfig struct {
	BindAddr        string `json:"bindAddr"`
	AdminToken      string `json:"adminToken"`
	ShutdownTimeout string `json:"shutdownTimeout"` // e.g. "30s"
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
	// EnsureSchema creates the alerting tables on startup when missing.
	EnsureSchema bool `json:"ensureSchema"`
}

// DSN renders the lib/pq keyword/value connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// URL renders the same connection as a postgres:// URL, the form pgxpool expects.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level string `json:"level"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type NATSConfig struct {
	URL           string `json:"url"`           // empty disables incident events
	SubjectPrefix string `json:"subjectPrefix"` // e.g. "alerting.incident"
}

type AlertingConfig struct {
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Notify     NotifyConfig     `json:"notify"`
	Prometheus PrometheusConfig `json:"prometheus"`
	Ruleset    RulesetConfig    `json:"ruleset"`
	Receiver   ReceiverConfig   `json:"receiver"`
}

type SchedulerConfig struct {
	Interval           string `json:"interval"`    // e.g. "30s"
	EvalTimeout        string `json:"evalTimeout"` // per-rule evaluation timeout
	MaxConcurrentEvals int    `json:"maxConcurrentEvals"`
}

type NotifyConfig struct {
	MaxConcurrentNotifications int        `json:"maxConcurrentNotifications"`
	QueueSize                  int        `json:"queueSize"`
	MaxRetryAttempts           int        `json:"maxRetryAttempts"`
	BaseDelay                  string     `json:"baseDelay"`         // e.g. "5s"
	RetryPollInterval          string     `json:"retryPollInterval"` // e.g. "1s"
	DeliveryTimeout            string     `json:"deliveryTimeout"`   // per-attempt timeout
	ChannelCacheTTL            string     `json:"channelCacheTTL"`
	ChannelCacheSize           int        `json:"channelCacheSize"`
	SMTP                       SMTPConfig `json:"smtp"`
	SMSGatewayURL              string     `json:"smsGatewayURL"`
	SMSGatewayToken            string     `json:"smsGatewayToken"`
	PagerDutyURL               string     `json:"pagerDutyURL"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

type PrometheusConfig struct {
	URL            string `json:"url"` // empty disables the Prometheus metric source
	QueryTimeout   string `json:"queryTimeout"`
	BaselineWindow string `json:"baselineWindow"` // range used for mean/stddev, e.g. "1h"
}

type RulesetConfig struct {
	BootstrapFile string `json:"bootstrapFile"` // YAML file with channels and rules
	CacheTTL      string `json:"cacheTTL"`
	// WatchChanges listens for rule edits made by other replicas (postgres LISTEN).
	WatchChanges bool `json:"watchChanges"`
}

type ReceiverConfig struct {
	Bearer          string `json:"bearer"`
	IdempotencyTTL  string `json:"idempotencyTTL"`
	TriggerOnIngest bool   `json:"triggerOnIngest"`
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()
	return LoadFile(*configFile)
}

// LoadFile builds the config from env defaults, then overlays the JSON file at path when non-empty.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			BindAddr:        getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			AdminToken:      getEnv("SERVER_ADMIN_TOKEN", ""),
			ShutdownTimeout: getEnv("SERVER_SHUTDOWN_TIMEOUT", "30s"),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "admin"),
			Password:     getEnv("DB_PASSWORD", "password"),
			DBName:       getEnv("DB_NAME", "alertcore"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			EnsureSchema: getEnvBool("DB_ENSURE_SCHEMA", true),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "alerting.incident"),
		},
		Alerting: AlertingConfig{
			Scheduler: SchedulerConfig{
				Interval:           getEnv("ALERT_EVAL_INTERVAL", "30s"),
				EvalTimeout:        getEnv("ALERT_EVAL_TIMEOUT", "10s"),
				MaxConcurrentEvals: getEnvInt("ALERT_EVAL_CONCURRENCY", 8),
			},
			Notify: NotifyConfig{
				MaxConcurrentNotifications: getEnvInt("NOTIFY_WORKERS", 4),
				QueueSize:                  getEnvInt("NOTIFY_QUEUE_SIZE", 1024),
				MaxRetryAttempts:           getEnvInt("NOTIFY_MAX_RETRY_ATTEMPTS", 3),
				BaseDelay:                  getEnv("NOTIFY_BASE_DELAY", "5s"),
				RetryPollInterval:          getEnv("NOTIFY_RETRY_POLL_INTERVAL", "1s"),
				DeliveryTimeout:            getEnv("NOTIFY_DELIVERY_TIMEOUT", "10s"),
				ChannelCacheTTL:            getEnv("NOTIFY_CHANNEL_CACHE_TTL", "1m"),
				ChannelCacheSize:           getEnvInt("NOTIFY_CHANNEL_CACHE_SIZE", 256),
				SMTP: SMTPConfig{
					Host:     getEnv("SMTP_HOST", ""),
					Port:     getEnvInt("SMTP_PORT", 587),
					Username: getEnv("SMTP_USERNAME", ""),
					Password: getEnv("SMTP_PASSWORD", ""),
					From:     getEnv("SMTP_FROM", "alertcore@localhost"),
				},
				SMSGatewayURL:   getEnv("SMS_GATEWAY_URL", ""),
				SMSGatewayToken: getEnv("SMS_GATEWAY_TOKEN", ""),
				PagerDutyURL:    getEnv("PAGERDUTY_EVENTS_URL", "https://events.pagerduty.com/v2/enqueue"),
			},
			Prometheus: PrometheusConfig{
				URL:            getEnv("PROMETHEUS_URL", ""),
				QueryTimeout:   getEnv("PROMETHEUS_QUERY_TIMEOUT", "10s"),
				BaselineWindow: getEnv("PROMETHEUS_BASELINE_WINDOW", "1h"),
			},
			Ruleset: RulesetConfig{
				BootstrapFile: getEnv("ALERT_BOOTSTRAP_FILE", ""),
				CacheTTL:      getEnv("ALERT_RULES_CACHE_TTL", "1m"),
				WatchChanges:  getEnvBool("ALERT_RULES_WATCH_CHANGES", true),
			},
			Receiver: ReceiverConfig{
				Bearer:          getEnv("ALERT_INGEST_BEARER", ""),
				IdempotencyTTL:  getEnv("ALERT_INGEST_IDEMPOTENCY_TTL", "10m"),
				TriggerOnIngest: getEnvBool("ALERT_INGEST_TRIGGER", true),
			},
		},
	}

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			log.Error().Err(err).Str("file", path).Msg("load config file failed")
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Server.ShutdownTimeout == "" {
		cfg.Server.ShutdownTimeout = "30s"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "alerting.incident"
	}
	sc := &cfg.Alerting.Scheduler
	if sc.Interval == "" {
		sc.Interval = "30s"
	}
	if sc.EvalTimeout == "" {
		sc.EvalTimeout = "10s"
	}
	if sc.MaxConcurrentEvals <= 0 {
		sc.MaxConcurrentEvals = 8
	}
	nc := &cfg.Alerting.Notify
	if nc.MaxConcurrentNotifications <= 0 {
		nc.MaxConcurrentNotifications = 4
	}
	if nc.QueueSize <= 0 {
		nc.QueueSize = 1024
	}
	if nc.MaxRetryAttempts <= 0 {
		nc.MaxRetryAttempts = 3
	}
	if nc.BaseDelay == "" {
		nc.BaseDelay = "5s"
	}
	if nc.RetryPollInterval == "" {
		nc.RetryPollInterval = "1s"
	}
	if nc.DeliveryTimeout == "" {
		nc.DeliveryTimeout = "10s"
	}
	if nc.ChannelCacheTTL == "" {
		nc.ChannelCacheTTL = "1m"
	}
	if nc.ChannelCacheSize <= 0 {
		nc.ChannelCacheSize = 256
	}
	if nc.PagerDutyURL == "" {
		nc.PagerDutyURL = "https://events.pagerduty.com/v2/enqueue"
	}
	if cfg.Alerting.Prometheus.QueryTimeout == "" {
		cfg.Alerting.Prometheus.QueryTimeout = "10s"
	}
	if cfg.Alerting.Prometheus.BaselineWindow == "" {
		cfg.Alerting.Prometheus.BaselineWindow = "1h"
	}
	if cfg.Alerting.Ruleset.CacheTTL == "" {
		cfg.Alerting.Ruleset.CacheTTL = "1m"
	}
	if cfg.Alerting.Receiver.IdempotencyTTL == "" {
		cfg.Alerting.Receiver.IdempotencyTTL = "10m"
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
