package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"Patron-Relay/internal/auth"
)

// Config is the daemon configuration loaded at startup.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Metrics      MetricsConfig      `json:"metrics"`
	Chain        ChainConfig        `json:"chain"`
	Storage      StorageConfig      `json:"storage"`
	Queue        QueueConfig        `json:"queue"`
	Sponsor      SponsorConfig      `json:"sponsor"`
	Verification VerificationConfig `json:"verification"`
	Auth         auth.Config        `json:"auth"`
	Alerting     AlertingConfig     `json:"alerting"`
	Log          LogConfig          `json:"log"`
}

// AlertingConfig wires incident notifications. An empty webhook URL disables
// alert delivery.
type AlertingConfig struct {
	SlackWebhookURL string `json:"slack_webhook_url"`
	SlackChannel    string `json:"slack_channel"`
}

// ServerConfig controls the REST listener.
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig controls the standalone metrics listener. An empty address
// keeps metrics on the main API server only.
type MetricsConfig struct {
	Address string `json:"address"`
}

// ChainConfig selects the execution backend and the relay identity.
type ChainConfig struct {
	Driver      string         `json:"driver"`
	ChainID     int64          `json:"chain_id"`
	RelayKeyHex string         `json:"relay_key_hex"`
	Ethereum    EthereumConfig `json:"ethereum"`
}

// EthereumConfig holds the JSON-RPC endpoints used by the ethereum driver.
type EthereumConfig struct {
	Name                  string `json:"name"`
	RPCURL                string `json:"rpc_url"`
	BatchRPCURL           string `json:"batch_rpc_url"`
	ReceiptTimeoutSeconds int    `json:"receipt_timeout_seconds"`
	PollIntervalMillis    int    `json:"poll_interval_ms"`
}

// StorageConfig selects where account state, policies and submissions live.
type StorageConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig describes the MySQL connection pool.
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleSeconds     int    `json:"conn_max_idle_seconds"`
}

// QueueConfig selects the submission queue backend.
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig describes the Redis list queue.
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig describes the RabbitMQ queue.
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// SponsorConfig tunes admission and submission processing.
type SponsorConfig struct {
	PolicySeedPath        string `json:"policy_seed_path"`
	Workers               int    `json:"workers"`
	MaxRetries            int    `json:"max_retries"`
	ExecuteTimeoutSeconds int    `json:"execute_timeout_seconds"`
}

// VerificationConfig points at the static identity catalogue. An empty path
// disables verification gating.
type VerificationConfig struct {
	IdentitiesPath string `json:"identities_path"`
}

// LogConfig controls application and audit logging.
type LogConfig struct {
	Level           string `json:"level"`
	Format          string `json:"format"`
	Output          string `json:"output"`
	AddSource       bool   `json:"add_source"`
	AuditEnabled    bool   `json:"audit_enabled"`
	AuditPath       string `json:"audit_path"`
	AuditMaxSizeMB  int    `json:"audit_max_size_mb"`
	AuditMaxBackups int    `json:"audit_max_backups"`
	AuditMaxAgeDays int    `json:"audit_max_age_days"`
}

// Load parses the JSON configuration file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("configuration path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open configuration file: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read configuration file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults fills in values the operator left unset.
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Chain.Driver == "" {
		c.Chain.Driver = "memory"
	}
	if c.Chain.ChainID == 0 {
		c.Chain.ChainID = 1337
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 128
	}

	if c.Sponsor.Workers <= 0 {
		c.Sponsor.Workers = 4
	}
	if c.Sponsor.MaxRetries <= 0 {
		c.Sponsor.MaxRetries = 3
	}
	if c.Sponsor.ExecuteTimeoutSeconds <= 0 {
		c.Sponsor.ExecuteTimeoutSeconds = 30
	}
	if c.Sponsor.PolicySeedPath != "" && !filepath.IsAbs(c.Sponsor.PolicySeedPath) {
		c.Sponsor.PolicySeedPath = filepath.Join(baseDir, c.Sponsor.PolicySeedPath)
	}

	if c.Verification.IdentitiesPath != "" && !filepath.IsAbs(c.Verification.IdentitiesPath) {
		c.Verification.IdentitiesPath = filepath.Join(baseDir, c.Verification.IdentitiesPath)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.AuditEnabled && c.Log.AuditPath == "" {
		c.Log.AuditPath = filepath.Join(baseDir, "audit.log")
	}
}
