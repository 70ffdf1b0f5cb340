package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bidaskflow BidaskflowConfig `yaml:"bidaskflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Health     HealthConfig     `yaml:"health"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Ops        OpsConfig        `yaml:"ops"`
}

type BidaskflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string                 `yaml:"level"`
	Format string                 `yaml:"format"`
	Output string                 `yaml:"output"`
	MaxAge int                    `yaml:"max_age"`
	Fields map[string]interface{} `yaml:"fields"`
}

type ExchangeConfig struct {
	URL      string         `yaml:"url"`
	Channels []string       `yaml:"channels"`
	Symbols  []SymbolConfig `yaml:"symbols"`
}

// SymbolConfig carries the per-market denomination table. Raw feed values
// are decimal strings in display units; PriceDecimals and SizeDecimals say
// how many fractional digits the base (integer) denomination keeps, e.g.
// USD -> microUSD is 6, HASH -> nanoHASH is 9.
type SymbolConfig struct {
	Symbol               string `yaml:"symbol"`
	Name                 string `yaml:"name"`
	BasePriceDenom       string `yaml:"base_price_denom"`
	BaseSizeDenom        string `yaml:"base_size_denom"`
	DisplayPriceDenom    string `yaml:"display_price_denom"`
	DisplaySizeDenom     string `yaml:"display_size_denom"`
	PriceDecimals        int    `yaml:"price_decimals"`
	SizeDecimals         int    `yaml:"size_decimals"`
	DisplayPriceDecimals int    `yaml:"display_price_decimals"`
	DisplaySizeDecimals  int    `yaml:"display_size_decimals"`
}

type ConnectionConfig struct {
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepaliveTimeout  time.Duration `yaml:"keepalive_timeout"`
	StreamingGrace    time.Duration `yaml:"streaming_grace"`
	ReadBufferBytes   int           `yaml:"read_buffer_bytes"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	Base   time.Duration `yaml:"base"`
	Max    time.Duration `yaml:"max"`
	Jitter time.Duration `yaml:"jitter"`
}

type HealthConfig struct {
	TickInterval time.Duration   `yaml:"tick_interval"`
	MaxQuiet     time.Duration   `yaml:"max_quiet"`
	Heartbeat    HeartbeatConfig `yaml:"heartbeat"`
}

type HeartbeatConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxMisses int           `yaml:"max_misses"`
}

type ChannelsConfig struct {
	RecordBuffer int `yaml:"record_buffer"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	Enabled      bool          `yaml:"enabled"`
	DSN          string        `yaml:"dsn"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	KeyTemplate     string        `yaml:"key_template"`
	Compression     string        `yaml:"compression"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
	Alerts         AlertsConfig     `yaml:"alerts"`
}

type CloudWatchConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Namespace     string        `yaml:"namespace"`
	Region        string        `yaml:"region"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type AlertsConfig struct {
	WebhookURL           string        `yaml:"webhook_url"`
	Cooldown             time.Duration `yaml:"cooldown"`
	MaxFailedConnections int64         `yaml:"max_failed_connections"`
	MaxQuiet             time.Duration `yaml:"max_quiet"`
	MaxHeartbeatMisses   int           `yaml:"max_heartbeat_misses"`
}

type OpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			MaxAge: 7,
		},
		Exchange: ExchangeConfig{
			Channels: []string{"ORDER_BOOK", "TRADES"},
		},
		Connection: ConnectionConfig{
			HandshakeTimeout:  10 * time.Second,
			KeepaliveInterval: 20 * time.Second,
			KeepaliveTimeout:  10 * time.Second,
			StreamingGrace:    30 * time.Second,
			Backoff: BackoffConfig{
				Base:   time.Second,
				Max:    60 * time.Second,
				Jitter: 2 * time.Second,
			},
		},
		Health: HealthConfig{
			TickInterval: 5 * time.Second,
			MaxQuiet:     90 * time.Second,
			Heartbeat: HeartbeatConfig{
				Timeout:   30 * time.Second,
				MaxMisses: 5,
			},
		},
		Channels: ChannelsConfig{
			RecordBuffer: 1024,
		},
		Storage: StorageConfig{
			Postgres: PostgresConfig{
				BatchSize:    64,
				BatchTimeout: 5 * time.Second,
			},
			S3: S3Config{
				KeyTemplate:   "bidaskflow/{kind}/{symbol}/{year}/{month}/{day}/{hour}/{timestamp}.parquet",
				Compression:   "snappy",
				FlushInterval: 60 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			ReportInterval: 30 * time.Second,
			CloudWatch: CloudWatchConfig{
				Namespace:     "Bidaskflow",
				FlushInterval: time.Minute,
			},
			Alerts: AlertsConfig{
				Cooldown:             5 * time.Minute,
				MaxFailedConnections: 5,
				MaxQuiet:             10 * time.Minute,
				MaxHeartbeatMisses:   5,
			},
		},
		Ops: OpsConfig{
			Addr: ":8080",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override settings from environment variables if available
	if v := os.Getenv("BIDASKFLOW_WS_URL"); v != "" {
		config.Exchange.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Storage.Postgres.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		config.Metrics.Alerts.WebhookURL = strings.TrimSpace(v)
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Exchange.URL = strings.TrimSpace(config.Exchange.URL)

	// The displayed price keeps three fractional digits unless a market
	// says otherwise; displayed sizes default to whole units.
	for i := range config.Exchange.Symbols {
		if config.Exchange.Symbols[i].DisplayPriceDecimals <= 0 {
			config.Exchange.Symbols[i].DisplayPriceDecimals = 3
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Symbol looks up the denomination table for a market symbol.
func (e *ExchangeConfig) Symbol(symbol string) (SymbolConfig, bool) {
	for _, s := range e.Symbols {
		if s.Symbol == symbol {
			return s, true
		}
	}
	return SymbolConfig{}, false
}

func validateConfig(cfg *Config) error {
	if cfg.Bidaskflow.Name == "" {
		return fmt.Errorf("bidaskflow.name is required")
	}

	if cfg.Bidaskflow.Version == "" {
		return fmt.Errorf("bidaskflow.version is required")
	}

	if cfg.Exchange.URL == "" {
		return fmt.Errorf("exchange.url is required")
	}
	if !strings.HasPrefix(cfg.Exchange.URL, "ws://") && !strings.HasPrefix(cfg.Exchange.URL, "wss://") {
		return fmt.Errorf("exchange.url must be a ws:// or wss:// endpoint")
	}

	if len(cfg.Exchange.Symbols) == 0 {
		return fmt.Errorf("exchange.symbols must list at least one market")
	}
	seen := make(map[string]struct{}, len(cfg.Exchange.Symbols))
	for _, s := range cfg.Exchange.Symbols {
		if s.Symbol == "" {
			return fmt.Errorf("exchange.symbols entries require a symbol")
		}
		if _, dup := seen[s.Symbol]; dup {
			return fmt.Errorf("exchange.symbols lists '%s' more than once", s.Symbol)
		}
		seen[s.Symbol] = struct{}{}
		if s.PriceDecimals < 0 || s.SizeDecimals < 0 {
			return fmt.Errorf("exchange.symbols '%s' has negative denomination decimals", s.Symbol)
		}
	}

	if len(cfg.Exchange.Channels) == 0 {
		return fmt.Errorf("exchange.channels must list at least one channel")
	}
	for _, ch := range cfg.Exchange.Channels {
		if ch != "ORDER_BOOK" && ch != "TRADES" {
			return fmt.Errorf("exchange.channels '%s' is not a known channel", ch)
		}
	}

	if cfg.Connection.Backoff.Base <= 0 {
		return fmt.Errorf("connection.backoff.base must be greater than 0")
	}
	if cfg.Connection.Backoff.Max < cfg.Connection.Backoff.Base {
		return fmt.Errorf("connection.backoff.max must be at least connection.backoff.base")
	}
	if cfg.Connection.KeepaliveInterval <= 0 {
		return fmt.Errorf("connection.keepalive_interval must be greater than 0")
	}

	if cfg.Health.TickInterval <= 0 {
		return fmt.Errorf("health.tick_interval must be greater than 0")
	}
	if cfg.Health.MaxQuiet <= 0 {
		return fmt.Errorf("health.max_quiet must be greater than 0")
	}
	if cfg.Health.Heartbeat.Enabled {
		if cfg.Health.Heartbeat.Timeout <= 0 {
			return fmt.Errorf("health.heartbeat.timeout must be greater than 0 when enabled")
		}
		if cfg.Health.Heartbeat.MaxMisses <= 0 {
			return fmt.Errorf("health.heartbeat.max_misses must be greater than 0 when enabled")
		}
	}

	if cfg.Channels.RecordBuffer <= 0 {
		return fmt.Errorf("channels.record_buffer must be greater than 0")
	}

	if cfg.Storage.Postgres.Enabled {
		if cfg.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when postgres is enabled")
		}
		if cfg.Storage.Postgres.BatchSize <= 0 {
			return fmt.Errorf("storage.postgres.batch_size must be greater than 0")
		}
		if cfg.Storage.Postgres.BatchTimeout <= 0 {
			return fmt.Errorf("storage.postgres.batch_timeout must be greater than 0")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Storage.S3.FlushInterval <= 0 {
			return fmt.Errorf("storage.s3.flush_interval must be greater than 0")
		}
	}

	if cfg.Metrics.ReportInterval <= 0 {
		return fmt.Errorf("metrics.report_interval must be greater than 0")
	}
	if cfg.Metrics.Alerts.Cooldown <= 0 {
		return fmt.Errorf("metrics.alerts.cooldown must be greater than 0")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
