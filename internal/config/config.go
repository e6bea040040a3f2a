// Package config defines the top-level configuration for the settlement
// engine service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ORACLEMARKET_* environment variables.
type Config struct {
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
	Log      LogConfig      `toml:"log"`
	Engine   EngineConfig   `toml:"engine"`
	Journal  JournalConfig  `toml:"journal"`
	Postgres PostgresConfig `toml:"postgres"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Oracle   OracleConfig   `toml:"oracle"`
	Server   ServerConfig   `toml:"server"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Archive  ArchiveConfig  `toml:"archive"`
	Signer   SignerConfig   `toml:"signer"`
	Notify   NotifyConfig   `toml:"notify"`
}

// LogConfig holds optional log file rotation. Logs always go to stdout; File
// adds a rotated copy.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// EngineConfig holds the economic parameters. Amounts are decimal strings in
// whole collateral units ("5", "0.5").
type EngineConfig struct {
	FeeBps          int64    `toml:"fee_bps"`
	ProposalBond    string   `toml:"proposal_bond"`
	ChallengeBond   string   `toml:"challenge_bond"`
	ChallengeWindow duration `toml:"challenge_window"`
	AutoVoidWindow  duration `toml:"auto_void_window"`
	MinLiquidity    string   `toml:"min_liquidity"`
	LiquidityFloor  string   `toml:"liquidity_floor"`
	OracleTimeout   duration `toml:"oracle_timeout"`
	Admin           string   `toml:"admin"`
	Treasury        string   `toml:"treasury"`
}

// JournalConfig selects the event journal backend.
type JournalConfig struct {
	// Driver is one of memory, postgres, sqlite.
	Driver string `toml:"driver"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
	// Projection maintains the markets and positions read tables.
	Projection    bool   `toml:"projection"`
}

// SQLiteConfig holds the single-node journal database path.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters. Without Redis the service
// runs single-node: in-process locks, local rate limiting, no shared feed.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Namespace  string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters for the journal
// archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// OracleConfig configures the external price feed used for Crypto markets.
type OracleConfig struct {
	// Provider is "coingecko" or "none".
	Provider          string   `toml:"provider"`
	BaseURL           string   `toml:"base_url"`
	APIKey            string   `toml:"api_key"`
	Timeout           duration `toml:"timeout"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	// CacheTTL is how long Redis keeps a quote; MaxAge is how old a cached
	// quote may be before the upstream is asked again.
	CacheTTL duration `toml:"cache_ttl"`
	MaxAge   duration `toml:"max_age"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards the admin routes. Empty disables them.
	APIKey                string   `toml:"api_key"`
	RequireAdminSignature bool     `toml:"require_admin_signature"`
	SignatureMaxSkew      duration `toml:"signature_max_skew"`
	RateLimit             int      `toml:"rate_limit"`
	RateWindow            duration `toml:"rate_window"`
	EventBuffer           int      `toml:"event_buffer"`
	ShutdownTimeout       duration `toml:"shutdown_timeout"`
}

// KeeperConfig holds resolution keeper parameters.
type KeeperConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	LockTTL  duration `toml:"lock_ttl"`
	// Caller is the address recorded on keeper-initiated voids.
	Caller string `toml:"caller"`
}

// ArchiveConfig holds journal archive parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
	Prefix        string `toml:"prefix"`
	Prune         bool   `toml:"prune"`
}

// SignerConfig holds the operator key used to sign journaled events.
type SignerConfig struct {
	PrivateKey  string `toml:"private_key"`
	KeyFile     string `toml:"key_file"`
	KeyPassword string `toml:"key_password"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "server",
		LogLevel: "info",
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Engine: EngineConfig{
			FeeBps:          200,
			ProposalBond:    "5",
			ChallengeBond:   "10",
			ChallengeWindow: duration{24 * time.Hour},
			AutoVoidWindow:  duration{7 * 24 * time.Hour},
			MinLiquidity:    "10",
			LiquidityFloor:  "1",
			OracleTimeout:   duration{10 * time.Second},
		},
		Journal: JournalConfig{
			Driver: "sqlite",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "oraclemarket",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			Projection:    true,
		},
		SQLite: SQLiteConfig{
			Path: "data/journal.db",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Namespace:  "oraclemarket",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "oraclemarket-archive",
			ForcePathStyle: true,
		},
		Oracle: OracleConfig{
			Provider:          "coingecko",
			BaseURL:           "https://api.coingecko.com/api/v3",
			Timeout:           duration{10 * time.Second},
			RequestsPerMinute: 30,
			CacheTTL:          duration{5 * time.Minute},
			MaxAge:            duration{time.Minute},
		},
		Server: ServerConfig{
			Port:             8000,
			CORSOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
			SignatureMaxSkew: duration{5 * time.Minute},
			RateLimit:        120,
			RateWindow:       duration{time.Minute},
			EventBuffer:      1024,
			ShutdownTimeout:  duration{10 * time.Second},
		},
		Keeper: KeeperConfig{
			Enabled:  true,
			Interval: duration{30 * time.Second},
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Cron:          "0 3 * * *",
			Prefix:        "archive/journal",
		},
		Notify: NotifyConfig{
			Events: []string{"outcome_challenged", "dispute_adjudicated", "market_resolved", "market_voided"},
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"keeper":  true,
	"replay":  true,
	"archive": true,
	"restore": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validDrivers = map[string]bool{
	"memory":   true,
	"postgres": true,
	"sqlite":   true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, replay, archive, restore)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.FeeBps < 0 || c.Engine.FeeBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("engine: fee_bps must be 0-9999, got %d", c.Engine.FeeBps))
	}
	amounts := []struct{ name, value string }{
		{"proposal_bond", c.Engine.ProposalBond},
		{"challenge_bond", c.Engine.ChallengeBond},
		{"min_liquidity", c.Engine.MinLiquidity},
		{"liquidity_floor", c.Engine.LiquidityFloor},
	}
	for _, a := range amounts {
		v, err := domain.ParseUnits(a.value)
		if err != nil || !domain.IsPositive(v) {
			errs = append(errs, fmt.Sprintf("engine: %s must be a positive amount, got %q", a.name, a.value))
		}
	}
	if c.Engine.ChallengeWindow.Duration <= 0 {
		errs = append(errs, "engine: challenge_window must be > 0")
	}
	if c.Engine.AutoVoidWindow.Duration < c.Engine.ChallengeWindow.Duration {
		errs = append(errs, "engine: auto_void_window must not be shorter than challenge_window")
	}
	if c.Engine.OracleTimeout.Duration <= 0 {
		errs = append(errs, "engine: oracle_timeout must be > 0")
	}
	if c.Engine.Admin != "" && !common.IsHexAddress(c.Engine.Admin) {
		errs = append(errs, fmt.Sprintf("engine: admin %q is not a hex address", c.Engine.Admin))
	}
	if c.Engine.Treasury != "" && !common.IsHexAddress(c.Engine.Treasury) {
		errs = append(errs, fmt.Sprintf("engine: treasury %q is not a hex address", c.Engine.Treasury))
	}

	// Journal
	driver := strings.ToLower(c.Journal.Driver)
	if !validDrivers[driver] {
		errs = append(errs, fmt.Sprintf("journal: unknown driver %q (valid: memory, postgres, sqlite)", c.Journal.Driver))
	}
	if driver == "memory" && mode != "server" && mode != "keeper" {
		errs = append(errs, "journal: the memory driver has nothing to "+mode)
	}
	if driver == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}
	if driver == "sqlite" && c.SQLite.Path == "" {
		errs = append(errs, "sqlite: path must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Archive / S3
	if c.Archive.Enabled || mode == "archive" || mode == "restore" {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron %q must have 5 fields", c.Archive.Cron))
		}
	}

	// Oracle
	switch strings.ToLower(c.Oracle.Provider) {
	case "coingecko":
		if c.Oracle.RequestsPerMinute < 1 {
			errs = append(errs, "oracle: requests_per_minute must be >= 1")
		}
	case "none":
	default:
		errs = append(errs, fmt.Sprintf("oracle: unknown provider %q (valid: coingecko, none)", c.Oracle.Provider))
	}

	// Server
	if mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
		if c.Server.RequireAdminSignature && c.Engine.Admin == "" {
			errs = append(errs, "server: require_admin_signature needs engine.admin")
		}
	}

	// Keeper
	if c.Keeper.Enabled && c.Keeper.Interval.Duration <= 0 {
		errs = append(errs, "keeper: interval must be > 0")
	}
	if c.Keeper.Caller != "" && !common.IsHexAddress(c.Keeper.Caller) {
		errs = append(errs, fmt.Sprintf("keeper: caller %q is not a hex address", c.Keeper.Caller))
	}

	// Signer
	if c.Signer.KeyFile != "" && c.Signer.KeyPassword == "" {
		errs = append(errs, "signer: key_password is required when key_file is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
