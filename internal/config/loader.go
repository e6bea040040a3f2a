package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ORACLEMARKET_* environment variable overrides,
// and returns the final Config. An empty path skips the file. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ORACLEMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Log ──
	setStr(&cfg.Log.File, "ORACLEMARKET_LOG_FILE")
	setInt(&cfg.Log.MaxSizeMB, "ORACLEMARKET_LOG_MAX_SIZE_MB")
	setInt(&cfg.Log.MaxBackups, "ORACLEMARKET_LOG_MAX_BACKUPS")
	setInt(&cfg.Log.MaxAgeDays, "ORACLEMARKET_LOG_MAX_AGE_DAYS")
	setBool(&cfg.Log.Compress, "ORACLEMARKET_LOG_COMPRESS")

	// ── Engine ──
	setInt64(&cfg.Engine.FeeBps, "ORACLEMARKET_ENGINE_FEE_BPS")
	setStr(&cfg.Engine.ProposalBond, "ORACLEMARKET_ENGINE_PROPOSAL_BOND")
	setStr(&cfg.Engine.ChallengeBond, "ORACLEMARKET_ENGINE_CHALLENGE_BOND")
	setDuration(&cfg.Engine.ChallengeWindow, "ORACLEMARKET_ENGINE_CHALLENGE_WINDOW")
	setDuration(&cfg.Engine.AutoVoidWindow, "ORACLEMARKET_ENGINE_AUTO_VOID_WINDOW")
	setStr(&cfg.Engine.MinLiquidity, "ORACLEMARKET_ENGINE_MIN_LIQUIDITY")
	setStr(&cfg.Engine.LiquidityFloor, "ORACLEMARKET_ENGINE_LIQUIDITY_FLOOR")
	setDuration(&cfg.Engine.OracleTimeout, "ORACLEMARKET_ENGINE_ORACLE_TIMEOUT")
	setStr(&cfg.Engine.Admin, "ORACLEMARKET_ENGINE_ADMIN")
	setStr(&cfg.Engine.Treasury, "ORACLEMARKET_ENGINE_TREASURY")

	// ── Journal ──
	setStr(&cfg.Journal.Driver, "ORACLEMARKET_JOURNAL_DRIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform convention
	setStr(&cfg.Postgres.DSN, "ORACLEMARKET_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ORACLEMARKET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ORACLEMARKET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ORACLEMARKET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ORACLEMARKET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ORACLEMARKET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ORACLEMARKET_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ORACLEMARKET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ORACLEMARKET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ORACLEMARKET_POSTGRES_RUN_MIGRATIONS")
	setBool(&cfg.Postgres.Projection, "ORACLEMARKET_POSTGRES_PROJECTION")

	// ── SQLite ──
	setStr(&cfg.SQLite.Path, "ORACLEMARKET_SQLITE_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ORACLEMARKET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ORACLEMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORACLEMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORACLEMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORACLEMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ORACLEMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ORACLEMARKET_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "ORACLEMARKET_REDIS_NAMESPACE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ORACLEMARKET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ORACLEMARKET_S3_REGION")
	setStr(&cfg.S3.Bucket, "ORACLEMARKET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ORACLEMARKET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ORACLEMARKET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ORACLEMARKET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ORACLEMARKET_S3_FORCE_PATH_STYLE")

	// ── Oracle ──
	setStr(&cfg.Oracle.Provider, "ORACLEMARKET_ORACLE_PROVIDER")
	setStr(&cfg.Oracle.BaseURL, "ORACLEMARKET_ORACLE_BASE_URL")
	setStr(&cfg.Oracle.APIKey, "COINGECKO_API_KEY") // compatibility alias
	setStr(&cfg.Oracle.APIKey, "ORACLEMARKET_ORACLE_API_KEY")
	setDuration(&cfg.Oracle.Timeout, "ORACLEMARKET_ORACLE_TIMEOUT")
	setInt(&cfg.Oracle.RequestsPerMinute, "ORACLEMARKET_ORACLE_REQUESTS_PER_MINUTE")
	setDuration(&cfg.Oracle.CacheTTL, "ORACLEMARKET_ORACLE_CACHE_TTL")
	setDuration(&cfg.Oracle.MaxAge, "ORACLEMARKET_ORACLE_MAX_AGE")

	// ── Server ──
	setInt(&cfg.Server.Port, "ORACLEMARKET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ORACLEMARKET_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ORACLEMARKET_SERVER_API_KEY")
	setBool(&cfg.Server.RequireAdminSignature, "ORACLEMARKET_SERVER_REQUIRE_ADMIN_SIGNATURE")
	setDuration(&cfg.Server.SignatureMaxSkew, "ORACLEMARKET_SERVER_SIGNATURE_MAX_SKEW")
	setInt(&cfg.Server.RateLimit, "ORACLEMARKET_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ORACLEMARKET_SERVER_RATE_WINDOW")
	setInt(&cfg.Server.EventBuffer, "ORACLEMARKET_SERVER_EVENT_BUFFER")
	setDuration(&cfg.Server.ShutdownTimeout, "ORACLEMARKET_SERVER_SHUTDOWN_TIMEOUT")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "ORACLEMARKET_KEEPER_ENABLED")
	setDuration(&cfg.Keeper.Interval, "ORACLEMARKET_KEEPER_INTERVAL")
	setDuration(&cfg.Keeper.LockTTL, "ORACLEMARKET_KEEPER_LOCK_TTL")
	setStr(&cfg.Keeper.Caller, "ORACLEMARKET_KEEPER_CALLER")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ORACLEMARKET_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "ORACLEMARKET_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "ORACLEMARKET_ARCHIVE_CRON")
	setStr(&cfg.Archive.Prefix, "ORACLEMARKET_ARCHIVE_PREFIX")
	setBool(&cfg.Archive.Prune, "ORACLEMARKET_ARCHIVE_PRUNE")

	// ── Signer ──
	setStr(&cfg.Signer.PrivateKey, "ORACLEMARKET_SIGNER_PRIVATE_KEY")
	setStr(&cfg.Signer.KeyFile, "ORACLEMARKET_SIGNER_KEY_FILE")
	setStr(&cfg.Signer.KeyPassword, "ORACLEMARKET_SIGNER_KEY_PASSWORD")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ORACLEMARKET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ORACLEMARKET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ORACLEMARKET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ORACLEMARKET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ORACLEMARKET_MODE")
	setStr(&cfg.LogLevel, "ORACLEMARKET_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
