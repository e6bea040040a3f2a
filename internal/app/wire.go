package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/oraclemarket/internal/blob/s3"
	"github.com/alanyoungcy/oraclemarket/internal/cache/redis"
	"github.com/alanyoungcy/oraclemarket/internal/config"
	"github.com/alanyoungcy/oraclemarket/internal/crypto"
	"github.com/alanyoungcy/oraclemarket/internal/domain"
	"github.com/alanyoungcy/oraclemarket/internal/engine"
	"github.com/alanyoungcy/oraclemarket/internal/feed"
	"github.com/alanyoungcy/oraclemarket/internal/keeper"
	"github.com/alanyoungcy/oraclemarket/internal/notify"
	"github.com/alanyoungcy/oraclemarket/internal/oracle"
	"github.com/alanyoungcy/oraclemarket/internal/server/handler"
	"github.com/alanyoungcy/oraclemarket/internal/server/middleware"
	"github.com/alanyoungcy/oraclemarket/internal/server/ws"
	"github.com/alanyoungcy/oraclemarket/internal/store/memory"
	"github.com/alanyoungcy/oraclemarket/internal/store/postgres"
	"github.com/alanyoungcy/oraclemarket/internal/store/sqlite"
)

// Dependencies bundles everything the modes need. It is constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	Clock domain.Clock

	// Journal
	Journal domain.Journal
	Pruner  domain.JournalPruner
	Audit   domain.AuditStore

	// Redis-backed when enabled, in-process otherwise. SignalBus and
	// PriceCache stay nil without Redis.
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus
	PriceCache  domain.PriceCache

	// Feed serves informational price reads and may be cached.
	// AdjudicationFeed always asks the provider and is the only feed the
	// engine sees.
	Feed             domain.PriceFeed
	AdjudicationFeed domain.PriceFeed
	Signer           *crypto.Signer
	Archiver         *s3blob.JournalArchiver
	Notifier         *notify.Notifier

	// Change feed
	Hub       *ws.Hub
	Publisher *feed.Publisher

	Engine *engine.Engine

	// Checks are the health probes of the external services.
	Checks map[string]handler.Check
}

// priceFeeds splits the provider into the feed the engine settles disputes
// with and the feed informational reads use. Only the latter is cached: a
// stale or fallback price must never decide a market.
func priceFeeds(upstream domain.PriceFeed, cache domain.PriceCache, clock domain.Clock, maxAge time.Duration, logger *slog.Logger) (adjudication, informational domain.PriceFeed) {
	if cache == nil {
		return upstream, upstream
	}
	return upstream, oracle.NewCached(upstream, cache, clock, maxAge, logger)
}

// needsArchiver reports whether the S3 archive must be wired.
func needsArchiver(cfg *config.Config) bool {
	switch cfg.Mode {
	case "archive", "restore":
		return true
	default:
		return cfg.Archive.Enabled
	}
}

// servesWrites reports whether the mode mutates the engine and so needs the
// change feed.
func servesWrites(mode string) bool {
	return mode == "server" || mode == "keeper"
}

// EngineConfig converts the configured parameters into engine.Config.
func EngineConfig(c config.EngineConfig) (engine.Config, error) {
	out := engine.DefaultConfig()
	out.FeeBps = c.FeeBps
	out.ChallengeWindow = c.ChallengeWindow.Duration
	out.AutoVoidWindow = c.AutoVoidWindow.Duration
	out.OracleTimeout = c.OracleTimeout.Duration

	amounts := []struct {
		name string
		src  string
		dst  **big.Int
	}{
		{"proposal_bond", c.ProposalBond, &out.ProposalBond},
		{"challenge_bond", c.ChallengeBond, &out.ChallengeBond},
		{"min_liquidity", c.MinLiquidity, &out.MinLiquidity},
		{"liquidity_floor", c.LiquidityFloor, &out.LiquidityFloor},
	}
	for _, a := range amounts {
		v, err := domain.ParseUnits(a.src)
		if err != nil {
			return engine.Config{}, fmt.Errorf("engine.%s: %w", a.name, err)
		}
		*a.dst = v
	}
	if c.Admin != "" {
		out.Admin = common.HexToAddress(c.Admin)
	}
	if c.Treasury != "" {
		out.TreasuryAddress = common.HexToAddress(c.Treasury)
	}
	return out, out.Validate()
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources. The engine is created empty;
// the caller replays it.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{
		Clock:  domain.NewMonotonicClock(nil),
		Checks: make(map[string]handler.Check),
	}

	// --- Journal ---
	var projection feed.Sink
	switch cfg.Journal.Driver {
	case "memory":
		j := memory.NewJournal()
		deps.Journal, deps.Pruner = j, j
		deps.Audit = memory.NewAuditLog()
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		js := postgres.NewJournalStore(pgClient.Pool())
		deps.Journal, deps.Pruner = js, js
		deps.Audit = postgres.NewAuditStore(pgClient.Pool())
		deps.Checks["postgres"] = pgClient.Ping
		if cfg.Postgres.Projection {
			projection = postgres.NewProjectionStore(pgClient.Pool())
		}
	case "sqlite":
		st, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return fail("sqlite", err)
		}
		closers = append(closers, func() { _ = st.Close() })
		deps.Journal, deps.Pruner, deps.Audit = st, st, st
	default:
		return fail("journal", fmt.Errorf("unknown driver %q", cfg.Journal.Driver))
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Oracle.CacheTTL.Duration)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		deps.LockManager = keeper.NewLocalLocks()
		deps.RateLimiter = middleware.NewLocalLimiter()
	}

	// --- Oracle ---
	if cfg.Oracle.Provider == "coingecko" {
		upstream := oracle.NewCoinGecko(oracle.Config{
			BaseURL:           cfg.Oracle.BaseURL,
			APIKey:            cfg.Oracle.APIKey,
			Timeout:           cfg.Oracle.Timeout.Duration,
			RequestsPerMinute: cfg.Oracle.RequestsPerMinute,
		}, logger)
		deps.AdjudicationFeed, deps.Feed = priceFeeds(upstream, deps.PriceCache, deps.Clock, cfg.Oracle.MaxAge.Duration, logger)
	}

	// --- Operator key ---
	keyCfg := crypto.KeyConfig{
		RawPrivateKey: cfg.Signer.PrivateKey,
		KeyFile:       cfg.Signer.KeyFile,
		Password:      cfg.Signer.KeyPassword,
	}
	if keyCfg.Configured() {
		hexKey, err := crypto.LoadKey(keyCfg)
		if err != nil {
			return fail("signer", err)
		}
		signer, err := crypto.NewSigner(hexKey)
		if err != nil {
			return fail("signer", err)
		}
		deps.Signer = signer
	}

	// --- S3 archive ---
	if needsArchiver(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			deps.Journal,
			deps.Pruner,
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Audit,
			s3blob.ArchiverConfig{Prefix: cfg.Archive.Prefix, Prune: cfg.Archive.Prune},
			logger,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Change feed ---
	// With Redis every replica publishes to the bus and each hub is fed by
	// a subscriber; without it the local hub is a direct sink.
	if cfg.Mode == "server" {
		deps.Hub = ws.NewHub(ws.Config{AllowedOrigins: cfg.Server.CORSOrigins, Version: engine.Version}, logger)
	}
	var publisher engine.Publisher
	if servesWrites(cfg.Mode) {
		var sinks []feed.Sink
		if deps.SignalBus != nil {
			sinks = append(sinks, feed.NewBusSink(deps.SignalBus))
		} else if deps.Hub != nil {
			sinks = append(sinks, deps.Hub)
		}
		if projection != nil {
			sinks = append(sinks, projection)
		}
		if len(senders) > 0 {
			sinks = append(sinks, feed.NewAlertSink(deps.Notifier))
		}
		var evSigner feed.EventSigner
		if deps.Signer != nil {
			evSigner = deps.Signer
		}
		deps.Publisher = feed.NewPublisher(sinks, evSigner, cfg.Server.EventBuffer, logger)
		publisher = deps.Publisher
	}

	// --- Engine ---
	engCfg, err := EngineConfig(cfg.Engine)
	if err != nil {
		return fail("engine config", err)
	}
	eng, err := engine.New(engCfg, engine.Deps{
		Journal:   deps.Journal,
		Feed:      deps.AdjudicationFeed,
		Clock:     deps.Clock,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		return fail("engine", err)
	}
	deps.Engine = eng

	logger.InfoContext(ctx, "dependencies wired",
		slog.String("journal", cfg.Journal.Driver),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("oracle", deps.AdjudicationFeed != nil),
		slog.Bool("archive", deps.Archiver != nil),
		slog.Bool("signer", deps.Signer != nil),
		slog.Int("notify_senders", len(senders)),
	)
	return deps, cleanup, nil
}

// keeperCaller is the address recorded on keeper voids: the configured
// caller, else the operator key, else the zero address.
func keeperCaller(cfg *config.Config, signer *crypto.Signer) common.Address {
	if cfg.Keeper.Caller != "" {
		return common.HexToAddress(cfg.Keeper.Caller)
	}
	if signer != nil {
		return signer.Address()
	}
	return common.Address{}
}

// retention converts the configured days into a duration.
func retention(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
