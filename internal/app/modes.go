package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
	"github.com/alanyoungcy/oraclemarket/internal/engine"
	"github.com/alanyoungcy/oraclemarket/internal/feed"
	"github.com/alanyoungcy/oraclemarket/internal/keeper"
	"github.com/alanyoungcy/oraclemarket/internal/server"
	"github.com/alanyoungcy/oraclemarket/internal/server/handler"
	"github.com/alanyoungcy/oraclemarket/internal/server/middleware"
	"github.com/alanyoungcy/oraclemarket/internal/store/memory"
)

const copyPageSize = 1000

// ServerMode rebuilds the engine from the journal and serves the HTTP API,
// the WebSocket change feed and, when enabled, the keeper.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	if err := a.bootEngine(ctx, deps); err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startFeed(ctx, g, deps)

	if a.cfg.Keeper.Enabled {
		k, err := a.newKeeper(deps)
		if err != nil {
			return fmt.Errorf("server mode: %w", err)
		}
		g.Go(func() error { return k.Run(ctx) })
	}

	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// KeeperMode runs the resolution keeper (and the archive schedule when
// enabled) without the API.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")
	if err := a.bootEngine(ctx, deps); err != nil {
		return fmt.Errorf("keeper mode: %w", err)
	}

	k, err := a.newKeeper(deps)
	if err != nil {
		return fmt.Errorf("keeper mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startFeed(ctx, g, deps)
	g.Go(func() error { return k.Run(ctx) })
	return g.Wait()
}

// ReplayMode rebuilds state from the primary journal, writes the audit
// report to stdout and exits. It fails when the report is unbalanced.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	n, err := deps.Engine.Replay(ctx)
	if err != nil {
		return fmt.Errorf("replay mode: %w", err)
	}
	a.logger.InfoContext(ctx, "journal replayed", slog.Int("events", n))
	return a.report(ctx, deps.Engine)
}

// ArchiveMode uploads journal events older than the retention period once
// and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	job, err := keeper.NewArchiveJob(deps.Archiver, deps.Clock, retention(a.cfg.Archive.RetentionDays), a.cfg.Archive.Cron, a.logger)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	if _, err := job.Run(ctx); err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	return nil
}

// RestoreMode recovers from the archive. An empty primary journal is
// refilled from the archived segments; otherwise the archive and the live
// journal are replayed together to check that they still form one history.
// Either way the audit report is written to stdout.
func (a *App) RestoreMode(ctx context.Context, deps *Dependencies) error {
	last, err := deps.Journal.LastSeq(ctx)
	if err != nil {
		return fmt.Errorf("restore mode: %w", err)
	}
	if last == 0 {
		n, err := deps.Archiver.Restore(ctx, deps.Journal)
		if err != nil {
			return fmt.Errorf("restore mode: %w", err)
		}
		a.logger.InfoContext(ctx, "primary journal refilled from archive", slog.Int64("events", n))
		if _, err := deps.Engine.Replay(ctx); err != nil {
			return fmt.Errorf("restore mode: %w", err)
		}
		return a.report(ctx, deps.Engine)
	}

	if _, err := a.replayWithArchive(ctx, deps); err != nil {
		return fmt.Errorf("restore mode: %w", err)
	}
	return a.report(ctx, deps.Engine)
}

// bootEngine rebuilds engine state before any request is accepted. With a
// pruned journal the archived prefix is read back from S3 first.
func (a *App) bootEngine(ctx context.Context, deps *Dependencies) error {
	var (
		n   int
		err error
	)
	if deps.Archiver != nil && a.cfg.Archive.Prune {
		n, err = a.replayWithArchive(ctx, deps)
	} else {
		n, err = deps.Engine.Replay(ctx)
	}
	if err != nil {
		return err
	}

	report := deps.Engine.Audit(ctx)
	if !report.Balanced() {
		return fmt.Errorf("replayed state is unbalanced: %s", strings.Join(report.Violations, "; "))
	}
	a.logger.InfoContext(ctx, "engine ready",
		slog.Int("events", n),
		slog.Uint64("last_seq", report.LastSeq),
		slog.Int("markets", report.Markets),
	)
	return nil
}

// replayWithArchive replays archived segments followed by the live journal.
// The engine keeps appending to the primary journal afterwards.
func (a *App) replayWithArchive(ctx context.Context, deps *Dependencies) (int, error) {
	history := memory.NewJournal()
	archived, err := deps.Archiver.Restore(ctx, history)
	if err != nil {
		return 0, err
	}
	live, err := copyJournal(ctx, deps.Journal, history)
	if err != nil {
		return 0, err
	}
	a.logger.InfoContext(ctx, "history assembled",
		slog.Int64("archived", archived),
		slog.Int("live", live),
	)
	return deps.Engine.ReplayFrom(ctx, history)
}

// copyJournal appends the events of src that dst does not hold yet.
func copyJournal(ctx context.Context, src, dst domain.Journal) (int, error) {
	after, err := dst.LastSeq(ctx)
	if err != nil {
		return 0, fmt.Errorf("copy journal: last seq: %w", err)
	}
	var n int
	for {
		events, err := src.Read(ctx, domain.EventFilter{AfterSeq: after, Limit: copyPageSize})
		if err != nil {
			return n, fmt.Errorf("copy journal: read after %d: %w", after, err)
		}
		if len(events) == 0 {
			return n, nil
		}
		if err := dst.Append(ctx, events); err != nil {
			return n, fmt.Errorf("copy journal: append: %w", err)
		}
		n += len(events)
		after = events[len(events)-1].Seq
	}
}

// report writes the audit report as JSON to the app's output.
func (a *App) report(ctx context.Context, eng *engine.Engine) error {
	report := eng.Audit(ctx)
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write audit report: %w", err)
	}
	if !report.Balanced() {
		return errors.New("audit report is unbalanced")
	}
	return nil
}

// startFeed runs the change-feed publisher and, on API replicas, the hub and
// its bus subscriber.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Publisher != nil {
		g.Go(func() error { return deps.Publisher.Run(ctx) })
	}
	if deps.Hub == nil {
		return
	}
	g.Go(func() error { return deps.Hub.Run(ctx) })
	if deps.SignalBus != nil {
		sub := feed.NewSubscriber(deps.SignalBus, deps.Hub.Broadcast, a.logger)
		g.Go(func() error { return sub.Run(ctx) })
	}
}

func (a *App) newKeeper(deps *Dependencies) (*keeper.Keeper, error) {
	var job *keeper.ArchiveJob
	if deps.Archiver != nil && a.cfg.Archive.Enabled {
		var err error
		job, err = keeper.NewArchiveJob(deps.Archiver, deps.Clock, retention(a.cfg.Archive.RetentionDays), a.cfg.Archive.Cron, a.logger)
		if err != nil {
			return nil, err
		}
	}
	return keeper.New(deps.Engine, deps.LockManager, job, keeper.Config{
		Interval: a.cfg.Keeper.Interval.Duration,
		LockTTL:  a.cfg.Keeper.LockTTL.Duration,
		Caller:   keeperCaller(a.cfg, deps.Signer),
	}, a.logger), nil
}

// startHTTPServer adds the HTTP server and its shutdown watcher to the
// errgroup.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	eng := deps.Engine
	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(engine.Version, deps.Checks, a.logger),
		Markets:    handler.NewMarketHandler(eng, a.logger),
		Funds:      handler.NewFundsHandler(eng, a.logger),
		Trades:     handler.NewTradeHandler(eng, a.logger),
		Resolution: handler.NewResolutionHandler(eng, deps.Audit, a.logger),
		Admin:      handler.NewAdminHandler(eng, deps.Audit, a.logger),
		Prices:     handler.NewPriceHandler(deps.Feed, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		Admin: middleware.AdminConfig{
			Admin:            eng.Config().Admin,
			RequireSignature: a.cfg.Server.RequireAdminSignature,
			MaxSkew:          a.cfg.Server.SignatureMaxSkew.Duration,
			Now:              deps.Clock.Now,
		},
		RateLimit:  a.cfg.Server.RateLimit,
		RateWindow: a.cfg.Server.RateWindow.Duration,
	}, handlers, deps.Hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
