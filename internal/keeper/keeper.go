// Package keeper drives the permissionless transitions nobody else might
// call: finalizing proposals whose challenge window elapsed, settling
// disputes with price-feed evidence or a ruling, voiding stale markets, and
// archiving the journal on a schedule. Replicas share a leader lock so only
// one of them acts per tick.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
	"github.com/alanyoungcy/oraclemarket/internal/engine"
)

const tickLockKey = "keeper:tick"

// Engine is the part of the engine the keeper drives.
type Engine interface {
	Now() time.Time
	PendingActions(now time.Time) []engine.Action
	FinalizeResolution(ctx context.Context, id uint64) (engine.FinalizeResult, error)
	VoidMarket(ctx context.Context, caller common.Address, id uint64) error
}

// Config holds keeper settings.
type Config struct {
	Interval time.Duration
	// LockTTL bounds how long a crashed leader blocks the others.
	LockTTL time.Duration
	// Caller is the address the keeper acts as when voiding.
	Caller common.Address
}

// TickResult counts what one tick did.
type TickResult struct {
	Finalized int
	Voided    int
	Deferred  int
	Failed    int
	Skipped   bool
}

// Keeper runs the resolution loop and, optionally, the archive schedule.
type Keeper struct {
	eng     Engine
	locks   domain.LockManager
	archive *ArchiveJob
	cfg     Config
	logger  *slog.Logger
}

// New creates a Keeper. archive may be nil.
func New(eng Engine, locks domain.LockManager, archive *ArchiveJob, cfg Config, logger *slog.Logger) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.Interval
	}
	if locks == nil {
		locks = NewLocalLocks()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		eng:     eng,
		locks:   locks,
		archive: archive,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "keeper")),
	}
}

// Run ticks until ctx is cancelled. The archive schedule runs alongside in
// the same errgroup.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.Info("keeper starting", slog.Duration("interval", k.cfg.Interval))
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := k.loop(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("keeper loop: %w", err)
	})
	if k.archive != nil {
		g.Go(func() error {
			err := k.archive.RunCron(ctx, k.locks)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("archive schedule: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		k.logger.Error("keeper stopped with error", slog.String("error", err.Error()))
		return err
	}
	k.logger.Info("keeper stopped")
	return nil
}

func (k *Keeper) loop(ctx context.Context) error {
	k.tickAndLog(ctx)
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			k.tickAndLog(ctx)
		}
	}
}

func (k *Keeper) tickAndLog(ctx context.Context) {
	res, err := k.Tick(ctx)
	if err != nil {
		k.logger.ErrorContext(ctx, "keeper: tick failed", slog.String("error", err.Error()))
		return
	}
	if res.Finalized+res.Voided+res.Failed > 0 {
		k.logger.InfoContext(ctx, "keeper: tick",
			slog.Int("finalized", res.Finalized),
			slog.Int("voided", res.Voided),
			slog.Int("deferred", res.Deferred),
			slog.Int("failed", res.Failed),
		)
	}
}

// Tick performs every pending transition once. It is a no-op when another
// replica holds the leader lock.
func (k *Keeper) Tick(ctx context.Context) (TickResult, error) {
	release, err := k.locks.Acquire(ctx, tickLockKey, k.cfg.LockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return TickResult{Skipped: true}, nil
	}
	if err != nil {
		return TickResult{}, fmt.Errorf("keeper: acquire lock: %w", err)
	}
	defer release()

	var res TickResult
	for _, a := range k.eng.PendingActions(k.eng.Now()) {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		log := k.logger.With(slog.Uint64("market_id", a.MarketID), slog.String("action", string(a.Kind)))

		switch a.Kind {
		case engine.ActionFinalize:
			out, err := k.eng.FinalizeResolution(ctx, a.MarketID)
			switch {
			case err == nil && out.Status == domain.MarketStatusVoided:
				res.Voided++
				log.InfoContext(ctx, "keeper: dispute voided")
			case err == nil:
				res.Finalized++
				log.InfoContext(ctx, "keeper: market resolved", slog.String("outcome", string(out.Outcome)))
			case errors.Is(err, domain.ErrAwaitingAdjudication), domain.IsRetryable(err):
				res.Deferred++
				log.WarnContext(ctx, "keeper: finalize deferred", slog.String("error", err.Error()))
			default:
				res.Failed++
				log.ErrorContext(ctx, "keeper: finalize failed", slog.String("error", err.Error()))
			}
		case engine.ActionVoid:
			if err := k.eng.VoidMarket(ctx, k.cfg.Caller, a.MarketID); err != nil {
				if domain.IsRetryable(err) {
					res.Deferred++
				} else {
					res.Failed++
				}
				log.ErrorContext(ctx, "keeper: void failed", slog.String("error", err.Error()))
				continue
			}
			res.Voided++
			log.InfoContext(ctx, "keeper: stale market voided")
		}
	}
	return res, nil
}
