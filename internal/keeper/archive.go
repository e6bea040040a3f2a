package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

const archiveLockKey = "keeper:archive"

// ArchiveJob copies journal events older than the retention period to cold
// storage on a cron schedule.
type ArchiveJob struct {
	archiver  domain.Archiver
	clock     domain.Clock
	retention time.Duration
	cron      string
	logger    *slog.Logger
}

// NewArchiveJob creates an ArchiveJob. cron is a 5-field expression
// ("minute hour day-of-month month day-of-week").
func NewArchiveJob(archiver domain.Archiver, clock domain.Clock, retention time.Duration, cron string, logger *slog.Logger) (*ArchiveJob, error) {
	if _, err := parseCron(cron); err != nil {
		return nil, fmt.Errorf("keeper: archive cron %q: %w", cron, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveJob{
		archiver:  archiver,
		clock:     clock,
		retention: retention,
		cron:      cron,
		logger:    logger.With(slog.String("component", "archive_job")),
	}, nil
}

// Run archives everything stamped before now minus the retention period.
func (j *ArchiveJob) Run(ctx context.Context) (domain.ArchiveResult, error) {
	cutoff := j.clock.Now().Add(-j.retention)
	j.logger.InfoContext(ctx, "archive run starting", slog.Time("cutoff", cutoff))

	res, err := j.archiver.ArchiveJournal(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("keeper: archive before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	j.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("events", res.Events),
		slog.String("path", res.Path),
	)
	return res, nil
}

// RunCron runs the job on schedule until ctx is cancelled. Each run holds
// the archive lock so replicas do not upload the same segment twice.
func (j *ArchiveJob) RunCron(ctx context.Context, locks domain.LockManager) error {
	for {
		next, err := nextCronTime(j.cron, j.clock.Now())
		if err != nil {
			return err
		}
		wait := time.Until(next)
		j.logger.Info("archive job waiting", slog.Time("next_run", next), slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		release, err := locks.Acquire(ctx, archiveLockKey, time.Hour)
		if errors.Is(err, domain.ErrLockHeld) {
			continue
		}
		if err != nil {
			j.logger.Error("archive job: acquire lock", slog.String("error", err.Error()))
			continue
		}
		if _, err := j.Run(ctx); err != nil {
			j.logger.Error("archive run failed", slog.String("error", err.Error()))
		}
		release()
	}
}

type cronField struct {
	wildcard bool
	values   []int
}

func (f cronField) matches(v int) bool {
	if f.wildcard {
		return true
	}
	for _, x := range f.values {
		if x == v {
			return true
		}
	}
	return false
}

type parsedCron struct {
	minute, hour, dayOfMonth, month, dayOfWeek cronField
}

func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

var cronBounds = [5]struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// parseCronField accepts "*", "*/n", single values and comma lists.
func parseCronField(field string, min, max int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}
	if step, ok := strings.CutPrefix(field, "*/"); ok {
		n, err := strconv.Atoi(step)
		if err != nil || n <= 0 {
			return cronField{}, fmt.Errorf("invalid step %q", field)
		}
		var vals []int
		for v := min; v <= max; v += n {
			vals = append(vals, v)
		}
		return cronField{values: vals}, nil
	}
	parts := strings.Split(field, ",")
	vals := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return cronField{}, fmt.Errorf("invalid value %q: %w", p, err)
		}
		if v < min || v > max {
			return cronField{}, fmt.Errorf("value %d out of range %d-%d", v, min, max)
		}
		vals = append(vals, v)
	}
	return cronField{values: vals}, nil
}

func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	var parsed [5]cronField
	for i, f := range fields {
		b := cronBounds[i]
		cf, err := parseCronField(f, b.min, b.max)
		if err != nil {
			return parsedCron{}, fmt.Errorf("%s field: %w", b.name, err)
		}
		parsed[i] = cf
	}
	return parsedCron{
		minute:     parsed[0],
		hour:       parsed[1],
		dayOfMonth: parsed[2],
		month:      parsed[3],
		dayOfWeek:  parsed[4],
	}, nil
}

// nextCronTime returns the first minute after 'after' matching expr,
// searching up to a year ahead.
func nextCronTime(expr string, after time.Time) (time.Time, error) {
	c, err := parseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if c.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no time matches %q within a year", expr)
}
