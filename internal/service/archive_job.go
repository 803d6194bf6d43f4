package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/natebag/trenchtools/internal/domain"
)

// ArchiveJob moves closed positions older than the retention window from the
// database to cold storage on a cron schedule.
type ArchiveJob struct {
	archiver  domain.Archiver
	retention time.Duration
	schedule  cron.Schedule
	now       func() time.Time
	logger    *slog.Logger
}

// NewArchiveJob parses cronExpr (standard 5-field or a descriptor such as
// "@daily") and returns a job archiving positions closed more than retention
// ago.
func NewArchiveJob(archiver domain.Archiver, cronExpr string, retention time.Duration, logger *slog.Logger) (*ArchiveJob, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("archive_job: parse cron %q: %w", cronExpr, err)
	}
	return &ArchiveJob{
		archiver:  archiver,
		retention: retention,
		schedule:  sched,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "archive_job")),
	}, nil
}

// RunOnce archives everything closed before now minus the retention window.
func (j *ArchiveJob) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.retention)
	j.logger.InfoContext(ctx, "starting archive run", slog.Time("cutoff", cutoff))

	n, err := j.archiver.ArchiveClosed(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive_job: archive before %v: %w", cutoff, err)
	}
	j.logger.InfoContext(ctx, "archive run complete", slog.Int64("positions_archived", n))
	return n, nil
}

// Run executes RunOnce at every scheduled time until ctx is cancelled.
func (j *ArchiveJob) Run(ctx context.Context) error {
	for {
		next := j.schedule.Next(j.now())
		j.logger.InfoContext(ctx, "archive job waiting", slog.Time("next_run", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
