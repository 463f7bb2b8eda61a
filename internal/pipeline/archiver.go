package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

const archiveLockKey = "archiver"

// Archiver moves audit runs past retention from the run store to object
// storage. A run is deleted only after its result is known to be stored.
type Archiver struct {
	runs      domain.AuditRunStore
	archive   domain.ArtifactArchiver
	blobs     domain.BlobReader
	locks     domain.LockManager
	retention time.Duration
	batch     int
	logger    *slog.Logger
	now       func() time.Time
}

// ArchiverOption configures an Archiver.
type ArchiverOption func(*Archiver)

// WithExistingCheck skips the upload of results already present in blobs,
// e.g. after a pass that uploaded but failed to delete.
func WithExistingCheck(blobs domain.BlobReader) ArchiverOption {
	return func(a *Archiver) { a.blobs = blobs }
}

// WithArchiveLock makes replicas take turns: a pass that finds the lock
// held does nothing.
func WithArchiveLock(locks domain.LockManager) ArchiverOption {
	return func(a *Archiver) { a.locks = locks }
}

// NewArchiver creates an Archiver keeping retentionDays of runs in the
// store.
func NewArchiver(runs domain.AuditRunStore, archive domain.ArtifactArchiver, retentionDays int, logger *slog.Logger, opts ...ArchiverOption) *Archiver {
	a := &Archiver{
		runs:      runs,
		archive:   archive,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		batch:     100,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Run makes one pass and returns how many runs left the store. Runs that
// fail are logged and retried on the next pass.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, archiveLockKey, time.Hour)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.InfoContext(ctx, "archive pass skipped, another replica holds the lock")
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("archiver: lock: %w", err)
		}
		defer unlock()
	}

	cutoff := a.now().UTC().Add(-a.retention)
	total, skipped := 0, 0
	for {
		batch, err := a.runs.ListBefore(ctx, cutoff, a.batch)
		if err != nil {
			return total, fmt.Errorf("archiver: list before %s: %w", cutoff.Format(time.RFC3339), err)
		}
		moved := 0
		for _, run := range batch {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			reused, err := a.move(ctx, run.ID)
			if err != nil {
				a.logger.WarnContext(ctx, "archive run failed",
					slog.String("audit_id", run.ID), slog.String("error", err.Error()))
				continue
			}
			if reused {
				skipped++
			}
			moved++
		}
		total += moved
		// A batch with no progress would be listed again unchanged.
		if moved == 0 || len(batch) < a.batch {
			break
		}
	}

	a.logger.InfoContext(ctx, "archive pass done",
		slog.Time("cutoff", cutoff),
		slog.Int("archived", total),
		slog.Int("already_stored", skipped),
	)
	return total, nil
}

// move uploads one run unless it is already stored, then deletes it. It
// reports whether the upload was skipped.
func (a *Archiver) move(ctx context.Context, id string) (bool, error) {
	res, err := a.runs.GetByID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("load: %w", err)
	}

	key := a.archive.ResultKey(res)
	stored := false
	if a.blobs != nil {
		if stored, err = a.blobs.Exists(ctx, key); err != nil {
			return false, fmt.Errorf("check %s: %w", key, err)
		}
	}
	if !stored {
		if key, err = a.archive.ArchiveResult(ctx, res); err != nil {
			return false, fmt.Errorf("upload: %w", err)
		}
	}
	if err := a.runs.Delete(ctx, id); err != nil {
		return stored, fmt.Errorf("delete after storing %s: %w", key, err)
	}
	return stored, nil
}

// RunCron makes a pass at every trigger of the five-field cron expression,
// evaluated in UTC, until ctx is cancelled.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := parseSchedule(expr)
	if err != nil {
		return fmt.Errorf("archiver: %w", err)
	}
	a.logger.InfoContext(ctx, "archive schedule started", slog.String("cron", expr))

	for {
		next, ok := sched.next(a.now().UTC())
		if !ok {
			return fmt.Errorf("archiver: cron %q never fires", expr)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if _, err := a.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.ErrorContext(ctx, "archive pass failed", slog.String("error", err.Error()))
		}
	}
}
