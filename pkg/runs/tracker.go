// Package runs tracks ingestion run history: start/stop, counters,
// errors, and derived run-to-run comparisons for anomaly spotting.
package runs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	kasperoerrors "github.com/ajitpratap0/kaspero/pkg/errors"
	"github.com/ajitpratap0/kaspero/pkg/models"
	"github.com/ajitpratap0/kaspero/pkg/storage"
)

// Store is the persistence surface the tracker needs.
type Store interface {
	InsertRun(ctx context.Context, run *models.Run) error
	UpdateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ListRuns(ctx context.Context, filter storage.RunFilter) ([]*models.Run, error)
	CountUnified(ctx context.Context) (int64, error)
	CountUnifiedBySource(ctx context.Context) (map[models.SourceType]int64, error)
}

// Tracker records run lifecycle events.
type Tracker struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a run tracker.
func NewTracker(store Store, logger *zap.Logger) *Tracker {
	return &Tracker{store: store, logger: logger, now: time.Now}
}

// StartRun inserts a new run with a fresh ID and status running.
// Tracking failures surface — a run that cannot be recorded must not
// silently execute.
func (t *Tracker) StartRun(ctx context.Context, sourceType models.SourceType, metadata map[string]interface{}) (*models.Run, error) {
	run := &models.Run{
		RunID:      uuid.NewString(),
		SourceType: sourceType,
		Status:     models.RunStatusRunning,
		StartedAt:  t.now().UTC(),
		Metadata:   metadata,
	}

	if err := t.store.InsertRun(ctx, run); err != nil {
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "failed to start run")
	}

	t.logger.Info("run started",
		zap.String("run_id", run.RunID),
		zap.String("source", string(sourceType)))

	return run, nil
}

// CompleteRun stamps the terminal state of a run: completion time,
// duration, counters, error details, and a checkpoint snapshot. The
// run is immutable afterward.
func (t *Tracker) CompleteRun(ctx context.Context, run *models.Run, status models.RunStatus,
	counters models.RunCounters, runErr error, checkpointData map[string]interface{}) error {

	completed := t.now().UTC()
	run.Status = status
	run.CompletedAt = &completed
	run.Duration = completed.Sub(run.StartedAt)
	run.Counters = counters

	if runErr != nil {
		// Structured errors prefix Error() with their type tag; the
		// error_message column stores the bare message.
		var structured *kasperoerrors.Error
		if errors.As(runErr, &structured) {
			run.ErrorMessage = structured.Message
		} else {
			run.ErrorMessage = runErr.Error()
		}
		run.ErrorTrace = kasperoerrors.TraceOf(runErr)
	}
	if checkpointData != nil {
		run.Checkpoint = checkpointData
	}

	if err := t.store.UpdateRun(ctx, run); err != nil {
		return kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "failed to complete run")
	}

	t.logger.Info("run completed",
		zap.String("run_id", run.RunID),
		zap.String("source", string(run.SourceType)),
		zap.String("status", string(status)),
		zap.Duration("duration", run.Duration),
		zap.Int64("records_loaded", counters.Loaded))

	return nil
}

// GetRun returns a run by ID, nil if absent.
func (t *Tracker) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return t.store.GetRun(ctx, runID)
}

// LastRun returns the most recent run, optionally filtered by source
// type. Nil if no runs exist.
func (t *Tracker) LastRun(ctx context.Context, sourceType models.SourceType) (*models.Run, error) {
	return t.firstOf(ctx, storage.RunFilter{SourceType: sourceType, Limit: 1})
}

// LastSuccessfulRun returns the most recent successful run.
func (t *Tracker) LastSuccessfulRun(ctx context.Context, sourceType models.SourceType) (*models.Run, error) {
	return t.firstOf(ctx, storage.RunFilter{SourceType: sourceType, Status: models.RunStatusSuccess, Limit: 1})
}

// LastFailedRun returns the most recent failed run.
func (t *Tracker) LastFailedRun(ctx context.Context, sourceType models.SourceType) (*models.Run, error) {
	return t.firstOf(ctx, storage.RunFilter{SourceType: sourceType, Status: models.RunStatusFailed, Limit: 1})
}

func (t *Tracker) firstOf(ctx context.Context, filter storage.RunFilter) (*models.Run, error) {
	runs, err := t.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

// ListRuns returns runs newest-first with optional filters and paging.
func (t *Tracker) ListRuns(ctx context.Context, filter storage.RunFilter) ([]*models.Run, error) {
	if filter.Limit == 0 {
		filter.Limit = 10
	}
	return t.store.ListRuns(ctx, filter)
}

// Stats aggregates run and record statistics over the trailing window.
type Stats struct {
	TotalRecords    int64                       `json:"total_records_processed"`
	RecordsBySource map[models.SourceType]int64 `json:"records_by_source"`
	RunsInPeriod    int                         `json:"runs_in_period"`
	SuccessRate     float64                     `json:"success_rate"`
	AvgDuration     time.Duration               `json:"average_duration"`
	LastSuccess     *time.Time                  `json:"last_success,omitempty"`
	LastFailure     *time.Time                  `json:"last_failure,omitempty"`
	PeriodHours     int                         `json:"period_hours"`
}

// GetStats computes aggregate statistics for the trailing period.
func (t *Tracker) GetStats(ctx context.Context, hours int) (*Stats, error) {
	total, err := t.store.CountUnified(ctx)
	if err != nil {
		return nil, err
	}
	bySource, err := t.store.CountUnifiedBySource(ctx)
	if err != nil {
		return nil, err
	}

	all, err := t.store.ListRuns(ctx, storage.RunFilter{})
	if err != nil {
		return nil, err
	}

	cutoff := t.now().UTC().Add(-time.Duration(hours) * time.Hour)
	stats := &Stats{
		TotalRecords:    total,
		RecordsBySource: bySource,
		PeriodHours:     hours,
	}

	successes := 0
	var totalDuration time.Duration
	completed := 0
	for _, run := range all {
		if run.StartedAt.Before(cutoff) {
			continue
		}
		stats.RunsInPeriod++
		if run.Status == models.RunStatusSuccess {
			successes++
		}
		if run.CompletedAt != nil {
			totalDuration += run.Duration
			completed++
		}
	}
	if stats.RunsInPeriod > 0 {
		stats.SuccessRate = float64(successes) / float64(stats.RunsInPeriod)
	}
	if completed > 0 {
		stats.AvgDuration = totalDuration / time.Duration(completed)
	}

	lastOK, err := t.LastSuccessfulRun(ctx, "")
	if err != nil {
		return nil, err
	}
	if lastOK != nil {
		stats.LastSuccess = lastOK.CompletedAt
	}

	lastFailed, err := t.LastFailedRun(ctx, "")
	if err != nil {
		return nil, err
	}
	if lastFailed != nil {
		stats.LastFailure = lastFailed.CompletedAt
	}

	return stats, nil
}
