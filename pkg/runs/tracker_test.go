package runs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	kasperoerrors "github.com/ajitpratap0/kaspero/pkg/errors"
	"github.com/ajitpratap0/kaspero/pkg/models"
	"github.com/ajitpratap0/kaspero/pkg/storage"
)

func newTestTracker(t *testing.T) (*Tracker, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewTracker(store, zaptest.NewLogger(t)), store
}

func TestStartRun(t *testing.T) {
	tracker, store := newTestTracker(t)

	run, err := tracker.StartRun(context.Background(), models.SourceTypeAPI,
		map[string]interface{}{"checkpoint": nil})
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, models.SourceTypeAPI, run.SourceType)
	assert.False(t, run.StartedAt.IsZero())

	stored, err := store.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.RunStatusRunning, stored.Status)
}

func TestStartRunSurfacesStoreFailure(t *testing.T) {
	tracker, store := newTestTracker(t)
	store.FailWrites(true)

	_, err := tracker.StartRun(context.Background(), models.SourceTypeAPI, nil)
	require.Error(t, err)
	assert.True(t, kasperoerrors.IsType(err, kasperoerrors.ErrorTypeQuery))
}

func TestCompleteRun(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	run, err := tracker.StartRun(ctx, models.SourceTypeFile, nil)
	require.NoError(t, err)

	counters := models.RunCounters{Extracted: 10, Transformed: 9, Loaded: 9, Skipped: 2, Failed: 1}
	runErr := kasperoerrors.New(kasperoerrors.ErrorTypeExtraction, "file truncated")

	err = tracker.CompleteRun(ctx, run, models.RunStatusFailed, counters, runErr,
		map[string]interface{}{"last_source_id": "data.csv:9"})
	require.NoError(t, err)

	stored, err := tracker.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	assert.Equal(t, counters, stored.Counters)
	require.NotNil(t, stored.CompletedAt)
	assert.GreaterOrEqual(t, stored.Duration, time.Duration(0))
	assert.Equal(t, "file truncated", stored.ErrorMessage)
	assert.NotEmpty(t, stored.ErrorTrace, "typed errors carry a stack trace")
	assert.Equal(t, "data.csv:9", stored.Checkpoint["last_source_id"])
}

func TestCompleteRunPlainErrorMessage(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	run, err := tracker.StartRun(ctx, models.SourceTypeFile, nil)
	require.NoError(t, err)

	err = tracker.CompleteRun(ctx, run, models.RunStatusFailed, models.RunCounters{},
		fmt.Errorf("disk full"), nil)
	require.NoError(t, err)

	stored, err := tracker.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "disk full", stored.ErrorMessage)
}

func TestLastRunFilters(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	finish := func(st models.SourceType, status models.RunStatus) {
		run, err := tracker.StartRun(ctx, st, nil)
		require.NoError(t, err)
		require.NoError(t, tracker.CompleteRun(ctx, run, status, models.RunCounters{}, nil, nil))
	}

	finish(models.SourceTypeAPI, models.RunStatusSuccess)
	finish(models.SourceTypeAPI, models.RunStatusFailed)
	finish(models.SourceTypeFeed, models.RunStatusSuccess)

	last, err := tracker.LastRun(ctx, models.SourceTypeAPI)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, models.RunStatusFailed, last.Status)

	lastOK, err := tracker.LastSuccessfulRun(ctx, models.SourceTypeAPI)
	require.NoError(t, err)
	require.NotNil(t, lastOK)
	assert.Equal(t, models.RunStatusSuccess, lastOK.Status)
	assert.Equal(t, models.SourceTypeAPI, lastOK.SourceType)

	lastFailed, err := tracker.LastFailedRun(ctx, models.SourceTypeFeed)
	require.NoError(t, err)
	assert.Nil(t, lastFailed)
}

func TestListRunsPagination(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		run, err := tracker.StartRun(ctx, models.SourceTypeAPI, nil)
		require.NoError(t, err)
		require.NoError(t, tracker.CompleteRun(ctx, run, models.RunStatusSuccess, models.RunCounters{}, nil, nil))
	}

	page, err := tracker.ListRuns(ctx, storage.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, page, 10, "default page size")

	page, err = tracker.ListRuns(ctx, storage.RunFilter{Limit: 5, Offset: 12})
	require.NoError(t, err)
	assert.Len(t, page, 3)
}

func TestGetStats(t *testing.T) {
	tracker, store := newTestTracker(t)
	ctx := context.Background()

	for i, status := range []models.RunStatus{
		models.RunStatusSuccess, models.RunStatusSuccess, models.RunStatusFailed, models.RunStatusSuccess,
	} {
		run, err := tracker.StartRun(ctx, models.SourceTypeAPI, nil)
		require.NoError(t, err)
		require.NoError(t, tracker.CompleteRun(ctx, run, status, models.RunCounters{Loaded: int64(i)}, nil, nil))
	}

	_, err := store.UpsertUnified(ctx, &models.UnifiedRecord{
		SourceType: models.SourceTypeAPI,
		SourceID:   "1",
		RawID:      1,
	})
	require.NoError(t, err)

	stats, err := tracker.GetStats(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalRecords)
	assert.Equal(t, int64(1), stats.RecordsBySource[models.SourceTypeAPI])
	assert.Equal(t, 4, stats.RunsInPeriod)
	assert.InDelta(t, 0.75, stats.SuccessRate, 1e-9)
	assert.NotNil(t, stats.LastSuccess)
	assert.NotNil(t, stats.LastFailure)
}

// brokenListStore fails status-filtered listings, leaving the
// unfiltered aggregate query intact.
type brokenListStore struct {
	*storage.MemoryStore
}

func (s *brokenListStore) ListRuns(ctx context.Context, filter storage.RunFilter) ([]*models.Run, error) {
	if filter.Status != "" {
		return nil, kasperoerrors.New(kasperoerrors.ErrorTypeQuery, "run listing unavailable")
	}
	return s.MemoryStore.ListRuns(ctx, filter)
}

func TestGetStatsSurfacesListFailure(t *testing.T) {
	store := &brokenListStore{MemoryStore: storage.NewMemoryStore()}
	tracker := NewTracker(store, zaptest.NewLogger(t))

	_, err := tracker.GetStats(context.Background(), 24)
	require.Error(t, err)
	assert.True(t, kasperoerrors.IsType(err, kasperoerrors.ErrorTypeQuery))
}

func TestCompareRunsRecordAnomalies(t *testing.T) {
	tracker, store := newTestTracker(t)
	ctx := context.Background()

	insert := func(id string, loaded int64, dur time.Duration, status models.RunStatus) {
		now := time.Now().UTC()
		completed := now.Add(dur)
		require.NoError(t, store.InsertRun(ctx, &models.Run{
			RunID:       id,
			SourceType:  models.SourceTypeAPI,
			Status:      status,
			StartedAt:   now,
			CompletedAt: &completed,
			Duration:    dur,
			Counters:    models.RunCounters{Loaded: loaded},
		}))
	}

	insert("base", 100, 10*time.Second, models.RunStatusSuccess)
	insert("shrunk", 40, 10*time.Second, models.RunStatusSuccess)   // -60%
	insert("collapsed", 5, 10*time.Second, models.RunStatusSuccess) // -95%
	insert("slow", 100, 25*time.Second, models.RunStatusSuccess)    // +150% duration
	insert("broken", 100, 10*time.Second, models.RunStatusFailed)

	cmp, err := tracker.CompareRuns(ctx, "base", "shrunk")
	require.NoError(t, err)
	require.NotNil(t, cmp.RecordsLoaded)
	assert.Equal(t, -60.0, cmp.RecordsLoaded.Percentage)
	require.Len(t, cmp.Anomalies, 1)
	assert.Equal(t, SeverityMedium, cmp.Anomalies[0].Severity)

	cmp, err = tracker.CompareRuns(ctx, "base", "collapsed")
	require.NoError(t, err)
	require.Len(t, cmp.Anomalies, 1)
	assert.Equal(t, SeverityHigh, cmp.Anomalies[0].Severity)

	cmp, err = tracker.CompareRuns(ctx, "base", "slow")
	require.NoError(t, err)
	require.NotNil(t, cmp.Duration)
	assert.InDelta(t, 150.0, cmp.Duration.Percentage, 1e-9)
	require.Len(t, cmp.Anomalies, 1)
	assert.Equal(t, "duration_anomaly", cmp.Anomalies[0].Type)
	assert.Equal(t, SeverityMedium, cmp.Anomalies[0].Severity)

	cmp, err = tracker.CompareRuns(ctx, "base", "broken")
	require.NoError(t, err)
	require.Len(t, cmp.Anomalies, 1)
	assert.Equal(t, "status_change", cmp.Anomalies[0].Type)
	assert.Equal(t, SeverityHigh, cmp.Anomalies[0].Severity)
}

func TestCompareRunsMissingRun(t *testing.T) {
	tracker, _ := newTestTracker(t)

	_, err := tracker.CompareRuns(context.Background(), "nope", "also-nope")
	require.Error(t, err)
	assert.True(t, kasperoerrors.IsType(err, kasperoerrors.ErrorTypeValidation))
}
