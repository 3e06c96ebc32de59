package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/kaspero/pkg/checkpoint"
	kasperoerrors "github.com/ajitpratap0/kaspero/pkg/errors"
	"github.com/ajitpratap0/kaspero/pkg/models"
	"github.com/ajitpratap0/kaspero/pkg/runs"
	"github.com/ajitpratap0/kaspero/pkg/storage"
)

// fakeSource emits a fixed record slice. Records carry an "id" used as
// the source ID and a "title" the transform maps through.
type fakeSource struct {
	sourceType models.SourceType
	records    []RawRecord
	streamErr  error
	extractErr error

	// IDs whose transform fails
	badIDs map[string]bool
}

func (f *fakeSource) Type() models.SourceType { return f.sourceType }

func (f *fakeSource) Extract(ctx context.Context) (*RecordStream, error) {
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	stream := NewRecordStream(len(f.records))
	go func() {
		for _, raw := range f.records {
			if !stream.Send(ctx, raw) {
				stream.CloseWithError(ctx.Err())
				return
			}
		}
		stream.CloseWithError(f.streamErr)
	}()
	return stream, nil
}

func (f *fakeSource) SourceID(raw RawRecord) string {
	return fmt.Sprint(raw["id"])
}

func (f *fakeSource) Transform(raw RawRecord) (*models.UnifiedFields, error) {
	if f.badIDs[f.SourceID(raw)] {
		return nil, kasperoerrors.New(kasperoerrors.ErrorTypeTransformation, "unusable record")
	}
	title, _ := raw["title"].(string)
	return &models.UnifiedFields{Title: title}, nil
}

// offsetSource adds incremental row checkpointing on top of fakeSource.
type offsetSource struct {
	fakeSource
}

func (o *offsetSource) CheckpointUpdate(raw RawRecord) *checkpoint.Update {
	row, ok := raw["_row"].(int64)
	if !ok {
		return nil
	}
	return &checkpoint.Update{LastOffset: &row}
}

type harness struct {
	store       *storage.MemoryStore
	checkpoints *checkpoint.Manager
	tracker     *runs.Tracker
	runner      *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := storage.NewMemoryStore()
	checkpoints := checkpoint.NewManager(store, log)
	tracker := runs.NewTracker(store, log)
	return &harness{
		store:       store,
		checkpoints: checkpoints,
		tracker:     tracker,
		runner:      NewRunner(store, checkpoints, tracker, nil, nil, log),
	}
}

func apiRecords(ids ...string) []RawRecord {
	out := make([]RawRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, RawRecord{"id": id, "title": "record " + id})
	}
	return out
}

func TestRunnerFullLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	src := &fakeSource{sourceType: models.SourceTypeAPI, records: apiRecords("a1", "a2", "a3")}
	result, err := h.runner.Run(ctx, src)
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusSuccess, result.Status)
	assert.Equal(t, int64(3), result.Counters.Extracted)
	assert.Equal(t, int64(3), result.Counters.Transformed)
	assert.Equal(t, int64(3), result.Counters.Loaded)
	assert.Zero(t, result.Counters.Failed)

	cp, err := h.checkpoints.Get(ctx, models.SourceTypeAPI)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "a3", cp.LastSourceID)
	assert.Equal(t, int64(3), cp.Metadata["records_processed"])

	run, err := h.tracker.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Equal(t, "a3", run.Checkpoint["last_source_id"])

	count, err := h.store.CountUnified(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestRunnerRerunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	src := &fakeSource{sourceType: models.SourceTypeAPI, records: apiRecords("a1", "a2")}

	_, err := h.runner.Run(ctx, src)
	require.NoError(t, err)

	// Force full reprocessing and run the same batch again: the dual
	// upsert must land on the same rows.
	require.NoError(t, h.checkpoints.Reset(ctx, models.SourceTypeAPI))
	result, err := h.runner.Run(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Counters.Loaded)

	count, err := h.store.CountUnified(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRunnerSkipsCheckpointedRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	src := &fakeSource{sourceType: models.SourceTypeAPI, records: apiRecords("a1", "a2", "a3")}
	_, err := h.runner.Run(ctx, src)
	require.NoError(t, err)

	result, err := h.runner.Run(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, result.Status)
	assert.Equal(t, int64(3), result.Counters.Skipped)
	assert.Zero(t, result.Counters.Loaded)
}

func TestRunnerLexicographicFilter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	last := "test:50"
	_, err := h.checkpoints.Apply(ctx, models.SourceTypeAPI, checkpoint.Update{LastSourceID: &last})
	require.NoError(t, err)

	// String comparison, not numeric: "test:49" sorts below the cursor
	// and is skipped, while both "test:51" and "test:6" sort above it.
	src := &fakeSource{
		sourceType: models.SourceTypeAPI,
		records:    apiRecords("test:49", "test:51", "test:6"),
	}
	result, err := h.runner.Run(ctx, src)
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Counters.Skipped)
	assert.Equal(t, int64(2), result.Counters.Loaded)
}

func TestRunnerPerRecordFailureIsPartial(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	src := &fakeSource{
		sourceType: models.SourceTypeAPI,
		records:    apiRecords("a1", "a2", "a3"),
		badIDs:     map[string]bool{"a2": true},
	}
	result, err := h.runner.Run(ctx, src)
	require.NoError(t, err, "per-record failures never fail the run")

	assert.Equal(t, models.RunStatusPartial, result.Status)
	assert.Equal(t, int64(3), result.Counters.Extracted)
	assert.Equal(t, int64(2), result.Counters.Loaded)
	assert.Equal(t, int64(1), result.Counters.Failed)

	// The bad record does not hold the checkpoint back.
	cp, err := h.checkpoints.Get(ctx, models.SourceTypeAPI)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "a3", cp.LastSourceID)
}

func TestRunnerStreamErrorFailsRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	src := &fakeSource{
		sourceType: models.SourceTypeAPI,
		records:    apiRecords("a1", "a2"),
		streamErr:  kasperoerrors.New(kasperoerrors.ErrorTypeExtraction, "connection reset"),
	}
	result, err := h.runner.Run(ctx, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	require.NotNil(t, result)
	assert.Equal(t, models.RunStatusFailed, result.Status)
	assert.Equal(t, int64(2), result.Counters.Loaded, "records before the failure still land")

	run, err := h.tracker.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "connection reset")

	// The cursor is not advanced after a failed sequence.
	cp, err := h.checkpoints.Get(ctx, models.SourceTypeAPI)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestRunnerExtractStartFailure(t *testing.T) {
	h := newHarness(t)

	src := &fakeSource{
		sourceType: models.SourceTypeFeed,
		extractErr: kasperoerrors.New(kasperoerrors.ErrorTypeExtraction, "dns failure"),
	}
	result, err := h.runner.Run(context.Background(), src)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, models.RunStatusFailed, result.Status)
	assert.Zero(t, result.Counters.Extracted)
}

// flakyCheckpointStore fails checkpoint saves on demand while leaving
// every other operation intact.
type flakyCheckpointStore struct {
	*storage.MemoryStore
	failSaves bool
}

func (s *flakyCheckpointStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if s.failSaves {
		return errors.New("checkpoint table unavailable")
	}
	return s.MemoryStore.SaveCheckpoint(ctx, cp)
}

func TestRunnerCheckpointFailureIsFatal(t *testing.T) {
	log := zaptest.NewLogger(t)
	flaky := &flakyCheckpointStore{MemoryStore: storage.NewMemoryStore(), failSaves: true}
	checkpoints := checkpoint.NewManager(flaky, log)
	tracker := runs.NewTracker(flaky.MemoryStore, log)
	runner := NewRunner(flaky.MemoryStore, checkpoints, tracker, nil, nil, log)

	row := int64(1)
	src := &offsetSource{fakeSource{
		sourceType: models.SourceTypeFile,
		records:    []RawRecord{{"id": "f.csv:1", "title": "row one", "_row": row}},
	}}

	result, err := runner.Run(context.Background(), src)
	require.Error(t, err)
	assert.True(t, kasperoerrors.IsType(err, kasperoerrors.ErrorTypeCheckpoint))
	require.NotNil(t, result)
	assert.Equal(t, models.RunStatusFailed, result.Status)
}

func TestRunnerIncrementalOffsetCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	src := &offsetSource{fakeSource{
		sourceType: models.SourceTypeFile,
		records: []RawRecord{
			{"id": "f.csv:1", "title": "one", "_row": int64(1)},
			{"id": "f.csv:2", "title": "two", "_row": int64(2)},
			{"id": "f.csv:3", "title": "three", "_row": int64(3)},
		},
	}}

	_, err := h.runner.Run(ctx, src)
	require.NoError(t, err)

	cp, err := h.checkpoints.Get(ctx, models.SourceTypeFile)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(3), cp.LastOffset)
	assert.Equal(t, "f.csv:3", cp.LastSourceID)
}

func TestRunnerFailureInjectionKeepsPartialProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	src := &offsetSource{fakeSource{
		sourceType: models.SourceTypeFile,
		records: []RawRecord{
			{"id": "f.csv:1", "title": "one", "_row": int64(1)},
			{"id": "f.csv:2", "title": "two", "_row": int64(2)},
			{"id": "f.csv:3", "title": "three", "_row": int64(3)},
		},
	}}

	result, err := h.runner.Run(ctx, WithFailureInjection(src, 3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "injected failure at record 3")
	assert.Equal(t, models.RunStatusFailed, result.Status)
	assert.Equal(t, int64(2), result.Counters.Loaded)

	// Resume point is the last row loaded before the crash.
	cp, err := h.checkpoints.Get(ctx, models.SourceTypeFile)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(2), cp.LastOffset)
	assert.Empty(t, cp.LastSourceID, "cursor ID only advances on a clean finish")
}
