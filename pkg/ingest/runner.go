package ingest

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/kaspero/pkg/checkpoint"
	"github.com/ajitpratap0/kaspero/pkg/drift"
	kasperoerrors "github.com/ajitpratap0/kaspero/pkg/errors"
	"github.com/ajitpratap0/kaspero/pkg/logger"
	"github.com/ajitpratap0/kaspero/pkg/metrics"
	"github.com/ajitpratap0/kaspero/pkg/models"
	"github.com/ajitpratap0/kaspero/pkg/runs"
	"github.com/ajitpratap0/kaspero/pkg/storage"
)

// Result is the outcome of one extraction run.
type Result struct {
	RunID      string               `json:"run_id"`
	SourceType models.SourceType    `json:"source_type"`
	Status     models.RunStatus     `json:"status"`
	Counters   models.RunCounters   `json:"counters"`
	Duration   time.Duration        `json:"duration"`
	Err        error                `json:"-"`
}

// Runner drives the shared extraction lifecycle against any Source.
type Runner struct {
	store       storage.Store
	checkpoints *checkpoint.Manager
	tracker     *runs.Tracker
	detector    *drift.Detector
	collector   *metrics.Collector
	logger      *zap.Logger
	now         func() time.Time
}

// NewRunner wires a runner. detector may be nil to disable drift
// detection; collector defaults to the process-wide one.
func NewRunner(store storage.Store, checkpoints *checkpoint.Manager, tracker *runs.Tracker,
	detector *drift.Detector, collector *metrics.Collector, log *zap.Logger) *Runner {

	if collector == nil {
		collector = metrics.Default()
	}
	return &Runner{
		store:       store,
		checkpoints: checkpoints,
		tracker:     tracker,
		detector:    detector,
		collector:   collector,
		logger:      log,
		now:         time.Now,
	}
}

// WithClock overrides the runner's clock for tests.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Run executes the full lifecycle for one source: read the checkpoint,
// open a run, stream records through drift detection and the dual
// upsert, advance the checkpoint, and close the run with final counts.
//
// Per-record failures are counted and logged, never fatal. A failure
// of the extraction sequence itself marks the run failed and is
// returned to the caller along with the partial Result. Checkpoint
// and run-tracking errors always surface.
func (r *Runner) Run(ctx context.Context, src Source) (*Result, error) {
	sourceType := src.Type()
	log := r.logger.With(zap.String("source", string(sourceType)))

	cp, err := r.checkpoints.Get(ctx, sourceType)
	if err != nil {
		return nil, err
	}

	run, err := r.tracker.StartRun(ctx, sourceType, map[string]interface{}{
		"checkpoint": checkpoint.Snapshot(cp),
	})
	if err != nil {
		return nil, err
	}

	ctx = logger.ContextWithRun(ctx, run.RunID, string(sourceType))
	log = log.With(zap.String("run_id", run.RunID))

	lastID := ""
	if cp != nil {
		lastID = cp.LastSourceID
	}

	var counters models.RunCounters
	lastProcessed := ""

	finish := func(status models.RunStatus, runErr error) (*Result, error) {
		var checkpointData map[string]interface{}
		if lastProcessed != "" {
			checkpointData = map[string]interface{}{"last_source_id": lastProcessed}
		}
		if err := r.tracker.CompleteRun(ctx, run, status, counters, runErr, checkpointData); err != nil {
			return nil, err
		}

		duration := r.now().Sub(run.StartedAt)
		r.collector.RunsTotal.WithLabelValues(string(sourceType), string(status)).Inc()
		r.collector.RunDuration.WithLabelValues(string(sourceType)).Observe(duration.Seconds())

		result := &Result{
			RunID:      run.RunID,
			SourceType: sourceType,
			Status:     status,
			Counters:   counters,
			Duration:   duration,
			Err:        runErr,
		}
		return result, runErr
	}

	stream, err := src.Extract(ctx)
	if err != nil {
		log.Error("extraction failed to start", zap.Error(err))
		return finish(models.RunStatusFailed, err)
	}

	for raw := range stream.Records() {
		sourceID := src.SourceID(raw)

		// Incremental filter. Lexicographic comparison, so numeric IDs
		// of differing width do not order numerically ("9" > "10" as
		// strings); an inherited quirk, kept deliberately.
		if lastID != "" && sourceID <= lastID {
			counters.Skipped++
			r.collector.RecordsTotal.WithLabelValues(string(sourceType), "skipped").Inc()
			continue
		}

		counters.Extracted++
		r.collector.RecordsTotal.WithLabelValues(string(sourceType), "extracted").Inc()

		if fatal, err := r.processRecord(ctx, src, raw, sourceID, &counters, log); err != nil {
			if fatal {
				return finish(models.RunStatusFailed, err)
			}
			counters.Failed++
			r.collector.RecordsTotal.WithLabelValues(string(sourceType), "failed").Inc()
			log.Error("record processing failed",
				zap.String("source_id", sourceID),
				zap.Error(err))
			continue
		}

		lastProcessed = sourceID
	}

	counters.Skipped += stream.Skipped()

	if streamErr := stream.Err(); streamErr != nil {
		log.Error("extraction sequence failed", zap.Error(streamErr))
		return finish(models.RunStatusFailed, streamErr)
	}

	if lastProcessed != "" {
		_, err := r.checkpoints.Apply(ctx, sourceType, checkpoint.Update{
			LastSourceID: &lastProcessed,
			Metadata:     map[string]interface{}{"records_processed": counters.Loaded},
		})
		if err != nil {
			return finish(models.RunStatusFailed, err)
		}
		r.collector.CheckpointsSaved.WithLabelValues(string(sourceType)).Inc()
	}

	status := models.RunStatusSuccess
	if counters.Failed > 0 {
		status = models.RunStatusPartial
	}
	return finish(status, nil)
}

// processRecord runs drift detection, the dual upsert, and incremental
// checkpointing for one record. A true fatal flag means the whole run
// must abort (checkpoint persistence failure); any other error is a
// per-record failure the caller counts and moves past.
func (r *Runner) processRecord(ctx context.Context, src Source, raw RawRecord, sourceID string,
	counters *models.RunCounters, log *zap.Logger) (fatal bool, err error) {

	sourceType := src.Type()

	if r.detector != nil {
		if drifts := r.detector.DetectDrift(sourceType, raw); len(drifts) > 0 {
			r.detector.RecordDrifts(ctx, sourceType, drifts)
			for _, d := range drifts {
				r.collector.DriftsDetected.WithLabelValues(string(sourceType), string(d.DriftType)).Inc()
			}
		}
	}

	rawRec := &models.RawRecord{
		SourceID:   sourceID,
		Payload:    raw,
		Checksum:   Checksum(raw),
		IngestedAt: r.now().UTC(),
	}
	rawID, err := r.store.UpsertRaw(ctx, sourceType, rawRec)
	if err != nil {
		return false, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "raw upsert failed")
	}

	fields, err := src.Transform(raw)
	if err != nil {
		return false, err
	}
	counters.Transformed++

	unified := &models.UnifiedRecord{
		SourceType: sourceType,
		SourceID:   strconv.FormatInt(rawID, 10),
		RawID:      rawID,
		Fields:     *fields,
	}
	if _, err := r.store.UpsertUnified(ctx, unified); err != nil {
		return false, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "unified upsert failed")
	}
	counters.Loaded++
	r.collector.RecordsTotal.WithLabelValues(string(sourceType), "loaded").Inc()

	if marker, ok := src.(ProgressMarker); ok {
		if update := marker.CheckpointUpdate(raw); update != nil {
			if _, err := r.checkpoints.Apply(ctx, sourceType, *update); err != nil {
				return true, err
			}
			r.collector.CheckpointsSaved.WithLabelValues(string(sourceType)).Inc()
		}
	}

	log.Debug("record loaded",
		zap.String("source_id", sourceID),
		zap.Int64("raw_id", rawID))
	return false, nil
}
