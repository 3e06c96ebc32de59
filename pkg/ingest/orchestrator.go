package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/kaspero/pkg/checkpoint"
	"github.com/ajitpratap0/kaspero/pkg/config"
	kasperoerrors "github.com/ajitpratap0/kaspero/pkg/errors"
	"github.com/ajitpratap0/kaspero/pkg/models"
)

// Summary aggregates one orchestrated pass over all sources. Results
// are in completion order, not submission order.
type Summary struct {
	TotalDuration time.Duration `json:"total_duration"`
	Successful    int           `json:"successful"`
	Failed        int           `json:"failed"`
	Results       []*Result     `json:"results"`
}

// Orchestrator sequences or parallelizes extraction runs.
type Orchestrator struct {
	runner *Runner
	cfg    config.OrchestratorConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewOrchestrator builds an orchestrator over a shared runner.
func NewOrchestrator(runner *Runner, cfg config.OrchestratorConfig, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		runner: runner,
		cfg:    cfg,
		logger: log,
		now:    time.Now,
	}
}

// RunAll executes every source, sequentially by default or through a
// bounded worker pool when configured parallel. A source failure is
// captured as a failed Result unless FailOnError is set, in which case
// it propagates and aborts the pass.
func (o *Orchestrator) RunAll(ctx context.Context, sources []Source) (*Summary, error) {
	start := o.now()
	var results []*Result

	if o.cfg.Parallel {
		var err error
		results, err = o.runParallel(ctx, sources)
		if err != nil {
			return nil, err
		}
	} else {
		for _, src := range sources {
			result, err := o.runOne(ctx, src)
			if err != nil {
				return nil, err
			}
			results = append(results, result)
		}
	}

	summary := &Summary{
		TotalDuration: o.now().Sub(start),
		Results:       results,
	}
	for _, r := range results {
		if r.Status == models.RunStatusFailed {
			summary.Failed++
		} else {
			summary.Successful++
		}
	}

	o.logger.Info("orchestrated run completed",
		zap.Duration("total_duration", summary.TotalDuration),
		zap.Int("sources", len(results)),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed))

	return summary, nil
}

func (o *Orchestrator) runParallel(ctx context.Context, sources []Source) ([]*Result, error) {
	workers := o.cfg.MaxWorkers
	if workers <= 0 {
		workers = len(sources)
	}

	var (
		mu      sync.Mutex
		results []*Result
		wg      sync.WaitGroup
		sem     = make(chan struct{}, workers)
		errOnce sync.Once
		fatal   error
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-runCtx.Done():
				return
			}

			result, err := o.runOne(runCtx, src)
			if err != nil {
				errOnce.Do(func() {
					fatal = err
					cancel()
				})
				return
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(src)
	}
	wg.Wait()

	if fatal != nil {
		return nil, fatal
	}
	return results, nil
}

// runOne runs a single source, converting its failure into a failed
// Result unless fail-on-error is configured.
func (o *Orchestrator) runOne(ctx context.Context, src Source) (*Result, error) {
	result, err := o.runner.Run(ctx, src)
	if err == nil {
		return result, nil
	}

	o.logger.Error("source run failed",
		zap.String("source", string(src.Type())),
		zap.Error(err))

	if o.cfg.FailOnError {
		return nil, err
	}
	if result == nil {
		result = &Result{
			SourceType: src.Type(),
			Status:     models.RunStatusFailed,
			Err:        err,
		}
	}
	return result, nil
}

// WithFailureInjection wraps a source so its extraction sequence fails
// when it reaches record failAt. Records 1..failAt-1 pass through.
// Used to validate that partial progress, checkpoints, and run state
// survive a mid-run crash.
func WithFailureInjection(src Source, failAt int) Source {
	failing := &failingSource{Source: src, failAt: failAt}
	if marker, ok := src.(ProgressMarker); ok {
		// Keep the inner source's incremental checkpointing visible
		// through the wrapper.
		return &failingProgressSource{failingSource: failing, marker: marker}
	}
	return failing
}

type failingSource struct {
	Source
	failAt int
}

type failingProgressSource struct {
	*failingSource
	marker ProgressMarker
}

func (f *failingProgressSource) CheckpointUpdate(raw RawRecord) *checkpoint.Update {
	return f.marker.CheckpointUpdate(raw)
}

func (f *failingSource) Extract(ctx context.Context) (*RecordStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	inner, err := f.Source.Extract(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	out := NewRecordStream(0)
	go func() {
		defer cancel()
		seen := 0
		for raw := range inner.Records() {
			seen++
			if seen == f.failAt {
				out.CloseWithError(kasperoerrors.Newf(kasperoerrors.ErrorTypeExtraction,
					"injected failure at record %d", f.failAt))
				return
			}
			if !out.Send(ctx, raw) {
				out.CloseWithError(ctx.Err())
				return
			}
		}
		out.AddSkipped(inner.Skipped())
		out.CloseWithError(inner.Err())
	}()
	return out, nil
}
