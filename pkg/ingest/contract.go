// Package ingest defines the extractor contract shared by the three
// source variants and the runner that drives a full extraction run:
// incremental filtering, drift detection, the raw+unified dual write,
// checkpoint advancement, and run bookkeeping.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/ajitpratap0/kaspero/pkg/checkpoint"
	"github.com/ajitpratap0/kaspero/pkg/models"
)

// RawRecord is one record as emitted by a source, before any
// normalization.
type RawRecord map[string]interface{}

// Source is the per-variant extraction strategy. Implementations must
// be safe to run once per call to Extract; Transform and SourceID are
// pure and must tolerate arbitrary record shapes.
type Source interface {
	// Type identifies the source variant.
	Type() models.SourceType

	// Extract starts producing records. The returned stream closes
	// when the source is exhausted, fails, or ctx is cancelled; the
	// producer must release its underlying handle on every exit path.
	Extract(ctx context.Context) (*RecordStream, error)

	// SourceID computes the deterministic identity of a raw record.
	SourceID(raw RawRecord) string

	// Transform maps a raw record to the unified field bundle. Missing
	// fields default to zero values; Transform never fails the run on
	// a single bad record.
	Transform(raw RawRecord) (*models.UnifiedFields, error)
}

// ProgressMarker is an optional Source extension for variants that
// checkpoint incrementally during extraction (the file variant tracks
// a row offset so a mid-run failure resumes from the last good row).
// The runner applies the returned update after each successfully
// loaded record; a nil update means no incremental progress to save.
type ProgressMarker interface {
	CheckpointUpdate(raw RawRecord) *checkpoint.Update
}

// RecordStream is the pull side of a lazy extraction sequence. The
// producer goroutine sends records and closes the stream exactly once,
// optionally with a terminal error; the consumer ranges over Records
// and checks Err afterward.
type RecordStream struct {
	records chan RawRecord

	mu  sync.Mutex
	err error

	closeOnce sync.Once
	skipped   int64
}

// NewRecordStream returns a stream with the given channel buffer.
func NewRecordStream(buffer int) *RecordStream {
	return &RecordStream{records: make(chan RawRecord, buffer)}
}

// Records is the consumer side of the stream.
func (s *RecordStream) Records() <-chan RawRecord {
	return s.records
}

// Send delivers a record, returning false when ctx is done before the
// consumer accepts it.
func (s *RecordStream) Send(ctx context.Context, raw RawRecord) bool {
	select {
	case s.records <- raw:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close ends the stream without error.
func (s *RecordStream) Close() {
	s.CloseWithError(nil)
}

// CloseWithError ends the stream. The first call wins; the error is
// observable through Err once Records is drained.
func (s *RecordStream) CloseWithError(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.records)
	})
}

// Err reports the terminal error, valid after Records is closed.
func (s *RecordStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// AddSkipped counts records the producer dropped before emission
// (offset-based resume in the file variant).
func (s *RecordStream) AddSkipped(n int64) {
	atomic.AddInt64(&s.skipped, n)
}

// Skipped returns the producer-side skip count.
func (s *RecordStream) Skipped() int64 {
	return atomic.LoadInt64(&s.skipped)
}

// Checksum computes the content hash of a raw payload using a stable,
// key-sorted serialization. Used for raw-table dedup diagnostics; the
// idempotency key itself is the source_id.
func Checksum(raw RawRecord) string {
	data, err := json.Marshal(map[string]interface{}(raw))
	if err != nil {
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
