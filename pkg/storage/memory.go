package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ajitpratap0/kaspero/pkg/models"
)

// MemoryStore is an in-process Store with the same upsert semantics as
// PostgresStore. It backs tests and the CLI's memory driver.
type MemoryStore struct {
	mu sync.Mutex

	nextRawID     int64
	nextUnifiedID int64
	nextDriftID   int64

	raw         map[models.SourceType]map[string]*models.RawRecord
	unified     map[models.SourceType]map[string]*models.UnifiedRecord
	checkpoints map[models.SourceType]*models.Checkpoint
	runs        map[string]*models.Run
	runOrder    []string
	drifts      []*models.SchemaDriftRecord

	// test hooks for checkpoint/drift persistence failure paths
	failWrites bool
	failErr    error
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		raw:         make(map[models.SourceType]map[string]*models.RawRecord),
		unified:     make(map[models.SourceType]map[string]*models.UnifiedRecord),
		checkpoints: make(map[models.SourceType]*models.Checkpoint),
		runs:        make(map[string]*models.Run),
	}
}

// FailWrites toggles failure of every mutating operation and
// checkpoint read. Test hook.
func (s *MemoryStore) FailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
	if !fail {
		s.failErr = nil
	}
}

// FailWith arms write failure with a specific error.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = true
	s.failErr = err
}

func (s *MemoryStore) writeErr() error {
	if !s.failWrites {
		return nil
	}
	if s.failErr != nil {
		return s.failErr
	}
	return errWriteFailure
}

// UpsertRaw implements Store.
func (s *MemoryStore) UpsertRaw(_ context.Context, sourceType models.SourceType, rec *models.RawRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return 0, err
	}

	bySource, ok := s.raw[sourceType]
	if !ok {
		bySource = make(map[string]*models.RawRecord)
		s.raw[sourceType] = bySource
	}

	stored, ok := bySource[rec.SourceID]
	if !ok {
		s.nextRawID++
		stored = &models.RawRecord{ID: s.nextRawID, SourceID: rec.SourceID}
		bySource[rec.SourceID] = stored
	}
	stored.Payload = rec.Payload
	stored.Checksum = rec.Checksum
	stored.IngestedAt = rec.IngestedAt
	return stored.ID, nil
}

// UpsertUnified implements Store.
func (s *MemoryStore) UpsertUnified(_ context.Context, rec *models.UnifiedRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return 0, err
	}

	bySource, ok := s.unified[rec.SourceType]
	if !ok {
		bySource = make(map[string]*models.UnifiedRecord)
		s.unified[rec.SourceType] = bySource
	}

	now := time.Now().UTC()
	stored, ok := bySource[rec.SourceID]
	if !ok {
		s.nextUnifiedID++
		stored = &models.UnifiedRecord{
			ID:         s.nextUnifiedID,
			SourceType: rec.SourceType,
			SourceID:   rec.SourceID,
			CreatedAt:  now,
		}
		bySource[rec.SourceID] = stored
	}
	stored.RawID = rec.RawID
	stored.Fields = rec.Fields
	stored.UpdatedAt = now
	return stored.ID, nil
}

// CountUnified implements Store.
func (s *MemoryStore) CountUnified(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, bySource := range s.unified {
		n += int64(len(bySource))
	}
	return n, nil
}

// CountUnifiedBySource implements Store.
func (s *MemoryStore) CountUnifiedBySource(_ context.Context) (map[models.SourceType]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.SourceType]int64)
	for st, bySource := range s.unified {
		out[st] = int64(len(bySource))
	}
	return out, nil
}

// GetCheckpoint implements Store.
func (s *MemoryStore) GetCheckpoint(_ context.Context, sourceType models.SourceType) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return nil, err
	}
	cp, ok := s.checkpoints[sourceType]
	if !ok {
		return nil, nil
	}
	clone := *cp
	return &clone, nil
}

// SaveCheckpoint implements Store.
func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	clone := *cp
	clone.UpdatedAt = time.Now().UTC()
	s.checkpoints[cp.SourceType] = &clone
	return nil
}

// ListCheckpoints implements Store.
func (s *MemoryStore) ListCheckpoints(_ context.Context) ([]*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		clone := *cp
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceType < out[j].SourceType })
	return out, nil
}

// InsertRun implements Store.
func (s *MemoryStore) InsertRun(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	clone := *run
	s.runs[run.RunID] = &clone
	s.runOrder = append(s.runOrder, run.RunID)
	return nil
}

// UpdateRun implements Store.
func (s *MemoryStore) UpdateRun(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	if _, ok := s.runs[run.RunID]; !ok {
		return errRunNotFound(run.RunID)
	}
	clone := *run
	s.runs[run.RunID] = &clone
	return nil
}

// GetRun implements Store.
func (s *MemoryStore) GetRun(_ context.Context, runID string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	clone := *run
	return &clone, nil
}

// ListRuns implements Store.
func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Newest first: reverse insertion order, tie-broken by StartedAt
	// below for runs inserted out of order in tests.
	matched := make([]*models.Run, 0, len(s.runOrder))
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		run := s.runs[s.runOrder[i]]
		if filter.SourceType != "" && run.SourceType != filter.SourceType {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		clone := *run
		matched = append(matched, &clone)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// InsertDrift implements Store.
func (s *MemoryStore) InsertDrift(_ context.Context, rec *models.SchemaDriftRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return 0, err
	}
	s.nextDriftID++
	clone := *rec
	clone.ID = s.nextDriftID
	s.drifts = append(s.drifts, &clone)
	return clone.ID, nil
}

// ListUnresolvedDrifts implements Store.
func (s *MemoryStore) ListUnresolvedDrifts(_ context.Context, sourceType models.SourceType) ([]*models.SchemaDriftRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.SchemaDriftRecord
	for i := len(s.drifts) - 1; i >= 0; i-- {
		d := s.drifts[i]
		if d.Resolved {
			continue
		}
		if sourceType != "" && d.SourceType != sourceType {
			continue
		}
		clone := *d
		out = append(out, &clone)
	}
	return out, nil
}

// ResolveDrift implements Store.
func (s *MemoryStore) ResolveDrift(_ context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return false, err
	}
	for _, d := range s.drifts {
		if d.ID == id && !d.Resolved {
			d.Resolved = true
			d.ResolvedAt = &at
			return true, nil
		}
	}
	return false, nil
}

// Close implements Store.
func (s *MemoryStore) Close() {}

type errRunNotFound string

func (e errRunNotFound) Error() string {
	return "run " + string(e) + " not found"
}

var errWriteFailure = errors.New("memory store: writes disabled")
