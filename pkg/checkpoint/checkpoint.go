// Package checkpoint manages the per-source cursors that make re-runs
// incremental. Every storage failure here surfaces as a checkpoint
// error — a broken cursor store means corrupted progress tracking and
// must never be ignored.
package checkpoint

import (
	"context"
	"time"

	"go.uber.org/zap"

	kasperoerrors "github.com/ajitpratap0/kaspero/pkg/errors"
	"github.com/ajitpratap0/kaspero/pkg/models"
)

// Store is the persistence surface the manager needs.
type Store interface {
	GetCheckpoint(ctx context.Context, sourceType models.SourceType) (*models.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	ListCheckpoints(ctx context.Context) ([]*models.Checkpoint, error)
}

// Update carries the fields of a checkpoint patch. Nil members are
// left untouched on the stored row.
type Update struct {
	LastSourceID *string
	LastOffset   *int64
	Metadata     map[string]interface{}
}

// Manager reads and mutates checkpoints for extractors.
type Manager struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a checkpoint manager.
func NewManager(store Store, logger *zap.Logger) *Manager {
	return &Manager{store: store, logger: logger, now: time.Now}
}

// Get returns the checkpoint for a source type, nil if none exists.
func (m *Manager) Get(ctx context.Context, sourceType models.SourceType) (*models.Checkpoint, error) {
	cp, err := m.store.GetCheckpoint(ctx, sourceType)
	if err != nil {
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeCheckpoint, "failed to get checkpoint")
	}
	return cp, nil
}

// LastSourceID returns the stored cursor ID, empty if no checkpoint
// exists.
func (m *Manager) LastSourceID(ctx context.Context, sourceType models.SourceType) (string, error) {
	cp, err := m.Get(ctx, sourceType)
	if err != nil {
		return "", err
	}
	if cp == nil {
		return "", nil
	}
	return cp.LastSourceID, nil
}

// LastOffset returns the stored source-local offset, zero if no
// checkpoint exists.
func (m *Manager) LastOffset(ctx context.Context, sourceType models.SourceType) (int64, error) {
	cp, err := m.Get(ctx, sourceType)
	if err != nil {
		return 0, err
	}
	if cp == nil {
		return 0, nil
	}
	return cp.LastOffset, nil
}

// Apply upserts the checkpoint for a source type: creates the row if
// absent, otherwise patches only the fields the update provides.
// last_processed_at is always stamped.
func (m *Manager) Apply(ctx context.Context, sourceType models.SourceType, update Update) (*models.Checkpoint, error) {
	cp, err := m.Get(ctx, sourceType)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		cp = &models.Checkpoint{SourceType: sourceType}
	}

	if update.LastSourceID != nil {
		cp.LastSourceID = *update.LastSourceID
	}
	if update.LastOffset != nil {
		cp.LastOffset = *update.LastOffset
	}
	if update.Metadata != nil {
		cp.Metadata = update.Metadata
	}
	now := m.now().UTC()
	cp.LastProcessedAt = &now

	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeCheckpoint, "failed to update checkpoint")
	}

	m.logger.Info("checkpoint updated",
		zap.String("source", string(sourceType)),
		zap.String("last_source_id", cp.LastSourceID),
		zap.Int64("last_offset", cp.LastOffset))

	return cp, nil
}

// Reset clears all cursor fields for forced reprocessing without
// deleting the row. A reset on a source with no checkpoint is a no-op.
func (m *Manager) Reset(ctx context.Context, sourceType models.SourceType) error {
	cp, err := m.Get(ctx, sourceType)
	if err != nil {
		return err
	}
	if cp == nil {
		return nil
	}

	cp.LastSourceID = ""
	cp.LastOffset = 0
	cp.LastProcessedAt = nil
	cp.Metadata = nil

	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeCheckpoint, "failed to reset checkpoint")
	}

	m.logger.Info("checkpoint reset", zap.String("source", string(sourceType)))
	return nil
}

// All returns every stored checkpoint.
func (m *Manager) All(ctx context.Context) ([]*models.Checkpoint, error) {
	cps, err := m.store.ListCheckpoints(ctx)
	if err != nil {
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeCheckpoint, "failed to list checkpoints")
	}
	return cps, nil
}

// Snapshot renders a checkpoint as a serializable map for run
// metadata. Nil in, nil out.
func Snapshot(cp *models.Checkpoint) map[string]interface{} {
	if cp == nil {
		return nil
	}
	out := map[string]interface{}{
		"last_source_id": cp.LastSourceID,
		"last_offset":    cp.LastOffset,
	}
	if cp.LastProcessedAt != nil {
		out["last_processed_at"] = cp.LastProcessedAt.Format(time.RFC3339)
	}
	return out
}
