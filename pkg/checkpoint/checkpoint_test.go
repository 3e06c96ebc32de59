package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	kasperoerrors "github.com/ajitpratap0/kaspero/pkg/errors"
	"github.com/ajitpratap0/kaspero/pkg/models"
	"github.com/ajitpratap0/kaspero/pkg/storage"
)

func strPtr(s string) *string { return &s }

func intPtr(n int64) *int64 { return &n }

func newTestManager(t *testing.T) (*Manager, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewManager(store, zaptest.NewLogger(t)), store
}

func TestGetReturnsNilWhenAbsent(t *testing.T) {
	manager, _ := newTestManager(t)

	cp, err := manager.Get(context.Background(), models.SourceTypeAPI)
	require.NoError(t, err)
	assert.Nil(t, cp)

	id, err := manager.LastSourceID(context.Background(), models.SourceTypeAPI)
	require.NoError(t, err)
	assert.Equal(t, "", id)

	offset, err := manager.LastOffset(context.Background(), models.SourceTypeAPI)
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)
}

func TestApplyCreatesThenPatches(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	cp, err := manager.Apply(ctx, models.SourceTypeFile, Update{
		LastSourceID: strPtr("data.csv:10"),
		LastOffset:   intPtr(10),
		Metadata:     map[string]interface{}{"records_processed": 10},
	})
	require.NoError(t, err)
	assert.Equal(t, "data.csv:10", cp.LastSourceID)
	assert.Equal(t, int64(10), cp.LastOffset)
	require.NotNil(t, cp.LastProcessedAt)
	firstStamp := *cp.LastProcessedAt

	// Patch only the offset; the cursor ID must survive.
	cp, err = manager.Apply(ctx, models.SourceTypeFile, Update{
		LastOffset: intPtr(25),
	})
	require.NoError(t, err)
	assert.Equal(t, "data.csv:10", cp.LastSourceID)
	assert.Equal(t, int64(25), cp.LastOffset)
	require.NotNil(t, cp.LastProcessedAt)
	assert.False(t, cp.LastProcessedAt.Before(firstStamp))

	stored, err := manager.Get(ctx, models.SourceTypeFile)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, int64(25), stored.LastOffset)
	assert.Equal(t, map[string]interface{}{"records_processed": 10}, stored.Metadata)
}

func TestResetClearsCursorButKeepsRow(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.Apply(ctx, models.SourceTypeFeed, Update{
		LastSourceID: strPtr("guid-99"),
		LastOffset:   intPtr(7),
	})
	require.NoError(t, err)

	require.NoError(t, manager.Reset(ctx, models.SourceTypeFeed))

	cp, err := manager.Get(ctx, models.SourceTypeFeed)
	require.NoError(t, err)
	require.NotNil(t, cp, "reset keeps the row")
	assert.Equal(t, "", cp.LastSourceID)
	assert.Equal(t, int64(0), cp.LastOffset)
	assert.Nil(t, cp.LastProcessedAt)
}

func TestResetWithoutCheckpointIsNoop(t *testing.T) {
	manager, _ := newTestManager(t)
	assert.NoError(t, manager.Reset(context.Background(), models.SourceTypeAPI))
}

func TestStoreFailuresSurfaceAsCheckpointErrors(t *testing.T) {
	manager, store := newTestManager(t)
	store.FailWrites(true)
	ctx := context.Background()

	_, err := manager.Get(ctx, models.SourceTypeAPI)
	require.Error(t, err)
	assert.True(t, kasperoerrors.IsType(err, kasperoerrors.ErrorTypeCheckpoint))

	_, err = manager.Apply(ctx, models.SourceTypeAPI, Update{LastSourceID: strPtr("x")})
	require.Error(t, err)
	assert.True(t, kasperoerrors.IsType(err, kasperoerrors.ErrorTypeCheckpoint))
}

func TestAllListsEverySource(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	for _, st := range []models.SourceType{models.SourceTypeAPI, models.SourceTypeFile} {
		_, err := manager.Apply(ctx, st, Update{LastSourceID: strPtr("cursor")})
		require.NoError(t, err)
	}

	cps, err := manager.All(ctx)
	require.NoError(t, err)
	assert.Len(t, cps, 2)
}

func TestSnapshot(t *testing.T) {
	assert.Nil(t, Snapshot(nil))

	manager, _ := newTestManager(t)
	cp, err := manager.Apply(context.Background(), models.SourceTypeAPI, Update{
		LastSourceID: strPtr("coinpaprika:btc-bitcoin:2024-06-01"),
		LastOffset:   intPtr(3),
	})
	require.NoError(t, err)

	snap := Snapshot(cp)
	assert.Equal(t, "coinpaprika:btc-bitcoin:2024-06-01", snap["last_source_id"])
	assert.Equal(t, int64(3), snap["last_offset"])
	assert.Contains(t, snap, "last_processed_at")
}
