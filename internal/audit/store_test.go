package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YinLenRed/xiaozhiplus-sub000/internal/domain"
)

func TestMemoryStoreRecordAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, "dev1", "trk-1", "CMD_RECEIVED"))
	require.NoError(t, s.Record(ctx, "dev1", "trk-1", "EVT_SPEAK_DONE"))

	r, err := s.Get(ctx, "dev1", "trk-1")
	require.NoError(t, err)
	assert.Equal(t, "EVT_SPEAK_DONE", r.Status)
	assert.False(t, r.UpdatedAt.Before(r.FirstSeen))
}

func TestMemoryStoreGetMiss(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "dev1", "trk-missing")
	var notFound *domain.TrackNotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestMemoryStoreListByDevice(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, "dev1", "trk-1", "CMD_RECEIVED"))
	require.NoError(t, s.Record(ctx, "dev1", "trk-2", "CMD_RECEIVED"))
	require.NoError(t, s.Record(ctx, "dev2", "trk-3", "CMD_RECEIVED"))

	records, err := s.ListByDevice(ctx, "dev1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, "dev1", r.DeviceID)
	}
}

func TestMemoryStorePurge(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, "dev1", "trk-old", "CMD_RECEIVED"))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Record(ctx, "dev1", "trk-new", "CMD_RECEIVED"))

	purged, err := s.PurgeOlderThan(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = s.Get(ctx, "dev1", "trk-old")
	assert.Error(t, err)
	_, err = s.Get(ctx, "dev1", "trk-new")
	assert.NoError(t, err)
}
