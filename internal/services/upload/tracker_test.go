package upload

import (
	"context"
	"testing"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/cache"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisTracker(t *testing.T) (SessionTracker, *miniredis.Miniredis) {
	t.Helper()
	logger.SetLogger(zap.NewNop())
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisTracker(cache.NewRedisCache(client), time.Hour), mr
}

// 两种实现共享同一组行为测试
func trackerImplementations(t *testing.T) map[string]func(t *testing.T) SessionTracker {
	return map[string]func(t *testing.T) SessionTracker{
		"memory": func(t *testing.T) SessionTracker { return NewMemoryTracker(time.Hour) },
		"redis": func(t *testing.T) SessionTracker {
			tr, _ := newRedisTracker(t)
			return tr
		},
	}
}

func TestTracker_Lifecycle(t *testing.T) {
	for name, newTracker := range trackerImplementations(t) {
		t.Run(name, func(t *testing.T) {
			tr := newTracker(t)
			ctx := context.Background()

			_, err := tr.Snapshot(ctx, "s1")
			assert.ErrorIs(t, err, xerr.ErrUploadSessionNotFound)

			require.NoError(t, tr.Admit(ctx, "s1", 3))
			require.NoError(t, tr.Observe(ctx, "s1", 2))
			require.NoError(t, tr.Admit(ctx, "s1", 3))
			require.NoError(t, tr.Observe(ctx, "s1", 0))
			require.NoError(t, tr.Observe(ctx, "s1", 0))

			st, err := tr.Snapshot(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, 3, st.TotalChunks)
			assert.Equal(t, []int{0, 2}, st.ReceivedIndices)
			assert.Equal(t, models.SessionOpen, st.State)

			// total 由第一个分片确定
			err = tr.Admit(ctx, "s1", 4)
			assert.ErrorIs(t, err, xerr.ErrTotalChunksMismatch)
			assert.ErrorIs(t, err, xerr.ErrInvalidInput)

			require.NoError(t, tr.Admit(ctx, "s1", 3))
			require.NoError(t, tr.Observe(ctx, "s1", 1))
			st, err = tr.Snapshot(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, models.SessionComplete, st.State)

			require.NoError(t, tr.MarkFailed(ctx, "s1", "disk full"))
			st, err = tr.Snapshot(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, models.SessionFailed, st.State)
			assert.Equal(t, "disk full", st.FailureReason)

			require.NoError(t, tr.MarkMerged(ctx, "s1", 42))
			st, err = tr.Snapshot(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, models.SessionMerged, st.State)
			assert.Equal(t, uint64(42), st.ArtifactID)
			assert.Empty(t, st.FailureReason)
			assert.Empty(t, st.ReceivedIndices)

			assert.ErrorIs(t, tr.Admit(ctx, "s1", 3), xerr.ErrInvalidInput)

			require.NoError(t, tr.Forget(ctx, "s1"))
			_, err = tr.Snapshot(ctx, "s1")
			assert.ErrorIs(t, err, xerr.ErrUploadSessionNotFound)
		})
	}
}

func TestTracker_StaleSkipsMerged(t *testing.T) {
	for name, newTracker := range trackerImplementations(t) {
		t.Run(name, func(t *testing.T) {
			tr := newTracker(t)
			ctx := context.Background()

			require.NoError(t, tr.Admit(ctx, "a", 1))
			require.NoError(t, tr.Admit(ctx, "b", 1))
			require.NoError(t, tr.MarkMerged(ctx, "b", 1))

			ids, err := tr.Stale(ctx, time.Now().Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, ids)

			ids, err = tr.Stale(ctx, time.Now().Add(-time.Minute))
			require.NoError(t, err)
			assert.Empty(t, ids)
		})
	}
}

func TestRedisTracker_MergedMarkerExpires(t *testing.T) {
	tr, mr := newRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Admit(ctx, "s1", 1))
	require.NoError(t, tr.Observe(ctx, "s1", 0))
	require.NoError(t, tr.MarkMerged(ctx, "s1", 7))
	assert.False(t, mr.Exists(cache.GenerateUploadChunksKey("s1")))

	mr.FastForward(2 * time.Hour)
	_, err := tr.Snapshot(ctx, "s1")
	assert.ErrorIs(t, err, xerr.ErrUploadSessionNotFound)
}

func TestTracker_MarkFailedRefreshesActivity(t *testing.T) {
	for name, newTracker := range trackerImplementations(t) {
		t.Run(name, func(t *testing.T) {
			tr := newTracker(t)
			ctx := context.Background()

			now := time.Now()
			setClock(tr, func() time.Time { return now })
			require.NoError(t, tr.Admit(ctx, "s1", 2))

			now = now.Add(2 * time.Hour)
			require.NoError(t, tr.MarkFailed(ctx, "s1", "disk full"))

			ids, err := tr.Stale(ctx, now.Add(-time.Hour))
			require.NoError(t, err)
			assert.Empty(t, ids, "a failed session stays until it has been idle for a full ttl")

			ids, err = tr.Stale(ctx, now.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, []string{"s1"}, ids)
		})
	}
}

func setClock(tr SessionTracker, now func() time.Time) {
	switch v := tr.(type) {
	case *redisTracker:
		v.now = now
	case *memoryTracker:
		v.now = now
	}
}
