package chunkstore

import (
	"bytes"
	"context"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/storage"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *storage.LocalStorageService) {
	t.Helper()
	logger.SetLogger(zap.NewNop())
	backend, err := storage.NewLocalStorageService(t.TempDir(), "/uploads")
	require.NoError(t, err)
	return New(backend), backend
}

func put(t *testing.T, s *Store, session string, index, total int, data string) {
	t.Helper()
	_, err := s.PutChunk(context.Background(), session, index, total, strings.NewReader(data), int64(len(data)))
	require.NoError(t, err)
}

func TestPutChunk_RejectsInvalidInput(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		session string
		index   int
		total   int
		payload io.Reader
		size    int64
	}{
		{"empty session", "", 0, 1, strings.NewReader("a"), 1},
		{"path traversal", "../etc", 0, 1, strings.NewReader("a"), 1},
		{"negative index", "s1", -1, 3, strings.NewReader("a"), 1},
		{"index equals total", "s1", 3, 3, strings.NewReader("a"), 1},
		{"zero total", "s1", 0, 0, strings.NewReader("a"), 1},
		{"empty payload", "s1", 0, 3, strings.NewReader(""), 0},
		{"nil payload", "s1", 0, 3, nil, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.PutChunk(ctx, tc.session, tc.index, tc.total, tc.payload, tc.size)
			assert.ErrorIs(t, err, xerr.ErrInvalidInput)
		})
	}

	// 被拒绝的请求不应创建命名空间
	_, err := backend.StatObject(ctx, "temp/s1/0")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestPutChunk_OverwriteIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	put(t, s, "s1", 0, 2, "old-bytes")
	put(t, s, "s1", 0, 2, "new")

	size, ok, err := s.StatChunk(context.Background(), "s1", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), size)
}

func TestInspect_ReportsFirstMissingAndOverflow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	put(t, s, "s1", 0, 4, "aa")
	put(t, s, "s1", 2, 4, "bbb")

	inv, err := s.Inspect(ctx, "s1", 4)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.FirstMissing)
	assert.Zero(t, inv.TotalSize)
	assert.False(t, inv.Overflow)

	put(t, s, "s1", 1, 4, "c")
	put(t, s, "s1", 3, 4, "dddd")
	inv, err = s.Inspect(ctx, "s1", 4)
	require.NoError(t, err)
	assert.Equal(t, -1, inv.FirstMissing)
	assert.Equal(t, int64(10), inv.TotalSize)
	assert.False(t, inv.Overflow)

	// 声明总数为 3 时, 序号 3 的分片属于越界
	inv, err = s.Inspect(ctx, "s1", 3)
	require.NoError(t, err)
	assert.Equal(t, -1, inv.FirstMissing)
	assert.True(t, inv.Overflow)
}

func TestInspect_StopsAtFirstMissing(t *testing.T) {
	s, _ := newTestStore(t)
	put(t, s, "s1", 0, math.MaxInt32, "a")

	done := make(chan struct{})
	var inv Inventory
	var err error
	go func() {
		defer close(done)
		inv, err = s.Inspect(context.Background(), "s1", math.MaxInt32)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Inspect did not return after the first missing chunk")
	}
	require.NoError(t, err)
	assert.Equal(t, 1, inv.FirstMissing)
}

func TestInspect_HonoursContext(t *testing.T) {
	s, _ := newTestStore(t)
	put(t, s, "s1", 0, 2, "a")
	put(t, s, "s1", 1, 2, "b")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Inspect(ctx, "s1", 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSequentialReader_ConcatenatesInIndexOrder(t *testing.T) {
	s, _ := newTestStore(t)
	// 乱序上传
	put(t, s, "s1", 2, 3, "ccc")
	put(t, s, "s1", 0, 3, "a")
	put(t, s, "s1", 1, 3, "bb")

	r := s.NewSequentialReader(context.Background(), "s1", 3)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abbccc", string(got))
}

func TestSequentialReader_LargeChunks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	chunks := [][]byte{
		bytes.Repeat([]byte{'x'}, 64<<10),
		bytes.Repeat([]byte{'y'}, 64<<10),
		bytes.Repeat([]byte{'z'}, 100),
	}
	for i, c := range chunks {
		_, err := s.PutChunk(ctx, "big", i, len(chunks), bytes.NewReader(c), int64(len(c)))
		require.NoError(t, err)
	}

	r := s.NewSequentialReader(ctx, "big", len(chunks))
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(chunks, nil), got)
}

func TestSequentialReader_MissingChunk(t *testing.T) {
	s, _ := newTestStore(t)
	put(t, s, "s1", 0, 3, "a")
	put(t, s, "s1", 2, 3, "c")

	r := s.NewSequentialReader(context.Background(), "s1", 3)
	defer r.Close()
	_, err := io.ReadAll(r)
	var incomplete *xerr.IncompleteUploadError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, 1, incomplete.MissingIndex)
}

func TestRemoveSession(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	put(t, s, "s1", 0, 2, "a")
	put(t, s, "s1", 1, 2, "b")
	put(t, s, "s2", 0, 1, "c")

	require.NoError(t, s.RemoveSession(ctx, "s1"))
	inv, err := s.Inspect(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, inv.FirstMissing)

	_, ok, err := s.StatChunk(ctx, "s2", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}
