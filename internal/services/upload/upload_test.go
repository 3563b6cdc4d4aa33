package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/config"
	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/storage"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"github.com/3Eeeecho/go-chatroom/internal/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testChunkSize = 2 << 20

// flakyStorage 在 failFinal 为 true 时, 写入非分片对象的过程中途出错
type flakyStorage struct {
	storage.StorageService
	mu        sync.Mutex
	failFinal bool
}

func (f *flakyStorage) setFail(v bool) {
	f.mu.Lock()
	f.failFinal = v
	f.mu.Unlock()
}

func (f *flakyStorage) PutObject(ctx context.Context, name string, r io.Reader, size int64, ct string) (storage.PutObjectResult, error) {
	f.mu.Lock()
	fail := f.failFinal
	f.mu.Unlock()
	if fail && !strings.HasPrefix(name, "temp/") {
		r = io.MultiReader(io.LimitReader(r, 1024), errReader{})
	}
	return f.StorageService.PutObject(ctx, name, r, size, ct)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("device unplugged") }

type fixture struct {
	svc     *uploadService
	store   *flakyStorage
	base    string
	db      *gorm.DB
	tracker SessionTracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger.SetLogger(zap.NewNop())

	base := t.TempDir()
	local, err := storage.NewLocalStorageService(base, "/uploads")
	require.NoError(t, err)
	store := &flakyStorage{StorageService: local}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Artifact{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	tracker := NewMemoryTracker(time.Hour)
	svc := NewUploadService(UploadServiceDeps{
		Storage:   store,
		Artifacts: repositories.NewDBArtifactRepository(db),
		Tracker:   tracker,
		Config: &config.UploadConfig{
			MaxChunkSize:   4 << 20,
			MaxTotalChunks: 64,
			MergeTimeout:   time.Minute,
			SessionTTL:     time.Hour,
		},
	}).(*uploadService)
	return &fixture{svc: svc, store: store, base: base, db: db, tracker: tracker}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(b)
	return b
}

func split(data []byte, size int) [][]byte {
	var chunks [][]byte
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

func (f *fixture) uploadChunk(t *testing.T, session string, index, total int, data []byte) {
	t.Helper()
	idx := index
	_, err := f.svc.UploadChunk(context.Background(), 1, &models.UploadChunkRequest{
		FileID: session, ChunkIndex: &idx, TotalChunks: total,
	}, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
}

func (f *fixture) merge(session, name, mime string, size int64, total int) (*models.MergeResult, error) {
	return f.svc.Merge(context.Background(), 1, &models.MergeRequest{
		FileID: session, FileName: name, FileType: mime, FileSize: size, TotalChunks: total,
	})
}

func (f *fixture) readFinal(t *testing.T, fileID uint64) []byte {
	t.Helper()
	dl, err := NewDownloadService(repositories.NewDBArtifactRepository(f.db), f.store).Open(context.Background(), fileID)
	require.NoError(t, err)
	defer dl.Reader.Close()
	got, err := io.ReadAll(dl.Reader)
	require.NoError(t, err)
	return got
}

func TestMerge_OutOfOrderChunks(t *testing.T) {
	f := newFixture(t)
	data := randomBytes(5 << 20)
	chunks := split(data, testChunkSize)
	require.Len(t, chunks, 3)

	for _, i := range []int{2, 0, 1} {
		f.uploadChunk(t, "sess-ooo", i, 3, chunks[i])
	}
	status, err := f.svc.SessionStatus(context.Background(), "sess-ooo")
	require.NoError(t, err)
	assert.Equal(t, models.SessionComplete, status.State)
	assert.Equal(t, []int{0, 1, 2}, status.ReceivedIndices)

	res, err := f.merge("sess-ooo", "report.pdf", "application/pdf", int64(len(data)), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5<<20), res.FileSize)
	assert.Equal(t, "report.pdf", res.FileName)
	assert.True(t, strings.HasPrefix(res.FileURL, "/uploads/documents/report_"), res.FileURL)
	assert.True(t, strings.HasSuffix(res.FileURL, ".pdf"))

	assert.Equal(t, data, f.readFinal(t, res.FileID))

	// 分片已清理
	_, err = os.Stat(filepath.Join(f.base, "temp", "sess-ooo"))
	assert.True(t, os.IsNotExist(err))

	status, err = f.svc.SessionStatus(context.Background(), "sess-ooo")
	require.NoError(t, err)
	assert.Equal(t, models.SessionMerged, status.State)
	assert.Equal(t, res.FileID, status.ArtifactID)
}

func TestMerge_MissingChunk(t *testing.T) {
	f := newFixture(t)
	f.uploadChunk(t, "sess-miss", 0, 3, []byte("aaa"))
	f.uploadChunk(t, "sess-miss", 2, 3, []byte("ccc"))

	_, err := f.merge("sess-miss", "a.txt", "text/plain", 9, 3)
	var incomplete *xerr.IncompleteUploadError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, 1, incomplete.MissingIndex)
	assert.ErrorIs(t, err, xerr.ErrIncompleteUpload)

	// 没有生成文件, 分片保留
	var count int64
	require.NoError(t, f.db.Model(&models.Artifact{}).Count(&count).Error)
	assert.Zero(t, count)
	_, err = os.Stat(filepath.Join(f.base, "temp", "sess-miss", "0"))
	assert.NoError(t, err)
}

func TestMerge_TotalChunksMismatch(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.uploadChunk(t, "sess-total", i, 3, []byte("x"))
	}

	_, err := f.merge("sess-total", "a.txt", "text/plain", 2, 2)
	assert.ErrorIs(t, err, xerr.ErrInvalidInput)
	assert.ErrorIs(t, err, xerr.ErrTotalChunksMismatch)

	_, err = f.merge("sess-total", "a.txt", "text/plain", 0, 0)
	assert.ErrorIs(t, err, xerr.ErrInvalidInput)
}

func TestUploadChunk_Validation(t *testing.T) {
	f := newFixture(t)
	f.uploadChunk(t, "sess-v", 0, 3, []byte("x"))

	idx := 1
	_, err := f.svc.UploadChunk(context.Background(), 1, &models.UploadChunkRequest{
		FileID: "sess-v", ChunkIndex: &idx, TotalChunks: 4,
	}, strings.NewReader("y"), 1)
	assert.ErrorIs(t, err, xerr.ErrTotalChunksMismatch)

	idx = 3
	_, err = f.svc.UploadChunk(context.Background(), 1, &models.UploadChunkRequest{
		FileID: "sess-v", ChunkIndex: &idx, TotalChunks: 3,
	}, strings.NewReader("y"), 1)
	assert.ErrorIs(t, err, xerr.ErrInvalidInput)

	idx = 0
	_, err = f.svc.UploadChunk(context.Background(), 1, &models.UploadChunkRequest{
		FileID: "sess-big", ChunkIndex: &idx, TotalChunks: 1,
	}, strings.NewReader("y"), 5<<20)
	assert.ErrorIs(t, err, xerr.ErrFileTooLarge)

	_, err = f.svc.UploadChunk(context.Background(), 1, &models.UploadChunkRequest{
		FileID: "sess-v", ChunkIndex: nil, TotalChunks: 3,
	}, strings.NewReader("y"), 1)
	assert.ErrorIs(t, err, xerr.ErrInvalidInput)
}

func TestMerge_StorageFailureKeepsChunks(t *testing.T) {
	f := newFixture(t)
	data := randomBytes(3 << 20)
	chunks := split(data, testChunkSize)
	for i, c := range chunks {
		f.uploadChunk(t, "sess-fail", i, len(chunks), c)
	}

	f.store.setFail(true)
	_, err := f.merge("sess-fail", "clip.mp4", "video/mp4", int64(len(data)), len(chunks))
	require.ErrorIs(t, err, xerr.ErrStorageIO)

	// 没有残留的部分文件
	entries, _ := os.ReadDir(filepath.Join(f.base, "video"))
	assert.Empty(t, entries)
	entries, _ = os.ReadDir(filepath.Join(f.base, ".staging"))
	assert.Empty(t, entries)

	status, err := f.svc.SessionStatus(context.Background(), "sess-fail")
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, status.State)
	assert.NotEmpty(t, status.FailureReason)

	// 分片保留, 恢复后可以重新合并
	f.store.setFail(false)
	res, err := f.merge("sess-fail", "clip.mp4", "video/mp4", int64(len(data)), len(chunks))
	require.NoError(t, err)
	assert.Equal(t, data, f.readFinal(t, res.FileID))
}

func TestMerge_ConcurrentMergesProduceOneArtifact(t *testing.T) {
	f := newFixture(t)
	data := randomBytes(1 << 20)
	chunks := split(data, 256<<10)
	for i, c := range chunks {
		f.uploadChunk(t, "sess-race", i, len(chunks), c)
	}

	const n = 8
	var wg sync.WaitGroup
	ids := make([]uint64, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.merge("sess-race", "pic.png", "image/png", int64(len(data)), len(chunks))
			errs[i] = err
			if err == nil {
				ids[i] = res.FileID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	var count int64
	require.NoError(t, f.db.Model(&models.Artifact{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	entries, err := os.ReadDir(filepath.Join(f.base, "images"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUpload_ConcurrentReverseOrderWithOverwrite(t *testing.T) {
	f := newFixture(t)
	data := randomBytes(3<<20 + 12345)
	chunks := split(data, 512<<10)
	total := len(chunks)
	require.Equal(t, 7, total)

	// 先写入一个错误的分片, 之后的上传覆盖它
	f.uploadChunk(t, "sess-conc", 3, total, []byte("stale payload"))

	var wg sync.WaitGroup
	errs := make([]error, total)
	for i := total - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx := i
			_, errs[i] = f.svc.UploadChunk(context.Background(), 1, &models.UploadChunkRequest{
				FileID: "sess-conc", ChunkIndex: &idx, TotalChunks: total,
			}, bytes.NewReader(chunks[i]), int64(len(chunks[i])))
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "chunk %d", i)
	}

	res, err := f.merge("sess-conc", "dump.bin", "application/octet-stream", int64(len(data)), total)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.FileSize)
	assert.Equal(t, data, f.readFinal(t, res.FileID))
}

func TestTotalChunksLimit(t *testing.T) {
	f := newFixture(t)

	idx := 0
	_, err := f.svc.UploadChunk(context.Background(), 1, &models.UploadChunkRequest{
		FileID: "sess-huge", ChunkIndex: &idx, TotalChunks: 65,
	}, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, xerr.ErrInvalidInput)
	_, statErr := os.Stat(filepath.Join(f.base, "temp", "sess-huge"))
	assert.True(t, os.IsNotExist(statErr))

	_, err = f.merge("sess-huge", "a.txt", "text/plain", 1, math.MaxInt32)
	assert.ErrorIs(t, err, xerr.ErrInvalidInput)

	f.uploadChunk(t, "sess-edge", 0, 64, []byte("x"))
}

func TestMerge_HugeTotalReturnsAtFirstMissingChunk(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.MaxTotalChunks = 0
	f.uploadChunk(t, "sess-wide", 0, math.MaxInt32, []byte("x"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	_, err := f.svc.Merge(ctx, 1, &models.MergeRequest{
		FileID: "sess-wide", FileName: "a.txt", FileType: "text/plain", TotalChunks: math.MaxInt32,
	})
	var incomplete *xerr.IncompleteUploadError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, 1, incomplete.MissingIndex)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestMerge_ReplayReturnsSameArtifact(t *testing.T) {
	f := newFixture(t)
	f.uploadChunk(t, "sess-replay", 0, 1, []byte("hello"))

	first, err := f.merge("sess-replay", "hello.txt", "text/plain", 5, 1)
	require.NoError(t, err)
	second, err := f.merge("sess-replay", "hello.txt", "text/plain", 5, 1)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// 已合并的会话不再接受分片
	idx := 0
	_, err = f.svc.UploadChunk(context.Background(), 1, &models.UploadChunkRequest{
		FileID: "sess-replay", ChunkIndex: &idx, TotalChunks: 1,
	}, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, xerr.ErrInvalidInput)
}

func TestMerge_InvalidFileName(t *testing.T) {
	f := newFixture(t)
	f.uploadChunk(t, "sess-name", 0, 1, []byte("x"))
	_, err := f.merge("sess-name", "../", "text/plain", 1, 1)
	assert.ErrorIs(t, err, xerr.ErrFileNameInvalid)
}

func TestAbandonAndSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.uploadChunk(t, "sess-drop", 0, 2, []byte("x"))

	require.NoError(t, f.svc.Abandon(ctx, "sess-drop"))
	_, err := f.svc.SessionStatus(ctx, "sess-drop")
	assert.ErrorIs(t, err, xerr.ErrUploadSessionNotFound)
	_, err = os.Stat(filepath.Join(f.base, "temp", "sess-drop"))
	assert.True(t, os.IsNotExist(err))
	// 重复丢弃不是错误
	require.NoError(t, f.svc.Abandon(ctx, "sess-drop"))

	f.uploadChunk(t, "sess-old", 0, 2, []byte("x"))
	f.uploadChunk(t, "sess-new", 0, 2, []byte("x"))

	// 让 sess-old 看起来闲置了两小时
	mt := f.tracker.(*memoryTracker)
	mt.mu.Lock()
	mt.sessions["sess-old"].updatedAt = time.Now().Add(-2 * time.Hour)
	mt.mu.Unlock()

	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.svc.SessionStatus(ctx, "sess-old")
	assert.ErrorIs(t, err, xerr.ErrUploadSessionNotFound)
	_, err = os.Stat(filepath.Join(f.base, "temp", "sess-old"))
	assert.True(t, os.IsNotExist(err))

	status, err := f.svc.SessionStatus(ctx, "sess-new")
	require.NoError(t, err)
	assert.Equal(t, models.SessionOpen, status.State)
}

func TestDownload_MissingObjectIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.uploadChunk(t, "sess-dl", 0, 1, []byte("content"))
	res, err := f.merge("sess-dl", "notes.txt", "text/plain", 7, 1)
	require.NoError(t, err)

	dl := NewDownloadService(repositories.NewDBArtifactRepository(f.db), f.store)
	got, err := dl.Open(context.Background(), res.FileID)
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", got.ContentType)
	got.Reader.Close()

	var artifact models.Artifact
	require.NoError(t, f.db.First(&artifact, res.FileID).Error)
	require.NoError(t, os.Remove(filepath.Join(f.base, filepath.FromSlash(artifact.FilePath))))

	_, err = dl.Open(context.Background(), res.FileID)
	assert.ErrorIs(t, err, xerr.ErrFileNotFound)

	_, err = dl.Open(context.Background(), res.FileID+1000)
	assert.ErrorIs(t, err, xerr.ErrFileNotFound)
}
