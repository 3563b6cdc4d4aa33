package uploader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTransport struct {
	mu          sync.Mutex
	chunks      map[string]map[int][]byte
	merges      []*models.MergeRequest
	failIndex   int
	release     chan struct{}
	inflight    int
	maxInflight int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{chunks: map[string]map[int][]byte{}, failIndex: -1}
}

func (f *fakeTransport) UploadChunk(ctx context.Context, c ChunkUpload, onProgress func(int64)) error {
	f.mu.Lock()
	f.inflight++
	f.maxInflight = max(f.maxInflight, f.inflight)
	release := f.release
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.Index == f.failIndex {
		return errors.New("connection reset")
	}

	data, err := io.ReadAll(c.Body)
	if err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(int64(len(data)) / 2)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chunks[c.SessionID] == nil {
		f.chunks[c.SessionID] = map[int][]byte{}
	}
	f.chunks[c.SessionID][c.Index] = data
	return nil
}

func (f *fakeTransport) Merge(ctx context.Context, req *models.MergeRequest) (*models.MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges = append(f.merges, req)
	var buf bytes.Buffer
	for i := 0; i < req.TotalChunks; i++ {
		part, ok := f.chunks[req.FileID][i]
		if !ok {
			return nil, &xerr.IncompleteUploadError{SessionID: req.FileID, MissingIndex: i}
		}
		buf.Write(part)
	}
	f.chunks[req.FileID] = map[int][]byte{-1: buf.Bytes()}
	return &models.MergeResult{
		FileID:   uint64(len(f.merges)),
		FileName: req.FileName,
		FileURL:  "/uploads/other/" + req.FileName,
		FileSize: int64(buf.Len()),
	}, nil
}

func (f *fakeTransport) merged(sessionID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunks[sessionID][-1]
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []*models.FileMessage
}

func (r *recordingNotifier) Notify(msg *models.FileMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return true
}

func testOptions() Options {
	logger.SetLogger(zap.NewNop())
	opts := DefaultOptions()
	opts.ChunkSize = 1000
	opts.ChunkTimeout = 5 * time.Second
	opts.UserID = 7
	opts.Username = "alice"
	return opts
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 31 % 251)
	}
	return b
}

func TestSplit(t *testing.T) {
	chunks := Split(2500, 1000)
	require.Len(t, chunks, 3)
	assert.Equal(t, Chunk{Index: 2, Offset: 2000, Size: 500}, chunks[2])

	assert.Len(t, Split(3000, 1000), 3)
	assert.Len(t, Split(1, 1000), 1)
	assert.Nil(t, Split(0, 1000))
}

func TestAggregate(t *testing.T) {
	chunks := []Chunk{{Uploaded: true, Progress: 100}, {Progress: 50}, {}, {}}
	assert.Equal(t, 25.0, aggregate(chunks, false))
	assert.Equal(t, 37.5, aggregate(chunks, true))
	assert.Equal(t, 0.0, aggregate(nil, true))
}

func TestScheduler_UploadsMergesAndNotifies(t *testing.T) {
	tr := newFakeTransport()
	n := &recordingNotifier{}
	opts := testOptions()

	var mu sync.Mutex
	var progress []float64
	var succeeded []Task
	opts.OnProgress = func(task Task) {
		mu.Lock()
		progress = append(progress, task.Progress)
		mu.Unlock()
	}
	opts.OnSuccess = func(task Task) {
		mu.Lock()
		succeeded = append(succeeded, task)
		mu.Unlock()
	}
	s := NewScheduler(tr, n, opts)

	data := randomBytes(4321)
	id, err := s.Enqueue(bytes.NewReader(data), int64(len(data)), FileMeta{Name: "photo.png", Type: "image/png"})
	require.NoError(t, err)
	s.Wait()

	require.Len(t, succeeded, 1)
	task := succeeded[0]
	assert.Equal(t, id, task.ID)
	assert.Equal(t, StatusSuccess, task.Status)
	assert.Len(t, task.Chunks, 5)
	assert.Equal(t, 100.0, task.Progress)
	assert.Equal(t, data, tr.merged(task.SessionID))

	require.Len(t, tr.merges, 1)
	assert.Equal(t, 5, tr.merges[0].TotalChunks)
	assert.Equal(t, int64(len(data)), tr.merges[0].FileSize)

	require.Len(t, n.msgs, 1)
	msg := n.msgs[0]
	assert.Equal(t, uint64(7), msg.UserID)
	assert.Equal(t, "alice", msg.Username)
	assert.Equal(t, "photo.png", msg.FileName)
	assert.Equal(t, "/uploads/other/photo.png", msg.FileURL)

	// 默认只按已完成的分片计算进度
	for _, p := range progress {
		assert.Contains(t, []float64{0, 20, 40, 60, 80, 100}, p)
	}

	_, ok := s.Snapshot(id)
	assert.False(t, ok, "finished tasks leave the queue")
}

func TestScheduler_ConcurrencyLimit(t *testing.T) {
	tr := newFakeTransport()
	tr.release = make(chan struct{})
	opts := testOptions()
	opts.MaxConcurrency = 2
	s := NewScheduler(tr, nil, opts)

	data := randomBytes(10_000)
	_, err := s.Enqueue(bytes.NewReader(data), int64(len(data)), FileMeta{Name: "big.bin"})
	require.NoError(t, err)

	go func() {
		for i := 0; i < 10; i++ {
			time.Sleep(5 * time.Millisecond)
			tr.release <- struct{}{}
		}
	}()
	s.Wait()

	assert.LessOrEqual(t, tr.maxInflight, 2)
	require.Len(t, tr.merges, 1)
	assert.Equal(t, "application/octet-stream", tr.merges[0].FileType)
}

func TestScheduler_ChunkFailureSkipsMerge(t *testing.T) {
	tr := newFakeTransport()
	tr.failIndex = 1
	n := &recordingNotifier{}
	opts := testOptions()

	var gotErr error
	var failed Task
	opts.OnError = func(task Task, err error) {
		failed = task
		gotErr = err
	}
	s := NewScheduler(tr, n, opts)

	data := randomBytes(3000)
	_, err := s.Enqueue(bytes.NewReader(data), int64(len(data)), FileMeta{Name: "a.bin"})
	require.NoError(t, err)
	s.Wait()

	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "chunk 1")
	assert.Equal(t, StatusError, failed.Status)
	assert.Empty(t, tr.merges)
	assert.Empty(t, n.msgs)
}

func TestScheduler_EnqueueValidation(t *testing.T) {
	s := NewScheduler(newFakeTransport(), nil, testOptions())

	_, err := s.Enqueue(bytes.NewReader(nil), 0, FileMeta{Name: "empty.txt"})
	assert.ErrorIs(t, err, xerr.ErrInvalidInput)

	_, err = s.Enqueue(nil, 10, FileMeta{Name: "x"})
	assert.ErrorIs(t, err, xerr.ErrInvalidInput)

	_, err = s.Enqueue(bytes.NewReader([]byte("x")), 1, FileMeta{})
	assert.ErrorIs(t, err, xerr.ErrInvalidInput)
}

func TestScheduler_FIFOAndCancel(t *testing.T) {
	tr := newFakeTransport()
	tr.release = make(chan struct{})
	s := NewScheduler(tr, nil, testOptions())

	first, err := s.Enqueue(bytes.NewReader([]byte("one")), 3, FileMeta{Name: "1.txt"})
	require.NoError(t, err)
	second, err := s.Enqueue(bytes.NewReader([]byte("two")), 3, FileMeta{Name: "2.txt"})
	require.NoError(t, err)
	third, err := s.Enqueue(bytes.NewReader([]byte("three")), 5, FileMeta{Name: "3.txt"})
	require.NoError(t, err)

	// 第一个任务正在上传, 其余任务仍在等待
	require.Eventually(t, func() bool {
		task, ok := s.Snapshot(first)
		return ok && task.Status == StatusUploading
	}, time.Second, 5*time.Millisecond)
	pending, ok := s.Snapshot(second)
	require.True(t, ok)
	assert.Equal(t, StatusPending, pending.Status)

	assert.True(t, s.Cancel(second))
	assert.False(t, s.Cancel(second))
	assert.False(t, s.Cancel("unknown"))

	tr.release <- struct{}{}
	tr.release <- struct{}{}
	s.Wait()

	require.Len(t, tr.merges, 2)
	assert.Equal(t, "1.txt", tr.merges[0].FileName)
	assert.Equal(t, "3.txt", tr.merges[1].FileName)

	_, ok = s.Snapshot(third)
	assert.False(t, ok)
	assert.False(t, s.Cancel(first), "finished task cannot be canceled")
}

func TestScheduler_CancelActiveSkipsMerge(t *testing.T) {
	tr := newFakeTransport()
	tr.release = make(chan struct{})
	n := &recordingNotifier{}
	opts := testOptions()
	opts.MaxConcurrency = 1
	s := NewScheduler(tr, n, opts)

	data := randomBytes(3000)
	id, err := s.Enqueue(bytes.NewReader(data), int64(len(data)), FileMeta{Name: "c.bin"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.inflight == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.Cancel(id))

	// 进行中的分片不被中断
	tr.release <- struct{}{}
	s.Wait()

	assert.Empty(t, tr.merges)
	assert.Empty(t, n.msgs)
	tr.mu.Lock()
	uploaded := 0
	for _, parts := range tr.chunks {
		uploaded += len(parts)
	}
	tr.mu.Unlock()
	assert.Equal(t, 1, uploaded, "no chunk is dispatched after cancel")
}
