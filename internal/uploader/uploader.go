// Package uploader 客户端分片上传: 切分文件, 并发上传分片, 合并后发送聊天室文件消息
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize      int64 = 2 << 20
	DefaultMaxConcurrency       = 4
	DefaultChunkTimeout         = 60 * time.Second
	DefaultMergeTimeout         = 5 * time.Minute
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// Chunk 文件中的一段字节区间
type Chunk struct {
	Index    int
	Offset   int64
	Size     int64
	Uploaded bool
	Progress float64 // 0-100
}

// FileMeta 上传文件的展示信息
type FileMeta struct {
	Name string
	Type string // MIME 类型
}

// Task 一个文件的上传任务
type Task struct {
	ID        string
	SessionID string
	Meta      FileMeta
	Size      int64
	Chunks    []Chunk
	Status    Status
	Progress  float64
	Result    *models.MergeResult
	Err       error

	file     io.ReaderAt
	canceled bool
}

// ChunkUpload 上传一个分片所需的参数, Body 只包含该分片的字节
type ChunkUpload struct {
	SessionID   string
	Index       int
	TotalChunks int
	Size        int64
	Body        io.Reader
}

// Transport 与服务端的交互
type Transport interface {
	// UploadChunk onProgress 报告已发送的字节数, 可能为 nil
	UploadChunk(ctx context.Context, chunk ChunkUpload, onProgress func(sent int64)) error
	Merge(ctx context.Context, req *models.MergeRequest) (*models.MergeResult, error)
}

// Notifier 合并成功后的文件消息出口, 不能阻塞
type Notifier interface {
	Notify(msg *models.FileMessage) bool
}

type Options struct {
	ChunkSize      int64
	MaxConcurrency int // 0 表示每个分片一个协程
	ChunkTimeout   time.Duration
	MergeTimeout   time.Duration

	// 为 true 时上传中的分片按已发送比例计入总进度, 否则只按已完成的分片计算
	WeightPartialProgress bool

	UserID   uint64
	Username string

	OnProgress func(task Task)
	OnSuccess  func(task Task)
	OnError    func(task Task, err error)
}

func DefaultOptions() Options {
	return Options{
		ChunkSize:      DefaultChunkSize,
		MaxConcurrency: DefaultMaxConcurrency,
		ChunkTimeout:   DefaultChunkTimeout,
		MergeTimeout:   DefaultMergeTimeout,
	}
}

// Scheduler 任务按加入顺序逐个上传, 同一任务的分片并发上传
type Scheduler struct {
	transport Transport
	notifier  Notifier
	opts      Options
	log       *zap.Logger

	mu      sync.Mutex
	idle    *sync.Cond
	queue   []*Task
	running bool
}

func NewScheduler(transport Transport, notifier Notifier, opts Options) *Scheduler {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.MaxConcurrency < 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.ChunkTimeout <= 0 {
		opts.ChunkTimeout = DefaultChunkTimeout
	}
	if opts.MergeTimeout <= 0 {
		opts.MergeTimeout = DefaultMergeTimeout
	}
	s := &Scheduler{
		transport: transport,
		notifier:  notifier,
		opts:      opts,
		log:       logger.Named("uploader"),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Split 按 chunkSize 切分, 最后一片可能较小
func Split(size, chunkSize int64) []Chunk {
	if size <= 0 || chunkSize <= 0 {
		return nil
	}
	n := int((size + chunkSize - 1) / chunkSize)
	chunks := make([]Chunk, n)
	for i := range chunks {
		off := int64(i) * chunkSize
		chunks[i] = Chunk{Index: i, Offset: off, Size: min(chunkSize, size-off)}
	}
	return chunks
}

// Enqueue 切分文件并加入队列, 返回任务 ID
func (s *Scheduler) Enqueue(file io.ReaderAt, size int64, meta FileMeta) (string, error) {
	if file == nil {
		return "", xerr.Invalidf("file is required")
	}
	if size <= 0 {
		return "", xerr.Invalidf("file %q is empty", meta.Name)
	}
	if meta.Name == "" {
		return "", xerr.Invalidf("file name is required")
	}
	if meta.Type == "" {
		meta.Type = "application/octet-stream"
	}

	task := &Task{
		ID:        uuid.NewString(),
		SessionID: uuid.NewString(),
		Meta:      meta,
		Size:      size,
		Chunks:    Split(size, s.opts.ChunkSize),
		Status:    StatusPending,
		file:      file,
	}

	s.mu.Lock()
	s.queue = append(s.queue, task)
	start := !s.running
	s.running = true
	s.mu.Unlock()

	if start {
		go s.drain()
	}
	return task.ID, nil
}

// Cancel 移除尚未成功的任务; 正在上传的任务不再派发新分片, 也不会合并
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.queue {
		if t.ID != taskID {
			continue
		}
		if t.Status == StatusSuccess {
			return false
		}
		t.canceled = true
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		s.idle.Broadcast()
		return true
	}
	return false
}

// Wait 阻塞直到队列为空
func (s *Scheduler) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.running {
		s.idle.Wait()
	}
}

// Snapshot 返回队列中任务的副本
func (s *Scheduler) Snapshot(taskID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.queue {
		if t.ID == taskID {
			return s.copyTask(t), true
		}
	}
	return Task{}, false
}

func (s *Scheduler) copyTask(t *Task) Task {
	c := *t
	c.Chunks = append([]Chunk(nil), t.Chunks...)
	c.file = nil
	return c
}

func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		var next *Task
		for _, t := range s.queue {
			if t.Status == StatusPending {
				next = t
				break
			}
		}
		if next == nil {
			s.running = false
			s.idle.Broadcast()
			s.mu.Unlock()
			return
		}
		next.Status = StatusUploading
		s.mu.Unlock()

		s.process(next)
	}
}

func (s *Scheduler) process(t *Task) {
	result, err := s.upload(t)

	s.mu.Lock()
	canceled := t.canceled
	if !canceled {
		if err != nil {
			t.Status = StatusError
			t.Err = err
		} else {
			t.Status = StatusSuccess
			t.Result = result
		}
		s.remove(t)
	}
	snapshot := s.copyTask(t)
	s.mu.Unlock()

	if canceled {
		s.log.Info("上传任务已取消", zap.String("taskID", t.ID), zap.String("file", t.Meta.Name))
		return
	}
	if err != nil {
		s.log.Error("上传任务失败", zap.String("taskID", t.ID), zap.String("file", t.Meta.Name), zap.Error(err))
		if s.opts.OnError != nil {
			s.opts.OnError(snapshot, err)
		}
		return
	}

	if s.notifier != nil {
		msg := &models.FileMessage{
			UserID:   s.opts.UserID,
			Username: s.opts.Username,
			FileName: t.Meta.Name,
			FileType: t.Meta.Type,
			FileSize: t.Size,
			FileURL:  result.FileURL,
			FileID:   result.FileID,
		}
		if !s.notifier.Notify(msg) {
			s.log.Warn("文件消息未发送", zap.String("taskID", t.ID), zap.Uint64("fileId", result.FileID))
		}
	}
	s.log.Info("上传任务完成", zap.String("taskID", t.ID), zap.String("file", t.Meta.Name), zap.String("url", result.FileURL))
	if s.opts.OnSuccess != nil {
		s.opts.OnSuccess(snapshot)
	}
}

// remove 调用方持有 s.mu
func (s *Scheduler) remove(t *Task) {
	for i, q := range s.queue {
		if q == t {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

var errCanceled = errors.New("upload canceled")

func (s *Scheduler) isCanceled(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.canceled
}

func (s *Scheduler) upload(t *Task) (*models.MergeResult, error) {
	if err := s.uploadChunks(t); err != nil {
		return nil, err
	}
	if s.isCanceled(t) {
		return nil, errCanceled
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.MergeTimeout)
	defer cancel()
	result, err := s.transport.Merge(ctx, &models.MergeRequest{
		FileID:      t.SessionID,
		FileName:    t.Meta.Name,
		FileType:    t.Meta.Type,
		FileSize:    t.Size,
		TotalChunks: len(t.Chunks),
	})
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	return result, nil
}

// uploadChunks 第一个分片失败后取消其余分片, 不自动重试
func (s *Scheduler) uploadChunks(t *Task) error {
	g, gctx := errgroup.WithContext(context.Background())
	if s.opts.MaxConcurrency > 0 {
		g.SetLimit(s.opts.MaxConcurrency)
	}

	for i := range t.Chunks {
		if gctx.Err() != nil || s.isCanceled(t) {
			break
		}
		index := i
		g.Go(func() error {
			return s.uploadChunk(gctx, t, index)
		})
	}
	return g.Wait()
}

func (s *Scheduler) uploadChunk(ctx context.Context, t *Task, index int) error {
	if s.isCanceled(t) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.ChunkTimeout)
	defer cancel()

	c := t.Chunks[index]
	err := s.transport.UploadChunk(ctx, ChunkUpload{
		SessionID:   t.SessionID,
		Index:       c.Index,
		TotalChunks: len(t.Chunks),
		Size:        c.Size,
		Body:        io.NewSectionReader(t.file, c.Offset, c.Size),
	}, func(sent int64) {
		s.updateProgress(t, index, false, float64(sent)*100/float64(c.Size))
	})
	if err != nil {
		return fmt.Errorf("chunk %d: %w", c.Index, err)
	}
	s.updateProgress(t, index, true, 100)
	return nil
}

func (s *Scheduler) updateProgress(t *Task, index int, done bool, percent float64) {
	s.mu.Lock()
	ch := &t.Chunks[index]
	if ch.Uploaded {
		s.mu.Unlock()
		return
	}
	ch.Progress = min(max(percent, 0), 100)
	ch.Uploaded = done
	t.Progress = aggregate(t.Chunks, s.opts.WeightPartialProgress)
	snapshot := s.copyTask(t)
	s.mu.Unlock()

	if s.opts.OnProgress != nil {
		s.opts.OnProgress(snapshot)
	}
}

// aggregate 已完成的分片计 100, 上传中的分片按 weightPartial 计入
func aggregate(chunks []Chunk, weightPartial bool) float64 {
	if len(chunks) == 0 {
		return 0
	}
	var sum float64
	for _, c := range chunks {
		switch {
		case c.Uploaded:
			sum += 100
		case weightPartial:
			sum += c.Progress
		}
	}
	return sum / float64(len(chunks))
}
