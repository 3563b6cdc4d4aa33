package upload

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/chunkstore"
	"github.com/3Eeeecho/go-chatroom/internal/config"
	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/keylock"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/storage"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"github.com/3Eeeecho/go-chatroom/internal/repositories"
	"go.uber.org/zap"
)

type UploadService interface {
	UploadChunk(ctx context.Context, userID uint64, req *models.UploadChunkRequest, chunk io.Reader, size int64) (*models.UploadChunkResponse, error)
	Merge(ctx context.Context, userID uint64, req *models.MergeRequest) (*models.MergeResult, error)
	SessionStatus(ctx context.Context, fileID string) (*models.SessionStatus, error)
	Abandon(ctx context.Context, fileID string) error
	Sweep(ctx context.Context) (int, error)
}

type UploadServiceDeps struct {
	Storage   storage.StorageService
	Artifacts repositories.ArtifactRepository
	Tracker   SessionTracker
	Config    *config.UploadConfig
}

type uploadService struct {
	chunks    *chunkstore.Store
	tracker   SessionTracker
	assembler *Assembler
	locks     *keylock.KeyLock
	cfg       *config.UploadConfig
	now       func() time.Time
}

func NewUploadService(deps UploadServiceDeps) UploadService {
	chunks := chunkstore.New(deps.Storage)
	locks := keylock.New()
	return &uploadService{
		chunks:    chunks,
		tracker:   deps.Tracker,
		assembler: NewAssembler(chunks, deps.Storage, deps.Artifacts, deps.Tracker, locks, deps.Config.MergeTimeout),
		locks:     locks,
		cfg:       deps.Config,
		now:       time.Now,
	}
}

// UploadChunk 校验参数 -> 确定分片总数 -> 写入分片 -> 记录序号
func (s *uploadService) UploadChunk(ctx context.Context, userID uint64, req *models.UploadChunkRequest, chunk io.Reader, size int64) (*models.UploadChunkResponse, error) {
	if req.ChunkIndex == nil {
		return nil, xerr.Invalidf("chunkIndex is required")
	}
	index := *req.ChunkIndex
	if s.cfg.MaxChunkSize > 0 && size > s.cfg.MaxChunkSize {
		return nil, xerr.Wrap(xerr.ErrInvalidInput, fmt.Errorf("%w: %d > %d", xerr.ErrFileTooLarge, size, s.cfg.MaxChunkSize))
	}
	if err := s.checkTotalChunks(req.TotalChunks); err != nil {
		return nil, err
	}
	if err := chunkstore.ValidateChunk(req.FileID, index, req.TotalChunks, size); err != nil {
		return nil, err
	}

	if err := s.tracker.Admit(ctx, req.FileID, req.TotalChunks); err != nil {
		return nil, err
	}
	written, err := s.chunks.PutChunk(ctx, req.FileID, index, req.TotalChunks, chunk, size)
	if err != nil {
		logger.Error("UploadChunk: Failed to store chunk",
			zap.String("fileId", req.FileID), zap.Int("chunkIndex", index), zap.Error(err))
		return nil, err
	}
	if err := s.tracker.Observe(ctx, req.FileID, index); err != nil {
		// 分片已落盘, 合并时以分片存储为准
		logger.Warn("UploadChunk: Failed to record chunk in tracker",
			zap.String("fileId", req.FileID), zap.Int("chunkIndex", index), zap.Error(err))
	}

	logger.Debug("UploadChunk: chunk stored",
		zap.Uint64("userID", userID),
		zap.String("fileId", req.FileID),
		zap.Int("chunkIndex", index),
		zap.Int("totalChunks", req.TotalChunks),
		zap.Int64("size", written))
	return &models.UploadChunkResponse{
		Success:     true,
		FileID:      req.FileID,
		ChunkIndex:  index,
		TotalChunks: req.TotalChunks,
	}, nil
}

func (s *uploadService) Merge(ctx context.Context, userID uint64, req *models.MergeRequest) (*models.MergeResult, error) {
	if err := s.checkTotalChunks(req.TotalChunks); err != nil {
		return nil, err
	}
	artifact, err := s.assembler.Merge(ctx, MergeInput{
		SessionID:   req.FileID,
		FileName:    req.FileName,
		MimeType:    req.FileType,
		FileSize:    req.FileSize,
		TotalChunks: req.TotalChunks,
		OwnerUserID: userID,
	})
	if err != nil {
		return nil, err
	}
	return models.NewMergeResult(artifact), nil
}

// checkTotalChunks 分片总数超过上限时直接拒绝, 避免合并前的检查遍历过多序号
func (s *uploadService) checkTotalChunks(total int) error {
	if s.cfg.MaxTotalChunks > 0 && total > s.cfg.MaxTotalChunks {
		return xerr.Invalidf("totalChunks %d exceeds the limit of %d", total, s.cfg.MaxTotalChunks)
	}
	return nil
}

func (s *uploadService) SessionStatus(ctx context.Context, fileID string) (*models.SessionStatus, error) {
	if err := chunkstore.ValidateSessionID(fileID); err != nil {
		return nil, err
	}
	return s.tracker.Snapshot(ctx, fileID)
}

// Abandon 删除会话的分片和跟踪记录, 与合并互斥; 会话不存在时同样返回成功
func (s *uploadService) Abandon(ctx context.Context, fileID string) error {
	if err := chunkstore.ValidateSessionID(fileID); err != nil {
		return err
	}
	unlock, err := s.locks.LockContext(ctx, fileID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.discard(ctx, fileID)
}

func (s *uploadService) discard(ctx context.Context, fileID string) error {
	if err := s.chunks.RemoveSession(ctx, fileID); err != nil {
		return err
	}
	if err := s.tracker.Forget(ctx, fileID); err != nil {
		return err
	}
	logger.Info("上传会话已丢弃", zap.String("fileId", fileID))
	return nil
}
