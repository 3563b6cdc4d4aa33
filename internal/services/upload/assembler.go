package upload

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/chunkstore"
	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/filetype"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/keylock"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/storage"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"github.com/3Eeeecho/go-chatroom/internal/repositories"
	"go.uber.org/zap"
)

// MergeInput 合并请求
type MergeInput struct {
	SessionID   string
	FileName    string
	MimeType    string
	FileSize    int64 // 客户端声明的大小, 只用于核对
	TotalChunks int
	OwnerUserID uint64
}

// Assembler 把会话的分片按序拼接成最终文件并写入文件记录
type Assembler struct {
	chunks    *chunkstore.Store
	storage   storage.StorageService
	artifacts repositories.ArtifactRepository
	tracker   SessionTracker
	locks     *keylock.KeyLock
	timeout   time.Duration
	now       func() time.Time
	log       *zap.Logger
}

func NewAssembler(
	chunks *chunkstore.Store,
	ss storage.StorageService,
	artifacts repositories.ArtifactRepository,
	tracker SessionTracker,
	locks *keylock.KeyLock,
	timeout time.Duration,
) *Assembler {
	return &Assembler{
		chunks:    chunks,
		storage:   ss,
		artifacts: artifacts,
		tracker:   tracker,
		locks:     locks,
		timeout:   timeout,
		now:       time.Now,
		log:       logger.Named("assembler"),
	}
}

// Merge 同一会话的合并串行执行; 已合并过的会话直接返回之前的文件记录
func (a *Assembler) Merge(ctx context.Context, in MergeInput) (*models.Artifact, error) {
	if err := chunkstore.ValidateSessionID(in.SessionID); err != nil {
		return nil, err
	}
	displayName := filetype.SafeBase(in.FileName)
	if displayName == "" {
		return nil, xerr.Wrap(xerr.ErrInvalidInput, fmt.Errorf("%w: %q", xerr.ErrFileNameInvalid, in.FileName))
	}

	unlock, err := a.locks.LockContext(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing, err := a.artifacts.FindBySessionID(ctx, in.SessionID); err == nil {
		a.log.Info("会话已合并, 返回已有文件", zap.String("sessionID", in.SessionID), zap.Uint64("artifactID", existing.ID))
		a.finish(ctx, in.SessionID, existing.ID)
		return existing, nil
	} else if !errors.Is(err, xerr.ErrFileNotFound) {
		return nil, err
	}

	// (a) 所有分片都已存在
	inv, err := a.chunks.Inspect(ctx, in.SessionID, in.TotalChunks)
	if err != nil {
		return nil, err
	}
	if inv.FirstMissing >= 0 {
		return nil, &xerr.IncompleteUploadError{SessionID: in.SessionID, MissingIndex: inv.FirstMissing}
	}

	// (b) 分片总数与上传时一致
	if in.TotalChunks <= 0 {
		return nil, xerr.Invalidf("totalChunks must be positive, got %d", in.TotalChunks)
	}
	if status, err := a.tracker.Snapshot(ctx, in.SessionID); err == nil {
		if status.TotalChunks > 0 && status.TotalChunks != in.TotalChunks {
			return nil, totalMismatch(in.SessionID, status.TotalChunks, in.TotalChunks)
		}
	} else if !errors.Is(err, xerr.ErrUploadSessionNotFound) {
		a.log.Warn("读取会话状态失败, 仅以分片存储为准", zap.String("sessionID", in.SessionID), zap.Error(err))
	}
	if inv.Overflow {
		return nil, totalMismatch(in.SessionID, in.TotalChunks+1, in.TotalChunks)
	}

	if in.FileSize > 0 && in.FileSize != inv.TotalSize {
		a.log.Warn("声明的文件大小与分片总大小不一致",
			zap.String("sessionID", in.SessionID),
			zap.Int64("declared", in.FileSize),
			zap.Int64("actual", inv.TotalSize))
	}

	category := filetype.Categorize(in.MimeType)
	storedName := filetype.UniqueName(displayName, a.now())
	objectKey := path.Join(string(category), storedName)

	putRes, err := a.stream(ctx, in, objectKey, inv.TotalSize)
	if err != nil {
		a.log.Error("合并分片失败", zap.String("sessionID", in.SessionID), zap.String("objectKey", objectKey), zap.Error(err))
		if markErr := a.tracker.MarkFailed(ctx, in.SessionID, err.Error()); markErr != nil {
			a.log.Warn("标记会话失败状态出错", zap.String("sessionID", in.SessionID), zap.Error(markErr))
		}
		return nil, xerr.Wrap(xerr.ErrStorageIO, err)
	}

	artifact := &models.Artifact{
		UserID:     in.OwnerUserID,
		SessionID:  in.SessionID,
		FileName:   displayName,
		StoredName: storedName,
		FileType:   in.MimeType,
		Category:   string(category),
		FileSize:   putRes.Size,
		FilePath:   objectKey,
		FileURL:    a.storage.GetObjectURL(objectKey),
	}
	if err := a.artifacts.Create(ctx, artifact); err != nil {
		// 文件记录写入失败时删除已写入的文件, 分片保留以便重试
		if rmErr := a.storage.RemoveObject(context.WithoutCancel(ctx), objectKey); rmErr != nil {
			a.log.Error("删除孤立文件失败", zap.String("objectKey", objectKey), zap.Error(rmErr))
		}
		if errors.Is(err, repositories.ErrArtifactExists) {
			// 其他实例已经完成了同一会话的合并
			existing, findErr := a.artifacts.FindBySessionID(ctx, in.SessionID)
			if findErr == nil {
				return existing, nil
			}
			return nil, findErr
		}
		if markErr := a.tracker.MarkFailed(ctx, in.SessionID, err.Error()); markErr != nil {
			a.log.Warn("标记会话失败状态出错", zap.String("sessionID", in.SessionID), zap.Error(markErr))
		}
		return nil, err
	}

	a.finish(ctx, in.SessionID, artifact.ID)
	a.log.Info("文件合并成功",
		zap.String("sessionID", in.SessionID),
		zap.Uint64("artifactID", artifact.ID),
		zap.String("objectKey", objectKey),
		zap.Int64("size", artifact.FileSize))
	return artifact, nil
}

// stream 按序号把分片写入目标对象, 内存占用与文件大小无关
func (a *Assembler) stream(ctx context.Context, in MergeInput, objectKey string, size int64) (storage.PutObjectResult, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	r := a.chunks.NewSequentialReader(ctx, in.SessionID, in.TotalChunks)
	defer r.Close()

	contentType := filetype.ContentTypeOf(objectKey, in.MimeType)
	return a.storage.PutObject(ctx, objectKey, r, size, contentType)
}

// finish 清理分片并标记合并成功, 失败只记录日志
func (a *Assembler) finish(ctx context.Context, sessionID string, artifactID uint64) {
	ctx = context.WithoutCancel(ctx)
	if err := a.chunks.RemoveSession(ctx, sessionID); err != nil {
		a.log.Warn("清理分片失败", zap.String("sessionID", sessionID), zap.Error(err))
	}
	if err := a.tracker.MarkMerged(ctx, sessionID, artifactID); err != nil {
		a.log.Warn("标记会话合并状态失败", zap.String("sessionID", sessionID), zap.Error(err))
	}
}
