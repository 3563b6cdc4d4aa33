package upload

import (
	"context"
	"errors"
	"io"

	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/filetype"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/storage"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"github.com/3Eeeecho/go-chatroom/internal/repositories"
	"go.uber.org/zap"
)

// Download 打开的文件内容, 调用方负责关闭 Reader
type Download struct {
	Artifact    *models.Artifact
	Reader      io.ReadCloser
	Size        int64
	ContentType string
}

type DownloadService interface {
	Open(ctx context.Context, fileID uint64) (*Download, error)
}

type downloadService struct {
	artifacts repositories.ArtifactRepository
	storage   storage.StorageService
}

func NewDownloadService(artifacts repositories.ArtifactRepository, ss storage.StorageService) DownloadService {
	return &downloadService{artifacts: artifacts, storage: ss}
}

// Open 文件记录不存在, 或记录存在但存储中对象缺失, 都返回 ErrFileNotFound
func (s *downloadService) Open(ctx context.Context, fileID uint64) (*Download, error) {
	artifact, err := s.artifacts.FindByID(ctx, fileID)
	if err != nil {
		return nil, err
	}

	obj, err := s.storage.GetObject(ctx, artifact.FilePath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			logger.Warn("Open: artifact row exists but object is missing",
				zap.Uint64("fileID", fileID), zap.String("path", artifact.FilePath))
			return nil, xerr.ErrFileNotFound
		}
		return nil, xerr.Wrap(xerr.ErrStorageIO, err)
	}

	size := obj.Size
	if size < 0 {
		size = artifact.FileSize
	}
	return &Download{
		Artifact:    artifact,
		Reader:      obj.Reader,
		Size:        size,
		ContentType: filetype.ContentTypeOf(artifact.StoredName, artifact.FileType),
	}, nil
}
