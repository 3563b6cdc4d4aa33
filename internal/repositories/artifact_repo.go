package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrArtifactExists 同一个上传会话已经生成过文件记录
var ErrArtifactExists = errors.New("artifact for this session already exists")

// ArtifactRepository 合并后文件记录的数据访问接口
type ArtifactRepository interface {
	Create(ctx context.Context, artifact *models.Artifact) error
	FindByID(ctx context.Context, id uint64) (*models.Artifact, error)
	FindBySessionID(ctx context.Context, sessionID string) (*models.Artifact, error)
}

type dbArtifactRepository struct {
	db *gorm.DB
}

var _ ArtifactRepository = (*dbArtifactRepository)(nil)

// NewDBArtifactRepository 直接访问数据库的实现
func NewDBArtifactRepository(db *gorm.DB) ArtifactRepository {
	return &dbArtifactRepository{db: db}
}

func (r *dbArtifactRepository) Create(ctx context.Context, artifact *models.Artifact) error {
	err := r.db.WithContext(ctx).Create(artifact).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrArtifactExists
		}
		logger.Error("Create: Failed to create artifact in DB", zap.Error(err), zap.Uint64("userID", artifact.UserID), zap.String("sessionID", artifact.SessionID))
		return xerr.Wrap(xerr.ErrDatabaseError, fmt.Errorf("create artifact: %w", err))
	}
	return nil
}

func (r *dbArtifactRepository) FindByID(ctx context.Context, id uint64) (*models.Artifact, error) {
	var artifact models.Artifact
	err := r.db.WithContext(ctx).First(&artifact, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerr.ErrFileNotFound
		}
		logger.Error("FindByID: Failed to query artifact", zap.Uint64("id", id), zap.Error(err))
		return nil, xerr.Wrap(xerr.ErrDatabaseError, err)
	}
	return &artifact, nil
}

func (r *dbArtifactRepository) FindBySessionID(ctx context.Context, sessionID string) (*models.Artifact, error) {
	var artifact models.Artifact
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&artifact).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerr.ErrFileNotFound
		}
		logger.Error("FindBySessionID: Failed to query artifact", zap.String("sessionID", sessionID), zap.Error(err))
		return nil, xerr.Wrap(xerr.ErrDatabaseError, err)
	}
	return &artifact, nil
}
