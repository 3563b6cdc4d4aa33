package repositories

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/cache"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"go.uber.org/zap"
)

const artifactCacheTTL = 10 * time.Minute

// cachedArtifactRepository 下载路径按ID查文件记录, 记录创建后不再修改, 可以放心缓存
type cachedArtifactRepository struct {
	next  ArtifactRepository
	cache cache.Cache
}

// NewCachedArtifactRepository 在 next 之前加一层 Redis 缓存
func NewCachedArtifactRepository(next ArtifactRepository, c cache.Cache) ArtifactRepository {
	return &cachedArtifactRepository{next: next, cache: c}
}

func (r *cachedArtifactRepository) Create(ctx context.Context, artifact *models.Artifact) error {
	if err := r.next.Create(ctx, artifact); err != nil {
		return err
	}
	r.store(ctx, artifact)
	return nil
}

func (r *cachedArtifactRepository) FindByID(ctx context.Context, id uint64) (*models.Artifact, error) {
	key := cache.GenerateArtifactKey(id)

	var cached artifactCacheEntry
	err := r.cache.Get(ctx, key, &cached)
	if err == nil {
		return cached.toModel(), nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		logger.Warn("FindByID: Error getting artifact from cache", zap.Uint64("id", id), zap.Error(err))
	}

	artifact, err := r.next.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.store(ctx, artifact)
	return artifact, nil
}

func (r *cachedArtifactRepository) FindBySessionID(ctx context.Context, sessionID string) (*models.Artifact, error) {
	return r.next.FindBySessionID(ctx, sessionID)
}

// store 缓存写入失败只记录日志, 数据库仍然是准确来源
func (r *cachedArtifactRepository) store(ctx context.Context, artifact *models.Artifact) {
	// 加随机抖动, 避免同时过期
	ttl := artifactCacheTTL + time.Duration(rand.Intn(300))*time.Second
	if err := r.cache.Set(ctx, cache.GenerateArtifactKey(artifact.ID), toCacheEntry(artifact), ttl); err != nil {
		logger.Warn("Failed to cache artifact", zap.Uint64("id", artifact.ID), zap.Error(err))
	}
}

// artifactCacheEntry models.Artifact 的 FilePath 不对外序列化, 缓存里需要完整字段
type artifactCacheEntry struct {
	ID         uint64    `json:"id"`
	UserID     uint64    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	FileName   string    `json:"file_name"`
	StoredName string    `json:"stored_name"`
	FileType   string    `json:"file_type"`
	Category   string    `json:"category"`
	FileSize   int64     `json:"file_size"`
	FilePath   string    `json:"file_path"`
	FileURL    string    `json:"file_url"`
	CreatedAt  time.Time `json:"created_at"`
}

func toCacheEntry(a *models.Artifact) artifactCacheEntry {
	return artifactCacheEntry{
		ID:         a.ID,
		UserID:     a.UserID,
		SessionID:  a.SessionID,
		FileName:   a.FileName,
		StoredName: a.StoredName,
		FileType:   a.FileType,
		Category:   a.Category,
		FileSize:   a.FileSize,
		FilePath:   a.FilePath,
		FileURL:    a.FileURL,
		CreatedAt:  a.CreatedAt,
	}
}

func (e artifactCacheEntry) toModel() *models.Artifact {
	return &models.Artifact{
		ID:         e.ID,
		UserID:     e.UserID,
		SessionID:  e.SessionID,
		FileName:   e.FileName,
		StoredName: e.StoredName,
		FileType:   e.FileType,
		Category:   e.Category,
		FileSize:   e.FileSize,
		FilePath:   e.FilePath,
		FileURL:    e.FileURL,
		CreatedAt:  e.CreatedAt,
	}
}
