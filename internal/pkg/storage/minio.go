package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/3Eeeecho/go-chatroom/internal/config"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type MinIOStorageService struct {
	client *minio.Client
	cfg    *config.MinIOConfig // MinIO的配置信息
}

// NewMinIOStorageService 创建并返回一个 MinIOStorageService 实例
func NewMinIOStorageService(cfg *config.MinIOConfig) (*MinIOStorageService, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("minio: bucket name is empty")
	}
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL, // 根据配置决定是否使用 HTTPS
	}

	minioClient, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		logger.Error("初始化 MinIO 客户端失败", zap.Error(err))
		return nil, fmt.Errorf("无法初始化 MinIO 客户端: %w", err)
	}

	logger.Info("MinIO 客户端初始化成功", zap.String("endpoint", cfg.Endpoint), zap.String("bucket", cfg.BucketName))
	return &MinIOStorageService{
		client: minioClient,
		cfg:    cfg,
	}, nil
}

// EnsureBucket 存储桶不存在时创建
func (s *MinIOStorageService) EnsureBucket(ctx context.Context) error {
	found, err := s.client.BucketExists(ctx, s.cfg.BucketName)
	if err != nil {
		return fmt.Errorf("检查 MinIO 存储桶存在性失败: %w", err)
	}
	if found {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
		// 并发启动时桶可能已被其他实例创建
		exists, errBucketExists := s.client.BucketExists(ctx, s.cfg.BucketName)
		if errBucketExists == nil && exists {
			return nil
		}
		return fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
	}
	logger.Info("MinIO 存储桶创建成功", zap.String("bucket", s.cfg.BucketName))
	return nil
}

// PutObject MinIO 的单次 PutObject 本身是原子的, 失败不会产生可见对象
func (s *MinIOStorageService) PutObject(ctx context.Context, objectName string, reader io.Reader, objectSize int64, contentType string) (PutObjectResult, error) {
	info, err := s.client.PutObject(ctx, s.cfg.BucketName, objectName, &ctxReader{ctx: ctx, r: reader}, objectSize, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return PutObjectResult{}, fmt.Errorf("MinIO 上传文件失败: %w", err)
	}
	return PutObjectResult{
		Key:  info.Key,
		Size: info.Size,
		ETag: info.ETag,
	}, nil
}

func (s *MinIOStorageService) GetObject(ctx context.Context, objectName string) (GetObjectResult, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.BucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return GetObjectResult{}, fmt.Errorf("MinIO 获取文件失败: %w", err)
	}
	// GetObject 是惰性的, Stat 时才真正发起请求
	objectStat, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isMinIONotFound(err) {
			return GetObjectResult{}, ErrObjectNotFound
		}
		return GetObjectResult{}, fmt.Errorf("MinIO 获取文件信息失败: %w", err)
	}

	return GetObjectResult{
		Reader:   obj,
		Size:     objectStat.Size,
		MimeType: objectStat.ContentType,
	}, nil
}

func (s *MinIOStorageService) StatObject(ctx context.Context, objectName string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.cfg.BucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if isMinIONotFound(err) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, fmt.Errorf("MinIO 获取文件信息失败: %w", err)
	}
	return ObjectInfo{Key: info.Key, Size: info.Size, ContentType: info.ContentType}, nil
}

func (s *MinIOStorageService) RemoveObject(ctx context.Context, objectName string) error {
	opts := minio.RemoveObjectOptions{
		GovernanceBypass: true,
	}
	if err := s.client.RemoveObject(ctx, s.cfg.BucketName, objectName, opts); err != nil {
		if isMinIONotFound(err) {
			return nil
		}
		return fmt.Errorf("MinIO 删除文件失败: %w", err)
	}
	return nil
}

// RemovePrefix 列出前缀下的对象并批量删除
func (s *MinIOStorageService) RemovePrefix(ctx context.Context, prefix string) error {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	objectsCh := s.client.ListObjects(ctx, s.cfg.BucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	toRemove, listErr := filterListed(ctx, objectsCh)
	var firstErr error
	for rErr := range s.client.RemoveObjects(ctx, s.cfg.BucketName, toRemove, minio.RemoveObjectsOptions{GovernanceBypass: true}) {
		if firstErr == nil {
			firstErr = rErr.Err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("MinIO 批量删除失败: %w", firstErr)
	}
	if err := listErr(); err != nil {
		return fmt.Errorf("MinIO 列举对象失败: %w", err)
	}
	return nil
}

// filterListed ListObjects 的错误通过 ObjectInfo.Err 返回, 这里过滤后再交给 RemoveObjects.
// ctx 取消后不再向下游发送; 返回的函数等待转发结束并给出列举错误
func filterListed(ctx context.Context, objectsCh <-chan minio.ObjectInfo) (<-chan minio.ObjectInfo, func() error) {
	out := make(chan minio.ObjectInfo)
	done := make(chan struct{})
	var listErr error
	go func() {
		defer close(done)
		defer close(out)
		for obj := range objectsCh {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			select {
			case out <- obj:
			case <-ctx.Done():
				listErr = ctx.Err()
				return
			}
		}
	}()
	return out, func() error {
		<-done
		return listErr
	}
}

// GetObjectURL MinIO 的 URL 格式: Endpoint/bucketName/objectName
func (s *MinIOStorageService) GetObjectURL(objectName string) string {
	endpoint := s.cfg.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if s.cfg.UseSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return fmt.Sprintf("%s/%s/%s", endpoint, s.cfg.BucketName, objectName)
}

func isMinIONotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
