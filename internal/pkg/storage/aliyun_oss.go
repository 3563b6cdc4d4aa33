package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/3Eeeecho/go-chatroom/internal/config"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"go.uber.org/zap"
)

// 单次 DeleteObjects 最多 1000 个 key
const ossDeleteBatch = 1000

type AliyunOSSStorageService struct {
	client *oss.Client
	bucket *oss.Bucket
	cfg    *config.AliyunOSSConfig // 阿里云OSS的配置信息
}

// NewAliyunOSSStorageService 创建并返回一个 AliyunOSSStorageService 实例
func NewAliyunOSSStorageService(cfg *config.AliyunOSSConfig) (*AliyunOSSStorageService, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("aliyun oss: bucket name is empty")
	}
	// OSS Endpoint 应该包含 http:// 或 https:// 前缀
	ossClient, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		logger.Error("初始化阿里云OSS客户端失败", zap.Error(err))
		return nil, fmt.Errorf("无法初始化阿里云OSS客户端: %w", err)
	}
	bucket, err := ossClient.Bucket(cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("获取OSS存储桶失败: %w", err)
	}
	logger.Info("阿里云OSS客户端初始化成功", zap.String("endpoint", cfg.Endpoint), zap.String("bucket", cfg.BucketName))
	return &AliyunOSSStorageService{
		client: ossClient,
		bucket: bucket,
		cfg:    cfg,
	}, nil
}

// EnsureBucket 存储桶不存在时创建
func (s *AliyunOSSStorageService) EnsureBucket(ctx context.Context) error {
	found, err := s.client.IsBucketExist(s.cfg.BucketName)
	if err != nil {
		return fmt.Errorf("检查阿里云OSS存储桶存在性失败: %w", err)
	}
	if found {
		return nil
	}
	if err := s.client.CreateBucket(s.cfg.BucketName); err != nil {
		var ossErr oss.ServiceError
		if errors.As(err, &ossErr) && (ossErr.Code == "BucketAlreadyExists" || ossErr.Code == "BucketAlreadyOwnedByYou") {
			return nil
		}
		return fmt.Errorf("创建阿里云OSS存储桶失败: %w", err)
	}
	logger.Info("阿里云OSS存储桶创建成功", zap.String("bucket", s.cfg.BucketName))
	return nil
}

// PutObject OSS 的简单上传在请求完成前对象不可见
func (s *AliyunOSSStorageService) PutObject(ctx context.Context, objectName string, reader io.Reader, objectSize int64, contentType string) (PutObjectResult, error) {
	counter := &countingReader{r: &ctxReader{ctx: ctx, r: reader}}
	options := []oss.Option{
		oss.ContentType(contentType),
		oss.WithContext(ctx),
	}
	if objectSize >= 0 {
		options = append(options, oss.ContentLength(objectSize))
	}
	if err := s.bucket.PutObject(objectName, counter, options...); err != nil {
		return PutObjectResult{}, fmt.Errorf("阿里云OSS上传文件失败: %w", err)
	}
	return PutObjectResult{
		Key:  objectName,
		Size: counter.n,
	}, nil
}

func (s *AliyunOSSStorageService) GetObject(ctx context.Context, objectName string) (GetObjectResult, error) {
	props, err := s.bucket.GetObjectDetailedMeta(objectName, oss.WithContext(ctx))
	if err != nil {
		if isOSSNotFound(err) {
			return GetObjectResult{}, ErrObjectNotFound
		}
		return GetObjectResult{}, fmt.Errorf("获取OSS对象元数据失败: %w", err)
	}

	reader, err := s.bucket.GetObject(objectName, oss.WithContext(ctx))
	if err != nil {
		if isOSSNotFound(err) {
			return GetObjectResult{}, ErrObjectNotFound
		}
		return GetObjectResult{}, fmt.Errorf("阿里云OSS获取文件失败: %w", err)
	}

	size, _ := strconv.ParseInt(props.Get(oss.HTTPHeaderContentLength), 10, 64)
	return GetObjectResult{
		Reader:   reader,
		Size:     size,
		MimeType: props.Get(oss.HTTPHeaderContentType),
	}, nil
}

func (s *AliyunOSSStorageService) StatObject(ctx context.Context, objectName string) (ObjectInfo, error) {
	props, err := s.bucket.GetObjectDetailedMeta(objectName, oss.WithContext(ctx))
	if err != nil {
		if isOSSNotFound(err) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, fmt.Errorf("获取OSS对象元数据失败: %w", err)
	}
	size, _ := strconv.ParseInt(props.Get(oss.HTTPHeaderContentLength), 10, 64)
	return ObjectInfo{Key: objectName, Size: size, ContentType: props.Get(oss.HTTPHeaderContentType)}, nil
}

func (s *AliyunOSSStorageService) RemoveObject(ctx context.Context, objectName string) error {
	// OSS 删除不存在的对象同样返回成功
	if err := s.bucket.DeleteObject(objectName, oss.WithContext(ctx)); err != nil {
		return fmt.Errorf("阿里云OSS删除文件失败: %w", err)
	}
	return nil
}

// RemovePrefix 分页列举前缀下的对象并批量删除
func (s *AliyunOSSStorageService) RemovePrefix(ctx context.Context, prefix string) error {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	token := ""
	for {
		opts := []oss.Option{oss.Prefix(prefix), oss.MaxKeys(ossDeleteBatch), oss.WithContext(ctx)}
		if token != "" {
			opts = append(opts, oss.ContinuationToken(token))
		}
		result, err := s.bucket.ListObjectsV2(opts...)
		if err != nil {
			return fmt.Errorf("阿里云OSS列举对象失败: %w", err)
		}
		if len(result.Objects) > 0 {
			keys := make([]string, 0, len(result.Objects))
			for _, obj := range result.Objects {
				keys = append(keys, obj.Key)
			}
			if _, err := s.bucket.DeleteObjects(keys, oss.DeleteObjectsQuiet(true), oss.WithContext(ctx)); err != nil {
				return fmt.Errorf("阿里云OSS批量删除失败: %w", err)
			}
		}
		if !result.IsTruncated {
			return nil
		}
		token = result.NextContinuationToken
	}
}

// GetObjectURL 获取对象的公开访问URL, 格式为 bucketName.endpoint/objectName
func (s *AliyunOSSStorageService) GetObjectURL(objectName string) string {
	scheme := "http://"
	if s.cfg.UseSSL {
		scheme = "https://"
	}
	endpoint := s.cfg.Endpoint
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	return fmt.Sprintf("%s%s.%s/%s", scheme, s.cfg.BucketName, endpoint, objectName)
}

func isOSSNotFound(err error) bool {
	var ossErr oss.ServiceError
	if errors.As(err, &ossErr) {
		return ossErr.Code == "NoSuchKey" || ossErr.StatusCode == http.StatusNotFound
	}
	return false
}
