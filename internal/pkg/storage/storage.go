package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/3Eeeecho/go-chatroom/internal/config"
)

// ErrObjectNotFound 对象不存在
var ErrObjectNotFound = errors.New("storage: object not found")

// StorageService 定义了通用的对象存储操作接口, 分片和合并后的文件都通过它读写。
// 对象名使用 "/" 分隔, 例如 temp/<fileId>/<index> 或 images/a_1700000000.png
type StorageService interface {
	// PutObject 写入一个对象, 失败时不会留下部分写入的对象; 同名对象被整体替换
	// objectSize 为 -1 表示长度未知
	PutObject(ctx context.Context, objectName string, reader io.Reader, objectSize int64, contentType string) (PutObjectResult, error)
	// GetObject 读取对象, 调用方负责关闭 Reader
	GetObject(ctx context.Context, objectName string) (GetObjectResult, error)
	// StatObject 获取对象信息, 不存在时返回 ErrObjectNotFound
	StatObject(ctx context.Context, objectName string) (ObjectInfo, error)
	// RemoveObject 删除对象, 对象不存在不算错误
	RemoveObject(ctx context.Context, objectName string) error
	// RemovePrefix 删除某个前缀下的全部对象
	RemovePrefix(ctx context.Context, prefix string) error
	// GetObjectURL 获取对象的公开访问URL
	GetObjectURL(objectName string) string
}

type PutObjectResult struct {
	Key  string
	Size int64 // 实际写入的字节数
	ETag string
}

type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

type GetObjectResult struct {
	Reader   io.ReadCloser // 文件内容读取器，需要在使用后关闭
	Size     int64
	MimeType string
}

// NewStorageService 根据配置创建存储服务
func NewStorageService(cfg *config.Config) (StorageService, error) {
	switch cfg.Storage.Type {
	case "", "local":
		return NewLocalStorageService(cfg.Storage.LocalBasePath, cfg.Storage.PublicBaseURL)
	case "minio":
		return NewMinIOStorageService(&cfg.MinIO)
	case "aliyun_oss":
		return NewAliyunOSSStorageService(&cfg.AliyunOSS)
	default:
		return nil, fmt.Errorf("invalid storage type %q", cfg.Storage.Type)
	}
}

// ctxReader 每次读取前检查 ctx, 让长时间的流式写入可以被取消
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// countingReader 统计读出的字节数
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
