package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/3Eeeecho/go-chatroom/internal/pkg/filetype"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"go.uber.org/zap"
)

// stagingDir 写入中的临时文件目录, 不对外提供访问
const stagingDir = ".staging"

// LocalStorageService 基于本地文件系统的存储, 对象名即相对 basePath 的路径
type LocalStorageService struct {
	basePath      string
	publicBaseURL string
}

// NewLocalStorageService 创建本地存储并确保根目录存在
func NewLocalStorageService(basePath, publicBaseURL string) (*LocalStorageService, error) {
	if basePath == "" {
		return nil, errors.New("local storage: base path is empty")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("local storage: resolve base path: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, stagingDir), 0o755); err != nil {
		return nil, fmt.Errorf("local storage: create base path: %w", err)
	}
	logger.Info("本地存储初始化成功", zap.String("basePath", abs))
	return &LocalStorageService{
		basePath:      abs,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

// BasePath 本地存储根目录
func (s *LocalStorageService) BasePath() string {
	return s.basePath
}

// resolve 把对象名转换为本地路径, 拒绝逃出根目录的名字
func (s *LocalStorageService) resolve(objectName string) (string, error) {
	clean := path.Clean("/" + objectName)
	if clean == "/" {
		return "", fmt.Errorf("local storage: invalid object name %q", objectName)
	}
	return filepath.Join(s.basePath, filepath.FromSlash(clean)), nil
}

func (s *LocalStorageService) PutObject(ctx context.Context, objectName string, reader io.Reader, objectSize int64, contentType string) (PutObjectResult, error) {
	dst, err := s.resolve(objectName)
	if err != nil {
		return PutObjectResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return PutObjectResult{}, fmt.Errorf("local storage: create dir: %w", err)
	}

	// 先写入 staging 目录, 完整写入后再 rename 到目标位置
	tmp, err := os.CreateTemp(filepath.Join(s.basePath, stagingDir), "put-*")
	if err != nil {
		return PutObjectResult{}, fmt.Errorf("local storage: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			if rmErr := os.Remove(tmpName); rmErr != nil && !os.IsNotExist(rmErr) {
				logger.Warn("local storage: failed to remove partial file", zap.String("path", tmpName), zap.Error(rmErr))
			}
		}
	}()

	written, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: reader})
	if err != nil {
		return PutObjectResult{}, fmt.Errorf("local storage: write %s: %w", objectName, err)
	}
	if objectSize >= 0 && written != objectSize {
		return PutObjectResult{}, fmt.Errorf("local storage: write %s: expected %d bytes, got %d", objectName, objectSize, written)
	}
	if err := tmp.Sync(); err != nil {
		return PutObjectResult{}, fmt.Errorf("local storage: sync %s: %w", objectName, err)
	}
	if err := tmp.Close(); err != nil {
		return PutObjectResult{}, fmt.Errorf("local storage: close %s: %w", objectName, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return PutObjectResult{}, fmt.Errorf("local storage: commit %s: %w", objectName, err)
	}
	committed = true

	return PutObjectResult{Key: objectName, Size: written}, nil
}

func (s *LocalStorageService) GetObject(ctx context.Context, objectName string) (GetObjectResult, error) {
	p, err := s.resolve(objectName)
	if err != nil {
		return GetObjectResult{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return GetObjectResult{}, ErrObjectNotFound
		}
		return GetObjectResult{}, fmt.Errorf("local storage: open %s: %w", objectName, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return GetObjectResult{}, fmt.Errorf("local storage: stat %s: %w", objectName, err)
	}
	if info.IsDir() {
		f.Close()
		return GetObjectResult{}, ErrObjectNotFound
	}
	return GetObjectResult{
		Reader:   f,
		Size:     info.Size(),
		MimeType: filetype.ContentTypeOf(objectName, ""),
	}, nil
}

func (s *LocalStorageService) StatObject(ctx context.Context, objectName string) (ObjectInfo, error) {
	p, err := s.resolve(objectName)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, fmt.Errorf("local storage: stat %s: %w", objectName, err)
	}
	if info.IsDir() {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return ObjectInfo{Key: objectName, Size: info.Size(), ContentType: filetype.ContentTypeOf(objectName, "")}, nil
}

func (s *LocalStorageService) RemoveObject(ctx context.Context, objectName string) error {
	p, err := s.resolve(objectName)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("local storage: remove %s: %w", objectName, err)
	}
	return nil
}

func (s *LocalStorageService) RemovePrefix(ctx context.Context, prefix string) error {
	p, err := s.resolve(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("local storage: remove %s: %w", prefix, err)
	}
	return nil
}

func (s *LocalStorageService) GetObjectURL(objectName string) string {
	return s.publicBaseURL + "/" + strings.TrimLeft(objectName, "/")
}
