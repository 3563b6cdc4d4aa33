package setup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3Eeeecho/go-chatroom/internal/config"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/storage"
)

// bucketEnsurer 对象存储后端在启动时检查并创建存储桶
type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// InitStorage 按 storageconfig.type 创建存储服务, 对象存储会确保存储桶存在
func InitStorage(ctx context.Context, cfg *config.Config) (storage.StorageService, error) {
	ss, err := storage.NewStorageService(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化存储服务失败: %w", err)
	}

	if b, ok := ss.(bucketEnsurer); ok {
		// 为外部调用使用带超时的上下文
		ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := b.EnsureBucket(ensureCtx); err != nil {
			return nil, fmt.Errorf("检查存储桶失败: %w", err)
		}
	}

	logger.Info("存储服务已选择并初始化", zap.String("type", cfg.Storage.Type))
	return ss, nil
}

// LocalRoot 本地存储时返回文件根目录, 其他后端返回空字符串
func LocalRoot(ss storage.StorageService) string {
	if local, ok := ss.(*storage.LocalStorageService); ok {
		return local.BasePath()
	}
	return ""
}
