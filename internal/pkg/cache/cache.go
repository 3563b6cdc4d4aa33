package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// 缓存通用接口
type Cache interface {
	// Set在缓存中设置一个值，并指定过期时间。
	// value应该是一个可以被JSON封送的结构体或指向结构体的指针。
	Set(ctx context.Context, key string, value any, expiration time.Duration) error

	// Get从缓存中检索一个值，并将其解编组到目标接口。
	// target应该是一个指针，指向希望解编组成的类型。
	Get(ctx context.Context, key string, target any) error

	// 删除一个或多个key
	Del(ctx context.Context, keys ...string) error

	// 哈希操作函数
	HMSet(ctx context.Context, key string, fields map[string]any) error
	HSetNX(ctx context.Context, key string, field string, value any) (bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// 集合操作函数
	SMembers(ctx context.Context, key string) ([]string, error)

	//有序集合操作函数
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, max float64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error

	// 多条命令需要原子执行时使用
	TxPipeline() redis.Pipeliner
}

// UploadSessionsKey 所有上传会话按最后活跃时间排序的有序集合
const UploadSessionsKey = "upload:sessions"

// GenerateUploadChunksKey 已接收分片序号的集合
func GenerateUploadChunksKey(sessionID string) string {
	return fmt.Sprintf("upload:session:%s:chunks", sessionID)
}

// GenerateUploadMetaKey 会话元数据 (总分片数, 状态, 产物ID等)
func GenerateUploadMetaKey(sessionID string) string {
	return fmt.Sprintf("upload:session:%s:meta", sessionID)
}

func GenerateArtifactKey(artifactID uint64) string {
	return fmt.Sprintf("artifact:%d", artifactID)
}
