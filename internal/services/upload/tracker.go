package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/cache"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"github.com/go-redis/redis/v8"
)

// SessionTracker 记录上传会话的进度和状态。
// 分片是否存在以分片存储为准, 这里只保存观察到的序号和合并结果
type SessionTracker interface {
	// Admit 在写入分片前调用, 第一次调用确定 total, 之后不一致的 total 会被拒绝
	Admit(ctx context.Context, sessionID string, total int) error
	// Observe 在分片写入成功后记录序号
	Observe(ctx context.Context, sessionID string, index int) error
	// Snapshot 会话不存在时返回 xerr.ErrUploadSessionNotFound
	Snapshot(ctx context.Context, sessionID string) (*models.SessionStatus, error)
	MarkMerged(ctx context.Context, sessionID string, artifactID uint64) error
	MarkFailed(ctx context.Context, sessionID string, reason string) error
	Forget(ctx context.Context, sessionID string) error
	// Stale 返回最后活跃时间早于 before 且尚未合并的会话
	Stale(ctx context.Context, before time.Time) ([]string, error)
}

var errSessionMerged = errors.New("session already merged")

func totalMismatch(sessionID string, recorded, got int) error {
	return xerr.Wrap(xerr.ErrInvalidInput, fmt.Errorf("%w: session %s expects %d chunks, got %d",
		xerr.ErrTotalChunksMismatch, sessionID, recorded, got))
}

// deriveState open 与 complete 只取决于已观察到的序号, merged/failed 由合并写入
func deriveState(stored models.SessionState, received, total int) models.SessionState {
	switch stored {
	case models.SessionMerged, models.SessionFailed:
		return stored
	}
	if total > 0 && received >= total {
		return models.SessionComplete
	}
	return models.SessionOpen
}

// --- Redis 实现 ---

const (
	fieldTotal     = "total"
	fieldState     = "state"
	fieldArtifact  = "artifact_id"
	fieldReason    = "reason"
	fieldUpdatedAt = "updated_at"
)

type redisTracker struct {
	cache        cache.Cache
	mergedMarker time.Duration
	now          func() time.Time
}

// NewRedisTracker 会话数据保存在 Redis: 序号集合, 元数据哈希, 按活跃时间排序的会话集合
func NewRedisTracker(c cache.Cache, mergedMarker time.Duration) SessionTracker {
	return &redisTracker{cache: c, mergedMarker: mergedMarker, now: time.Now}
}

func (t *redisTracker) Admit(ctx context.Context, sessionID string, total int) error {
	metaKey := cache.GenerateUploadMetaKey(sessionID)
	created, err := t.cache.HSetNX(ctx, metaKey, fieldTotal, total)
	if err != nil {
		return err
	}
	if !created {
		meta, err := t.cache.HGetAll(ctx, metaKey)
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			return err
		}
		if models.SessionState(meta[fieldState]) == models.SessionMerged {
			return xerr.Wrap(xerr.ErrInvalidInput, fmt.Errorf("%w: %s", errSessionMerged, sessionID))
		}
		recorded, _ := strconv.Atoi(meta[fieldTotal])
		if recorded != total {
			return totalMismatch(sessionID, recorded, total)
		}
		return nil
	}

	now := t.now()
	pipe := t.cache.TxPipeline()
	pipe.HSet(ctx, metaKey, fieldState, string(models.SessionOpen), fieldUpdatedAt, now.UnixNano())
	pipe.ZAdd(ctx, cache.UploadSessionsKey, &redis.Z{Score: float64(now.Unix()), Member: sessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("admit session %s: %w", sessionID, err)
	}
	return nil
}

func (t *redisTracker) Observe(ctx context.Context, sessionID string, index int) error {
	now := t.now()
	pipe := t.cache.TxPipeline()
	pipe.SAdd(ctx, cache.GenerateUploadChunksKey(sessionID), index)
	pipe.HSet(ctx, cache.GenerateUploadMetaKey(sessionID), fieldUpdatedAt, now.UnixNano())
	pipe.ZAdd(ctx, cache.UploadSessionsKey, &redis.Z{Score: float64(now.Unix()), Member: sessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("observe chunk %d of %s: %w", index, sessionID, err)
	}
	return nil
}

func (t *redisTracker) Snapshot(ctx context.Context, sessionID string) (*models.SessionStatus, error) {
	meta, err := t.cache.HGetAll(ctx, cache.GenerateUploadMetaKey(sessionID))
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, xerr.ErrUploadSessionNotFound
		}
		return nil, err
	}
	members, err := t.cache.SMembers(ctx, cache.GenerateUploadChunksKey(sessionID))
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(members))
	for _, m := range members {
		if i, err := strconv.Atoi(m); err == nil {
			indices = append(indices, i)
		}
	}
	sort.Ints(indices)

	total, _ := strconv.Atoi(meta[fieldTotal])
	artifactID, _ := strconv.ParseUint(meta[fieldArtifact], 10, 64)
	updatedNano, _ := strconv.ParseInt(meta[fieldUpdatedAt], 10, 64)
	return &models.SessionStatus{
		FileID:          sessionID,
		TotalChunks:     total,
		ReceivedIndices: indices,
		State:           deriveState(models.SessionState(meta[fieldState]), len(indices), total),
		ArtifactID:      artifactID,
		FailureReason:   meta[fieldReason],
		UpdatedAt:       time.Unix(0, updatedNano),
	}, nil
}

// MarkMerged 删除序号集合, 元数据作为合并标记保留 mergedMarker 时长
func (t *redisTracker) MarkMerged(ctx context.Context, sessionID string, artifactID uint64) error {
	metaKey := cache.GenerateUploadMetaKey(sessionID)
	pipe := t.cache.TxPipeline()
	pipe.Del(ctx, cache.GenerateUploadChunksKey(sessionID))
	pipe.HSet(ctx, metaKey,
		fieldState, string(models.SessionMerged),
		fieldArtifact, artifactID,
		fieldUpdatedAt, t.now().UnixNano(),
	)
	pipe.HDel(ctx, metaKey, fieldReason)
	pipe.Expire(ctx, metaKey, t.mergedMarker)
	pipe.ZRem(ctx, cache.UploadSessionsKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark session %s merged: %w", sessionID, err)
	}
	return nil
}

// MarkFailed 失败的会话保留分片等待重试, 同时刷新活跃时间
func (t *redisTracker) MarkFailed(ctx context.Context, sessionID string, reason string) error {
	now := t.now()
	if err := t.cache.HMSet(ctx, cache.GenerateUploadMetaKey(sessionID), map[string]any{
		fieldState:     string(models.SessionFailed),
		fieldReason:    reason,
		fieldUpdatedAt: now.UnixNano(),
	}); err != nil {
		return err
	}
	return t.cache.ZAdd(ctx, cache.UploadSessionsKey, float64(now.Unix()), sessionID)
}

// Forget 先删除会话数据再移出活跃集合, 中途失败时下次清理会重试
func (t *redisTracker) Forget(ctx context.Context, sessionID string) error {
	if err := t.cache.Del(ctx, cache.GenerateUploadChunksKey(sessionID), cache.GenerateUploadMetaKey(sessionID)); err != nil {
		return fmt.Errorf("forget session %s: %w", sessionID, err)
	}
	if err := t.cache.ZRem(ctx, cache.UploadSessionsKey, sessionID); err != nil {
		return fmt.Errorf("forget session %s: %w", sessionID, err)
	}
	return nil
}

func (t *redisTracker) Stale(ctx context.Context, before time.Time) ([]string, error) {
	return t.cache.ZRangeByScore(ctx, cache.UploadSessionsKey, float64(before.Unix()))
}

// --- 进程内实现, 未启用 Redis 时使用 ---

type memSession struct {
	total      int
	received   map[int]struct{}
	state      models.SessionState
	artifactID uint64
	reason     string
	updatedAt  time.Time
	expiresAt  time.Time // 仅合并标记使用
}

type memoryTracker struct {
	mu           sync.Mutex
	sessions     map[string]*memSession
	mergedMarker time.Duration
	now          func() time.Time
}

func NewMemoryTracker(mergedMarker time.Duration) SessionTracker {
	return &memoryTracker{
		sessions:     make(map[string]*memSession),
		mergedMarker: mergedMarker,
		now:          time.Now,
	}
}

// get 调用方持有锁; 过期的合并标记在这里清除
func (t *memoryTracker) get(sessionID string) *memSession {
	s, ok := t.sessions[sessionID]
	if !ok {
		return nil
	}
	if !s.expiresAt.IsZero() && !t.now().Before(s.expiresAt) {
		delete(t.sessions, sessionID)
		return nil
	}
	return s
}

func (t *memoryTracker) Admit(ctx context.Context, sessionID string, total int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(sessionID)
	if s == nil {
		t.sessions[sessionID] = &memSession{
			total:     total,
			received:  make(map[int]struct{}),
			state:     models.SessionOpen,
			updatedAt: t.now(),
		}
		return nil
	}
	if s.state == models.SessionMerged {
		return xerr.Wrap(xerr.ErrInvalidInput, fmt.Errorf("%w: %s", errSessionMerged, sessionID))
	}
	if s.total != total {
		return totalMismatch(sessionID, s.total, total)
	}
	return nil
}

func (t *memoryTracker) Observe(ctx context.Context, sessionID string, index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(sessionID)
	if s == nil {
		return xerr.ErrUploadSessionNotFound
	}
	s.received[index] = struct{}{}
	s.updatedAt = t.now()
	return nil
}

func (t *memoryTracker) Snapshot(ctx context.Context, sessionID string) (*models.SessionStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(sessionID)
	if s == nil {
		return nil, xerr.ErrUploadSessionNotFound
	}
	indices := make([]int, 0, len(s.received))
	for i := range s.received {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return &models.SessionStatus{
		FileID:          sessionID,
		TotalChunks:     s.total,
		ReceivedIndices: indices,
		State:           deriveState(s.state, len(indices), s.total),
		ArtifactID:      s.artifactID,
		FailureReason:   s.reason,
		UpdatedAt:       s.updatedAt,
	}, nil
}

func (t *memoryTracker) MarkMerged(ctx context.Context, sessionID string, artifactID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(sessionID)
	if s == nil {
		s = &memSession{}
		t.sessions[sessionID] = s
	}
	now := t.now()
	s.received = map[int]struct{}{}
	s.state = models.SessionMerged
	s.artifactID = artifactID
	s.reason = ""
	s.updatedAt = now
	s.expiresAt = now.Add(t.mergedMarker)
	return nil
}

func (t *memoryTracker) MarkFailed(ctx context.Context, sessionID string, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(sessionID)
	if s == nil {
		return xerr.ErrUploadSessionNotFound
	}
	s.state = models.SessionFailed
	s.reason = reason
	s.updatedAt = t.now()
	return nil
}

func (t *memoryTracker) Forget(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
	return nil
}

func (t *memoryTracker) Stale(ctx context.Context, before time.Time) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for id := range t.sessions {
		s := t.get(id)
		if s == nil || s.state == models.SessionMerged {
			continue
		}
		if s.updatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
