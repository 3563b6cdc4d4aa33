package upload

import (
	"context"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Sweep 清理闲置超过 session_ttl 的会话, 返回清理的数量
func (s *uploadService) Sweep(ctx context.Context) (int, error) {
	if s.cfg.SessionTTL <= 0 {
		return 0, nil
	}
	ids, err := s.tracker.Stale(ctx, s.now().Add(-s.cfg.SessionTTL))
	if err != nil {
		return 0, err
	}

	var result *multierror.Error
	removed := 0
	for _, id := range ids {
		swept, err := s.sweepOne(ctx, id)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if swept {
			removed++
		}
	}
	return removed, result.ErrorOrNil()
}

func (s *uploadService) sweepOne(ctx context.Context, id string) (bool, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	// 拿到锁之后再确认一次, 期间可能有新分片或已合并
	status, err := s.tracker.Snapshot(ctx, id)
	if err == nil {
		if status.State == models.SessionMerged || !status.UpdatedAt.Before(s.now().Add(-s.cfg.SessionTTL)) {
			return false, nil
		}
	}
	return true, s.discard(ctx, id)
}

// RunSweeper 按 sweep_interval 周期清理, ctx 取消后返回
func RunSweeper(ctx context.Context, svc UploadService, interval time.Duration) {
	if interval <= 0 {
		return
	}
	log := logger.Named("sweeper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.Sweep(ctx)
			if err != nil {
				log.Error("清理过期上传会话出错", zap.Int("removed", n), zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("清理过期上传会话", zap.Int("removed", n))
			}
		}
	}
}
