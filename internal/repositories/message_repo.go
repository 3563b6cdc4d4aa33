package repositories

import (
	"context"
	"fmt"

	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MessageRepository 聊天消息历史, 只追加不修改
type MessageRepository interface {
	// AppendPair 在一个事务中同时写入用户消息和聊天室消息
	AppendPair(ctx context.Context, userMsg *models.UserMessage, roomMsg *models.RoomMessage) error
	ListRoomMessages(ctx context.Context, roomID uint64, limit, offset int) ([]models.RoomMessage, error)
	ListUserMessages(ctx context.Context, userID uint64, limit, offset int) ([]models.UserMessage, error)
}

type dbMessageRepository struct {
	db *gorm.DB
	tm TransactionManager
}

var _ MessageRepository = (*dbMessageRepository)(nil)

func NewDBMessageRepository(db *gorm.DB, tm TransactionManager) MessageRepository {
	return &dbMessageRepository{db: db, tm: tm}
}

func (r *dbMessageRepository) AppendPair(ctx context.Context, userMsg *models.UserMessage, roomMsg *models.RoomMessage) error {
	err := r.tm.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(userMsg).Error; err != nil {
			return fmt.Errorf("insert user message: %w", err)
		}
		if err := tx.Create(roomMsg).Error; err != nil {
			return fmt.Errorf("insert room message: %w", err)
		}
		return nil
	})
	if err != nil {
		logger.Error("AppendPair: Failed to save message", zap.Uint64("userID", userMsg.UserID), zap.Error(err))
		return xerr.Wrap(xerr.ErrDatabaseError, err)
	}
	return nil
}

// ListRoomMessages 取最新的 limit 条, 按时间正序返回
func (r *dbMessageRepository) ListRoomMessages(ctx context.Context, roomID uint64, limit, offset int) ([]models.RoomMessage, error) {
	var msgs []models.RoomMessage
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&msgs).Error
	if err != nil {
		logger.Error("ListRoomMessages: Failed to query", zap.Uint64("roomID", roomID), zap.Error(err))
		return nil, xerr.Wrap(xerr.ErrDatabaseError, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListUserMessages 按时间倒序返回
func (r *dbMessageRepository) ListUserMessages(ctx context.Context, userID uint64, limit, offset int) ([]models.UserMessage, error) {
	var msgs []models.UserMessage
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&msgs).Error
	if err != nil {
		logger.Error("ListUserMessages: Failed to query", zap.Uint64("userID", userID), zap.Error(err))
		return nil, xerr.Wrap(xerr.ErrDatabaseError, err)
	}
	return msgs, nil
}
