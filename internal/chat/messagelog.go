package chat

import (
	"context"

	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/repositories"
)

// MessageLog 把聊天消息同时写入用户历史和聊天室历史
type MessageLog struct {
	repo   repositories.MessageRepository
	roomID uint64
}

func NewMessageLog(repo repositories.MessageRepository, roomID uint64) *MessageLog {
	if roomID == 0 {
		roomID = models.DefaultRoomID
	}
	return &MessageLog{repo: repo, roomID: roomID}
}

func (l *MessageLog) Append(ctx context.Context, msg *models.FileMessage) error {
	userMsg, roomMsg := msg.MessageRecords(l.roomID)
	return l.repo.AppendPair(ctx, userMsg, roomMsg)
}

func (l *MessageLog) AppendText(ctx context.Context, msg *models.TextMessage) error {
	userMsg, roomMsg := msg.MessageRecords(l.roomID)
	return l.repo.AppendPair(ctx, userMsg, roomMsg)
}

// Deliver 作为文件消息的 notify.Sink 使用
func (l *MessageLog) Deliver(ctx context.Context, msg *models.FileMessage) error {
	return l.Append(ctx, msg)
}

func (l *MessageLog) RoomHistory(ctx context.Context, limit, offset int) ([]models.RoomMessage, error) {
	return l.repo.ListRoomMessages(ctx, l.roomID, limit, offset)
}

func (l *MessageLog) UserHistory(ctx context.Context, userID uint64, limit, offset int) ([]models.UserMessage, error) {
	return l.repo.ListUserMessages(ctx, userID, limit, offset)
}
