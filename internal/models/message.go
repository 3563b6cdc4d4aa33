package models

import (
	"fmt"
	"strings"
	"time"
)

// 消息类型
const (
	MessageTypeText   = "text"
	MessageTypeFile   = "file"
	MessageTypeImage  = "image"
	MessageTypeSystem = "system"
)

// DefaultRoomID 默认聊天室
const DefaultRoomID uint64 = 1

// UserMessage 对应 user_messages 表, 按用户记录的消息历史
type UserMessage struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      uint64    `gorm:"not null;index" json:"userId"`
	Content     string    `gorm:"type:text;not null" json:"content"`
	MessageType string    `gorm:"type:varchar(16);not null;default:'text'" json:"messageType"`
	FileURL     *string   `gorm:"type:varchar(512);default:null" json:"fileUrl,omitempty"`
	FileName    *string   `gorm:"type:varchar(255);default:null" json:"fileName,omitempty"`
	FileSize    *int64    `gorm:"type:bigint;default:null" json:"fileSize,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"createdAt"`
}

func (UserMessage) TableName() string {
	return "user_messages"
}

// RoomMessage 对应 room_messages 表, 聊天室消息历史
type RoomMessage struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID      uint64    `gorm:"not null;index;default:1" json:"roomId"`
	UserID      uint64    `gorm:"not null;index" json:"userId"`
	Content     string    `gorm:"type:text;not null" json:"content"`
	MessageType string    `gorm:"type:varchar(16);not null;default:'text'" json:"messageType"`
	FileURL     *string   `gorm:"type:varchar(512);default:null" json:"fileUrl,omitempty"`
	FileName    *string   `gorm:"type:varchar(255);default:null" json:"fileName,omitempty"`
	FileSize    *int64    `gorm:"type:bigint;default:null" json:"fileSize,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"createdAt"`
}

func (RoomMessage) TableName() string {
	return "room_messages"
}

// FileMessage 文件上传完成后发往聊天室的通知
type FileMessage struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
	FileURL  string `json:"fileUrl"`
	FileID   uint64 `json:"fileId"`
}

func (m *FileMessage) String() string {
	return fmt.Sprintf("file message %d (%s) from user %d", m.FileID, m.FileName, m.UserID)
}

// MessageRecords 把文件通知转换为用户消息和聊天室消息两条记录
func (m *FileMessage) MessageRecords(roomID uint64) (*UserMessage, *RoomMessage) {
	msgType := MessageTypeFile
	content := "发送了文件: " + m.FileName
	if strings.HasPrefix(m.FileType, "image/") {
		msgType = MessageTypeImage
		content = "发送了图片: " + m.FileName
	}

	fileName, fileURL, fileSize := m.FileName, m.FileURL, m.FileSize
	userMsg := &UserMessage{
		UserID:      m.UserID,
		Content:     content,
		MessageType: msgType,
		FileURL:     &fileURL,
		FileName:    &fileName,
		FileSize:    &fileSize,
	}
	roomMsg := &RoomMessage{
		RoomID:      roomID,
		UserID:      m.UserID,
		Content:     content,
		MessageType: msgType,
		FileURL:     &fileURL,
		FileName:    &fileName,
		FileSize:    &fileSize,
	}
	return userMsg, roomMsg
}

// TextMessage 文本聊天消息
type TextMessage struct {
	UserID    uint64    `json:"userId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *TextMessage) String() string {
	return fmt.Sprintf("text message from user %d", m.UserID)
}

func (m *TextMessage) MessageRecords(roomID uint64) (*UserMessage, *RoomMessage) {
	userMsg := &UserMessage{
		UserID:      m.UserID,
		Content:     m.Content,
		MessageType: MessageTypeText,
	}
	roomMsg := &RoomMessage{
		RoomID:      roomID,
		UserID:      m.UserID,
		Content:     m.Content,
		MessageType: MessageTypeText,
	}
	return userMsg, roomMsg
}
