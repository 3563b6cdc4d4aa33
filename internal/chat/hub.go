// Package chat 聊天室的 WebSocket 连接管理和事件广播
package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"go.uber.org/zap"
)

// 事件名
const (
	EventFile    = "file"
	EventImage   = "image"
	EventMessage = "message"
	EventJoin    = "join"
	EventLeave   = "leave"
	EventError   = "error"
)

// Event WebSocket 上收发的帧
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Presence 用户进入或离开
type Presence struct {
	UserID      uint64 `json:"userId"`
	Username    string `json:"username"`
	OnlineCount int    `json:"onlineCount"`
}

// Notifier 文件消息写入消息历史的入口, 不能阻塞
type Notifier interface {
	Notify(msg *models.FileMessage) bool
}

// TextNotifier 文本消息写入消息历史的入口, 不能阻塞
type TextNotifier interface {
	Notify(msg *models.TextMessage) bool
}

type Hub struct {
	registry Registry
	files    Notifier
	texts    TextNotifier
	log      *zap.Logger
}

// NewHub files 和 texts 都可以为 nil, 此时对应的消息只广播不落库
func NewHub(registry Registry, files Notifier, texts TextNotifier) *Hub {
	return &Hub{registry: registry, files: files, texts: texts, log: logger.Named("chat")}
}

func (h *Hub) Registry() Registry {
	return h.registry
}

// Join 注册连接并通知其他人
func (h *Hub) Join(c Conn) {
	h.registry.Add(c)
	h.broadcastExcept(c.ID(), EventJoin, Presence{UserID: c.UserID(), Username: c.Username(), OnlineCount: h.registry.Len()})
	h.log.Info("client joined", zap.String("connID", c.ID()), zap.Uint64("userID", c.UserID()))
}

// Leave 注销连接, 重复调用无副作用
func (h *Hub) Leave(c Conn) {
	if !h.registry.Remove(c.ID()) {
		return
	}
	h.Broadcast(EventLeave, Presence{UserID: c.UserID(), Username: c.Username(), OnlineCount: h.registry.Len()})
	h.log.Info("client left", zap.String("connID", c.ID()), zap.Uint64("userID", c.UserID()))
}

// HandleInbound 处理客户端发来的一帧
func (h *Hub) HandleInbound(from Conn, raw []byte) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		h.replyError(from, "invalid frame")
		return
	}

	switch ev.Event {
	case EventFile, EventImage:
		var msg models.FileMessage
		if err := json.Unmarshal(ev.Data, &msg); err != nil || msg.FileName == "" {
			h.replyError(from, "invalid file message")
			return
		}
		// 以认证身份为准
		msg.UserID = from.UserID()
		if msg.Username == "" {
			msg.Username = from.Username()
		}
		h.Broadcast(ev.Event, msg)
		if h.files != nil && !h.files.Notify(&msg) {
			h.log.Warn("file message not recorded, history queue unavailable",
				zap.Uint64("fileId", msg.FileID), zap.Uint64("userID", msg.UserID))
		}
	case EventMessage:
		var msg models.TextMessage
		if err := json.Unmarshal(ev.Data, &msg); err != nil || msg.Content == "" {
			h.replyError(from, "invalid text message")
			return
		}
		msg.UserID = from.UserID()
		msg.Username = from.Username()
		msg.Timestamp = time.Now()
		h.Broadcast(EventMessage, msg)
		if h.texts != nil && !h.texts.Notify(&msg) {
			h.log.Warn("text message not recorded, history queue unavailable", zap.Uint64("userID", msg.UserID))
		}
	default:
		h.replyError(from, fmt.Sprintf("unknown event %q", ev.Event))
	}
}

// Broadcast 发给所有在线连接
func (h *Hub) Broadcast(event string, data any) {
	h.broadcastExcept("", event, data)
}

func (h *Hub) broadcastExcept(skipID, event string, data any) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		h.log.Error("encode event failed", zap.String("event", event), zap.Error(err))
		return
	}
	for _, c := range h.registry.Snapshot() {
		if c.ID() == skipID {
			continue
		}
		if !c.Send(payload) {
			h.log.Warn("client send buffer full, event dropped", zap.String("connID", c.ID()), zap.String("event", event))
		}
	}
}

func (h *Hub) replyError(c Conn, message string) {
	payload, err := encodeEvent(EventError, map[string]string{"message": message})
	if err == nil {
		c.Send(payload)
	}
}

func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Event: event, Data: raw})
}
