package uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/chat"
	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSSink 通过聊天室 WebSocket 发送文件消息, 断线后下次发送时重连
type WSSink struct {
	endpoint string
	dialer   *websocket.Dialer
	onEvent  func(ev chat.Event)
	log      *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSSink baseURL 为 http(s) 地址, onEvent 接收服务端推送的事件, 可以为 nil
func NewWSSink(baseURL, token string, onEvent func(ev chat.Event)) (*WSSink, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	return &WSSink{
		endpoint: u.String(),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		onEvent:  onEvent,
		log:      logger.Named("wssink"),
	}, nil
}

// Deliver 实现 notify.Sink[*models.FileMessage]
func (s *WSSink) Deliver(ctx context.Context, msg *models.FileMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(chat.Event{Event: chat.EventFile, Data: data})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		conn.Close()
		s.conn = nil
		return fmt.Errorf("send file message: %w", err)
	}
	return nil
}

// connect 调用方持有 s.mu
func (s *WSSink) connect(ctx context.Context) (*websocket.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	conn, _, err := s.dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial chat websocket: %w", err)
	}
	s.conn = conn
	go s.readLoop(conn)
	return conn, nil
}

// readLoop 持续读取以响应服务端的 ping
func (s *WSSink) readLoop(conn *websocket.Conn) {
	for {
		var ev chat.Event
		if err := conn.ReadJSON(&ev); err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			conn.Close()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.log.Debug("chat websocket closed", zap.Error(err))
			}
			return
		}
		if s.onEvent != nil {
			s.onEvent(ev)
		}
	}
}

func (s *WSSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}
