package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

// Client 一个 WebSocket 连接, 读写各一个协程
type Client struct {
	id       string
	userID   uint64
	username string
	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte

	mu     sync.Mutex
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID uint64, username string) *Client {
	return &Client{
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, sendBuffer),
	}
}

func (c *Client) ID() string       { return c.id }
func (c *Client) UserID() uint64   { return c.userID }
func (c *Client) Username() string { return c.username }

func (c *Client) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Serve 加入聊天室并阻塞读取, 连接断开后退出
func (c *Client) Serve() {
	c.hub.Join(c)
	go c.writePump()
	c.readPump()

	c.hub.Leave(c)
	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

func (c *Client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("websocket read error", zap.String("connID", c.id), zap.Error(err))
			}
			return
		}
		c.hub.HandleInbound(c, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
