package handlers

import (
	"net/http"
	"strings"

	"github.com/3Eeeecho/go-chatroom/internal/chat"
	"github.com/3Eeeecho/go-chatroom/internal/config"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/utils"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ChatHandler struct {
	hub      *chat.Hub
	cfg      *config.Config
	upgrader websocket.Upgrader
}

func NewChatHandler(hub *chat.Hub, cfg *config.Config) *ChatHandler {
	return &ChatHandler{
		hub: hub,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 聊天页面与 API 可能不同源, 身份由 token 校验
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS 升级为 WebSocket 连接, token 取自 query 参数或 Authorization 头
// @Summary 聊天室 WebSocket
// @Tags 聊天
// @Param token query string true "JWT"
// @Router /ws [get]
func (h *ChatHandler) ServeWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if token == "" {
		xerr.AbortWithError(c, http.StatusUnauthorized, xerr.UnauthorizedCode, xerr.ErrUnauthorized.Error())
		return
	}
	claims, err := utils.ParseToken(token, h.cfg.JWT.SecretKey)
	if err != nil {
		xerr.AbortWithError(c, http.StatusUnauthorized, xerr.TokenInvalidCode, xerr.ErrTokenInvalid.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 失败时已写回错误响应
		logger.Warn("ServeWS: websocket upgrade failed", zap.Uint64("userID", claims.UserID), zap.Error(err))
		return
	}
	chat.NewClient(h.hub, conn, claims.UserID, claims.Username).Serve()
}
