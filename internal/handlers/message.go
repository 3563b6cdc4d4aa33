package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/utils"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// MessageHistory 消息历史查询
type MessageHistory interface {
	RoomHistory(ctx context.Context, limit, offset int) ([]models.RoomMessage, error)
	UserHistory(ctx context.Context, userID uint64, limit, offset int) ([]models.UserMessage, error)
}

type MessageHandler struct {
	history MessageHistory
}

func NewMessageHandler(history MessageHistory) *MessageHandler {
	return &MessageHandler{history: history}
}

// RoomMessages 聊天室历史消息, 按时间正序
// @Summary 聊天室历史消息
// @Tags 消息
// @Produce json
// @Security BearerAuth
// @Param limit query int false "条数, 默认 50, 最大 200"
// @Param offset query int false "跳过最新的条数"
// @Success 200 {object} xerr.Response
// @Router /api/v1/messages [get]
func (h *MessageHandler) RoomMessages(c *gin.Context) {
	limit, offset, ok := parsePage(c)
	if !ok {
		return
	}
	msgs, err := h.history.RoomHistory(c.Request.Context(), limit, offset)
	if err != nil {
		xerr.FromError(c, err)
		return
	}
	xerr.Success(c, http.StatusOK, "ok", msgs)
}

// UserMessages 当前用户的消息, 按时间倒序
// @Summary 我的消息
// @Tags 消息
// @Produce json
// @Security BearerAuth
// @Param limit query int false "条数, 默认 50, 最大 200"
// @Param offset query int false "偏移"
// @Success 200 {object} xerr.Response
// @Router /api/v1/messages/user [get]
func (h *MessageHandler) UserMessages(c *gin.Context) {
	currentUserID, ok := utils.GetUserIDFromContext(c)
	if !ok {
		return
	}
	limit, offset, ok := parsePage(c)
	if !ok {
		return
	}
	msgs, err := h.history.UserHistory(c.Request.Context(), currentUserID, limit, offset)
	if err != nil {
		xerr.FromError(c, err)
		return
	}
	xerr.Success(c, http.StatusOK, "ok", msgs)
}

func parsePage(c *gin.Context) (limit, offset int, ok bool) {
	limit = defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			xerr.AbortWithError(c, http.StatusBadRequest, xerr.InvalidParamsCode, "Invalid limit")
			return 0, 0, false
		}
		limit = min(n, maxHistoryLimit)
	}
	if s := c.Query("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			xerr.AbortWithError(c, http.StatusBadRequest, xerr.InvalidParamsCode, "Invalid offset")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}
