package utils

import (
	"net/http"

	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"github.com/gin-gonic/gin"
)

// GetUserIDFromContext 从 Gin 上下文中获取并验证用户ID
// 如果获取失败或类型不正确，会中止请求并返回错误
func GetUserIDFromContext(c *gin.Context) (uint64, bool) {
	userID, exists := c.Get("userID")
	if !exists {
		xerr.AbortWithError(c, http.StatusUnauthorized, xerr.UnauthorizedCode, "User ID not found in context")
		return 0, false
	}
	currentUserID, ok := userID.(uint64)
	if !ok {
		xerr.AbortWithError(c, http.StatusInternalServerError, xerr.InternalServerErrorCode, "Invalid user ID type in context")
		return 0, false
	}
	return currentUserID, true
}

// GetUsernameFromContext 用户名不存在时返回空字符串
func GetUsernameFromContext(c *gin.Context) string {
	return c.GetString("username")
}
