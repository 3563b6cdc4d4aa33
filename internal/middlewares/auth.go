package middlewares

import (
	"net/http"
	"strings"

	"github.com/3Eeeecho/go-chatroom/internal/config"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/utils"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"github.com/gin-gonic/gin"
)

func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. 从请求头获取 Token
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			xerr.AbortWithError(c, http.StatusUnauthorized, xerr.UnauthorizedCode, "Authorization header is required")
			return
		}

		// Token 格式通常是 "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			xerr.AbortWithError(c, http.StatusUnauthorized, xerr.UnauthorizedCode, "Invalid Authorization header format")
			return
		}

		// 2. 解析和验证 Token
		claims, err := utils.ParseToken(parts[1], cfg.JWT.SecretKey)
		if err != nil {
			xerr.AbortWithError(c, http.StatusUnauthorized, xerr.TokenInvalidCode, xerr.ErrTokenInvalid.Error())
			return
		}

		// 3. 将用户信息存储到 Gin Context 中，以便后续 Handler 使用
		SetClaims(c, claims)
		c.Next()
	}
}

// SetClaims 把 Token 中的用户信息写入 Gin Context
func SetClaims(c *gin.Context, claims *utils.Claims) {
	c.Set("userID", claims.UserID)
	c.Set("username", claims.Username)
	c.Set("email", claims.Email)
}
