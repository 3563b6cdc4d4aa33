package xerr

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 是通用 JSON 响应结构
type Response struct {
	Code    int    `json:"code"`    // 业务状态码
	Message string `json:"message"` // 消息
	Data    any    `json:"data"`    // 响应数据
}

// JSONResponse 发送标准 JSON 响应
func JSONResponse(c *gin.Context, httpStatus int, code int, message string, data any) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

// Success 成功响应
func Success(c *gin.Context, httpStatus int, message string, data any) {
	JSONResponse(c, httpStatus, SuccessCode, message, data)
}

// Error 错误响应
func Error(c *gin.Context, httpStatus int, code int, message string) {
	JSONResponse(c, httpStatus, code, message, nil)
}

// AbortWithError 终止请求并发送错误响应
func AbortWithError(c *gin.Context, httpStatus int, code int, message string) {
	Error(c, httpStatus, code, message)
	c.Abort()
}

// FromError 根据错误类别发送错误响应, 服务端内部错误不向客户端暴露细节
func FromError(c *gin.Context, err error) {
	status, code := Classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = ErrInternalServer.Error()
		switch code {
		case StorageErrorCode:
			message = ErrStorageIO.Error()
		case DatabaseErrorCode:
			message = ErrDatabaseError.Error()
		}
	}
	AbortWithError(c, status, code, message)
}
