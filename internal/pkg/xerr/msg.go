package xerr

import "errors"

var (
	// 通用错误
	ErrInternalServer = errors.New("服务器内部错误")

	// 客户端请求错误
	ErrInvalidInput        = errors.New("无效的请求参数")
	ErrFileTooLarge        = errors.New("上传分片过大，超出限制")
	ErrFileNameInvalid     = errors.New("文件名包含非法字符")
	ErrIncompleteUpload    = errors.New("部分上传分片缺失，无法合并")
	ErrTotalChunksMismatch = errors.New("分片总数与上传时不一致")

	// 认证与授权错误
	ErrUnauthorized = errors.New("用户未授权")
	ErrTokenInvalid = errors.New("认证 Token 无效或已过期")

	// 资源未找到错误
	ErrFileNotFound          = errors.New("文件不存在")
	ErrUploadSessionNotFound = errors.New("上传会话不存在或已过期")

	// 数据库与外部服务错误
	ErrDatabaseError = errors.New("数据库操作失败")
	ErrStorageIO     = errors.New("存储服务操作失败")
	ErrMQError       = errors.New("消息队列操作失败")
)
