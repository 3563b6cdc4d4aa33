package xerr

// 定义了统一的业务错误码
const (
	SuccessCode = 20000 // 通用成功码

	// --- 客户端请求错误系列 (400xx) ---
	InvalidParamsCode       = 40000 // 无效的请求参数
	ValidationFailedCode    = 40001 // 参数验证失败
	FileTooLargeCode        = 40003 // 分片或文件过大
	FileNameInvalidCode     = 40004 // 文件名无效
	ChunkMissingCode        = 40011 // 上传分片缺失, 无法合并
	TotalChunksMismatchCode = 40013 // 分片总数与上传时不一致

	// --- 认证与授权错误系列 (401xx) ---
	UnauthorizedCode = 40100 // 通用未授权
	TokenInvalidCode = 40101 // Token 无效或过期

	// --- 资源未找到错误系列 (404xx) ---
	NotFoundCode              = 40400 // 通用资源未找到
	FileNotFoundCode          = 40402 // 文件不存在
	UploadSessionNotFoundCode = 40406 // 上传会话不存在

	// --- 服务器内部错误系列 (500xx) ---
	InternalServerErrorCode = 50000 // 服务器内部通用错误
	DatabaseErrorCode       = 50001 // 数据库操作失败
	StorageErrorCode        = 50002 // 存储服务操作失败（如本地磁盘、MinIO）
	MQErrorCode             = 50003 // 消息队列操作失败
)
