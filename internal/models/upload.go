package models

import "time"

// UploadChunkRequest 上传分片的表单字段, 分片内容在 chunk 文件字段中
type UploadChunkRequest struct {
	FileID      string `form:"fileId" binding:"required"`
	ChunkIndex  *int   `form:"chunkIndex" binding:"required"`
	TotalChunks int    `form:"totalChunks" binding:"required"`
}

// UploadChunkResponse 上传分片的响应
type UploadChunkResponse struct {
	Success     bool   `json:"success"`
	FileID      string `json:"fileId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
}

// MergeRequest 合并分片的请求体
type MergeRequest struct {
	FileID      string `json:"fileId" binding:"required"`
	FileName    string `json:"fileName" binding:"required"`
	FileType    string `json:"fileType" binding:"required"`
	FileSize    int64  `json:"fileSize" binding:"required"`
	TotalChunks int    `json:"totalChunks" binding:"required"`
}

// MergeResult 合并分片的响应, fileId 为生成的文件记录 ID
type MergeResult struct {
	FileID   uint64 `json:"fileId"`
	FileName string `json:"fileName"`
	FileURL  string `json:"fileUrl"`
	FileSize int64  `json:"fileSize"`
}

// NewMergeResult 由文件记录构造合并响应
func NewMergeResult(a *Artifact) *MergeResult {
	return &MergeResult{
		FileID:   a.ID,
		FileName: a.FileName,
		FileURL:  a.FileURL,
		FileSize: a.FileSize,
	}
}

// 上传会话状态
type SessionState string

const (
	SessionOpen     SessionState = "open"     // 分片仍在上传
	SessionComplete SessionState = "complete" // 分片已齐, 尚未合并
	SessionMerged   SessionState = "merged"
	SessionFailed   SessionState = "failed" // 合并失败, 分片保留可重试
)

// SessionStatus 上传会话的当前视图
type SessionStatus struct {
	FileID          string       `json:"fileId"`
	TotalChunks     int          `json:"totalChunks"`
	ReceivedIndices []int        `json:"receivedIndices"`
	State           SessionState `json:"state"`
	ArtifactID      uint64       `json:"artifactId,omitempty"`
	FailureReason   string       `json:"failureReason,omitempty"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}
