package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/utils"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"github.com/3Eeeecho/go-chatroom/internal/services/upload"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// chunkFormOverhead multipart 表单中分片内容以外的部分 (边界, 字段) 允许的字节数
const chunkFormOverhead = 64 << 10

type UploadHandler struct {
	uploadService   upload.UploadService
	downloadService upload.DownloadService
	maxChunkSize    int64 // 0 表示不限制
}

func NewUploadHandler(uploadService upload.UploadService, downloadService upload.DownloadService, maxChunkSize int64) *UploadHandler {
	return &UploadHandler{
		uploadService:   uploadService,
		downloadService: downloadService,
		maxChunkSize:    maxChunkSize,
	}
}

// limitedBody 记录请求体是否超过了 http.MaxBytesReader 的上限
type limitedBody struct {
	io.ReadCloser
	exceeded bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		b.exceeded = true
	}
	return n, err
}

// UploadChunk 处理分片上传请求
// @Summary 上传文件分片
// @Description 上传文件的一个分片, 同一分片重复上传会覆盖
// @Tags 文件上传
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param chunk formData file true "分片内容"
// @Param fileId formData string true "上传会话 ID"
// @Param chunkIndex formData int true "分片序号, 从 0 开始"
// @Param totalChunks formData int true "分片总数"
// @Success 200 {object} xerr.Response "分片上传成功"
// @Failure 400 {object} xerr.Response "参数错误"
// @Failure 413 {object} xerr.Response "分片过大"
// @Failure 500 {object} xerr.Response "内部服务器错误"
// @Router /api/v1/files/chunk [post]
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	currentUserID, ok := utils.GetUserIDFromContext(c)
	if !ok {
		return
	}

	// 在解析表单之前限制请求体大小, 避免超大分片先被写入临时文件
	var body *limitedBody
	if h.maxChunkSize > 0 {
		limit := h.maxChunkSize + chunkFormOverhead
		if c.Request.ContentLength > limit {
			xerr.AbortWithError(c, http.StatusRequestEntityTooLarge, xerr.FileTooLargeCode,
				fmt.Sprintf("Chunk exceeds the limit of %d bytes", h.maxChunkSize))
			return
		}
		body = &limitedBody{ReadCloser: http.MaxBytesReader(c.Writer, c.Request.Body, limit)}
		c.Request.Body = body
	}

	var req models.UploadChunkRequest
	if err := c.ShouldBind(&req); err != nil {
		if body != nil && body.exceeded {
			xerr.AbortWithError(c, http.StatusRequestEntityTooLarge, xerr.FileTooLargeCode,
				fmt.Sprintf("Chunk exceeds the limit of %d bytes", h.maxChunkSize))
			return
		}
		xerr.AbortWithError(c, http.StatusBadRequest, xerr.InvalidParamsCode, "Invalid form data: "+err.Error())
		return
	}

	file, err := c.FormFile("chunk")
	if err != nil {
		xerr.AbortWithError(c, http.StatusBadRequest, xerr.InvalidParamsCode, "Chunk file not found")
		return
	}

	fileContent, err := file.Open()
	if err != nil {
		logger.Error("UploadChunk: failed to open multipart chunk", zap.Error(err))
		xerr.AbortWithError(c, http.StatusInternalServerError, xerr.InternalServerErrorCode, "Failed to open chunk file")
		return
	}
	defer fileContent.Close()

	resp, err := h.uploadService.UploadChunk(c.Request.Context(), currentUserID, &req, fileContent, file.Size)
	if err != nil {
		xerr.FromError(c, err)
		return
	}
	xerr.Success(c, http.StatusOK, "Chunk uploaded successfully", resp)
}

// Merge 合并已上传的分片
// @Summary 合并分片
// @Description 按序号合并分片, 生成文件记录并返回访问地址
// @Tags 文件上传
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.MergeRequest true "合并参数"
// @Success 200 {object} xerr.Response "合并成功"
// @Failure 400 {object} xerr.Response "参数错误"
// @Failure 409 {object} xerr.Response "分片缺失"
// @Failure 500 {object} xerr.Response "内部服务器错误"
// @Router /api/v1/files/merge [post]
func (h *UploadHandler) Merge(c *gin.Context) {
	currentUserID, ok := utils.GetUserIDFromContext(c)
	if !ok {
		return
	}

	var req models.MergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		xerr.AbortWithError(c, http.StatusBadRequest, xerr.InvalidParamsCode, "Invalid request body: "+err.Error())
		return
	}

	result, err := h.uploadService.Merge(c.Request.Context(), currentUserID, &req)
	if err != nil {
		logger.Warn("Merge failed",
			zap.Uint64("userID", currentUserID),
			zap.String("fileId", req.FileID),
			zap.Error(err))
		xerr.FromError(c, err)
		return
	}
	xerr.Success(c, http.StatusOK, "文件合并成功", result)
}

// Download 下载已合并的文件
// @Summary 下载文件
// @Tags 文件
// @Produce octet-stream
// @Param file_id path int true "文件 ID"
// @Success 200 {file} file "文件内容"
// @Failure 404 {object} xerr.Response "文件不存在"
// @Router /api/v1/files/{file_id} [get]
func (h *UploadHandler) Download(c *gin.Context) {
	fileID, err := strconv.ParseUint(c.Param("file_id"), 10, 64)
	if err != nil {
		xerr.AbortWithError(c, http.StatusNotFound, xerr.FileNotFoundCode, xerr.ErrFileNotFound.Error())
		return
	}

	dl, err := h.downloadService.Open(c.Request.Context(), fileID)
	if err != nil {
		xerr.FromError(c, err)
		return
	}
	defer dl.Reader.Close()

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Artifact.FileName}))
	c.Header("Content-Type", dl.ContentType)
	if dl.Size >= 0 {
		c.Header("Content-Length", fmt.Sprintf("%d", dl.Size))
	}
	c.Status(http.StatusOK)

	if _, err := io.Copy(c.Writer, dl.Reader); err != nil {
		// 响应头已发出, 只能记录日志
		logger.Error("Download: failed to stream file",
			zap.Uint64("fileID", fileID), zap.Error(err))
	}
}

// SessionStatus 查询上传会话
// @Summary 上传会话状态
// @Tags 文件上传
// @Produce json
// @Security BearerAuth
// @Param file_id path string true "上传会话 ID"
// @Success 200 {object} xerr.Response
// @Failure 404 {object} xerr.Response "会话不存在"
// @Router /api/v1/files/sessions/{file_id} [get]
func (h *UploadHandler) SessionStatus(c *gin.Context) {
	status, err := h.uploadService.SessionStatus(c.Request.Context(), c.Param("file_id"))
	if err != nil {
		xerr.FromError(c, err)
		return
	}
	xerr.Success(c, http.StatusOK, "ok", status)
}

// Abandon 放弃上传会话并删除已上传的分片
// @Summary 放弃上传
// @Tags 文件上传
// @Produce json
// @Security BearerAuth
// @Param file_id path string true "上传会话 ID"
// @Success 200 {object} xerr.Response
// @Router /api/v1/files/sessions/{file_id} [delete]
func (h *UploadHandler) Abandon(c *gin.Context) {
	if err := h.uploadService.Abandon(c.Request.Context(), c.Param("file_id")); err != nil {
		xerr.FromError(c, err)
		return
	}
	xerr.Success(c, http.StatusOK, "上传会话已删除", nil)
}
