package xerr

import (
	"errors"
	"fmt"
	"net/http"
)

// CodeError 结构体用于在服务层传递带有业务码的错误
type CodeError struct {
	Code int   // 业务错误码
	Err  error // 被包裹的底层错误
}

func (e *CodeError) Error() string {
	return e.Err.Error()
}

// Unwrap 返回被包裹的底层错误，支持 errors.Is / errors.As
func (e *CodeError) Unwrap() error {
	return e.Err
}

// NewCodeError 创建一个 CodeError 实例
func NewCodeError(code int, err error) *CodeError {
	return &CodeError{Code: code, Err: err}
}

// Wrap 把底层错误归入某个错误类别, 两者都保留在错误链上
func Wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// Invalidf 构造一个 ErrInvalidInput 类别的错误
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// IncompleteUploadError 合并时发现缺失的分片
type IncompleteUploadError struct {
	SessionID    string
	MissingIndex int
}

func (e *IncompleteUploadError) Error() string {
	return fmt.Sprintf("session %s: chunk %d is missing", e.SessionID, e.MissingIndex)
}

// Is 使 errors.Is(err, ErrIncompleteUpload) 成立
func (e *IncompleteUploadError) Is(target error) bool {
	return target == ErrIncompleteUpload
}

// Is 判断错误是否为指定的错误类型
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Classify 将错误映射为 HTTP 状态码和业务码
func Classify(err error) (httpStatus int, code int) {
	var codeErr *CodeError
	switch {
	case errors.As(err, &codeErr):
		return statusOfCode(codeErr.Code), codeErr.Code
	case errors.Is(err, ErrIncompleteUpload):
		return http.StatusConflict, ChunkMissingCode
	case errors.Is(err, ErrTotalChunksMismatch):
		return http.StatusBadRequest, TotalChunksMismatchCode
	case errors.Is(err, ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, FileTooLargeCode
	case errors.Is(err, ErrFileNameInvalid):
		return http.StatusBadRequest, FileNameInvalidCode
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, InvalidParamsCode
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrTokenInvalid):
		return http.StatusUnauthorized, UnauthorizedCode
	case errors.Is(err, ErrFileNotFound):
		return http.StatusNotFound, FileNotFoundCode
	case errors.Is(err, ErrUploadSessionNotFound):
		return http.StatusNotFound, UploadSessionNotFoundCode
	case errors.Is(err, ErrStorageIO):
		return http.StatusInternalServerError, StorageErrorCode
	case errors.Is(err, ErrDatabaseError):
		return http.StatusInternalServerError, DatabaseErrorCode
	case errors.Is(err, ErrMQError):
		return http.StatusInternalServerError, MQErrorCode
	default:
		return http.StatusInternalServerError, InternalServerErrorCode
	}
}

func statusOfCode(code int) int {
	switch code / 100 {
	case 400:
		return http.StatusBadRequest
	case 401:
		return http.StatusUnauthorized
	case 404:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
