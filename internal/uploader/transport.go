package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
)

// APIError 服务端返回的错误响应
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (code %d): %s", e.Status, e.Code, e.Message)
}

// Unwrap 把业务码还原为对应的错误类别
func (e *APIError) Unwrap() error {
	switch e.Code {
	case xerr.ChunkMissingCode:
		return xerr.ErrIncompleteUpload
	case xerr.TotalChunksMismatchCode:
		return xerr.ErrTotalChunksMismatch
	case xerr.FileTooLargeCode:
		return xerr.ErrFileTooLarge
	case xerr.InvalidParamsCode, xerr.ValidationFailedCode, xerr.FileNameInvalidCode:
		return xerr.ErrInvalidInput
	case xerr.UnauthorizedCode, xerr.TokenInvalidCode:
		return xerr.ErrUnauthorized
	case xerr.FileNotFoundCode, xerr.NotFoundCode:
		return xerr.ErrFileNotFound
	case xerr.UploadSessionNotFoundCode:
		return xerr.ErrUploadSessionNotFound
	case xerr.StorageErrorCode:
		return xerr.ErrStorageIO
	case xerr.DatabaseErrorCode:
		return xerr.ErrDatabaseError
	default:
		return xerr.ErrInternalServer
	}
}

// HTTPTransport 通过 REST 接口上传分片和合并
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPTransport(baseURL, token string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// UploadChunk 边读边发送 multipart 表单, 不在内存中缓存分片
func (t *HTTPTransport) UploadChunk(ctx context.Context, chunk ChunkUpload, onProgress func(sent int64)) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeChunkForm(mw, chunk, onProgress))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/v1/files/chunk", pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	t.authorize(req)

	resp, err := t.client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("upload chunk %d: %w", chunk.Index, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, nil)
}

func writeChunkForm(mw *multipart.Writer, chunk ChunkUpload, onProgress func(sent int64)) error {
	fields := [][2]string{
		{"fileId", chunk.SessionID},
		{"chunkIndex", strconv.Itoa(chunk.Index)},
		{"totalChunks", strconv.Itoa(chunk.TotalChunks)},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("chunk", "blob")
	if err != nil {
		return err
	}
	n, err := io.Copy(part, &progressReader{r: chunk.Body, onProgress: onProgress})
	if err != nil {
		return err
	}
	if chunk.Size > 0 && n != chunk.Size {
		return fmt.Errorf("chunk %d: read %d bytes, want %d", chunk.Index, n, chunk.Size)
	}
	return mw.Close()
}

func (t *HTTPTransport) Merge(ctx context.Context, mergeReq *models.MergeRequest) (*models.MergeResult, error) {
	body, err := json.Marshal(mergeReq)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/v1/files/merge", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	t.authorize(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result models.MergeResult
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (t *HTTPTransport) authorize(req *http.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeResponse(resp *http.Response, out any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || env.Code != xerr.SuccessCode {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// progressReader 读取时累计字节数并回调
type progressReader struct {
	r          io.Reader
	sent       int64
	onProgress func(sent int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.sent)
		}
	}
	return n, err
}
