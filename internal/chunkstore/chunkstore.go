// Package chunkstore 保存上传会话的临时分片, 对象名为 temp/<sessionId>/<index>
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"

	"github.com/3Eeeecho/go-chatroom/internal/pkg/storage"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
)

// TempPrefix 分片所在的命名空间, 不对外提供访问
const TempPrefix = "temp"

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateSessionID 会话ID会直接拼进对象名, 只允许安全字符
func ValidateSessionID(sessionID string) error {
	if !sessionIDPattern.MatchString(sessionID) {
		return xerr.Invalidf("invalid session id %q", sessionID)
	}
	return nil
}

// ChunkKey 分片的对象名
func ChunkKey(sessionID string, index int) string {
	return path.Join(TempPrefix, sessionID, strconv.Itoa(index))
}

// SessionPrefix 会话的分片命名空间
func SessionPrefix(sessionID string) string {
	return path.Join(TempPrefix, sessionID)
}

// ValidateChunk 检查分片参数, 不访问存储
func ValidateChunk(sessionID string, index, totalChunks int, size int64) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	switch {
	case totalChunks <= 0:
		return xerr.Invalidf("totalChunks must be positive, got %d", totalChunks)
	case index < 0 || index >= totalChunks:
		return xerr.Invalidf("chunk index %d out of range [0,%d)", index, totalChunks)
	case size <= 0:
		return xerr.Invalidf("chunk %d is empty", index)
	}
	return nil
}

type Store struct {
	storage storage.StorageService
}

func New(s storage.StorageService) *Store {
	return &Store{storage: s}
}

// PutChunk 写入一个分片; 同一序号重复上传时原子替换旧内容。
// 参数不合法时不产生任何写入。返回实际写入的字节数
func (s *Store) PutChunk(ctx context.Context, sessionID string, index, totalChunks int, payload io.Reader, size int64) (int64, error) {
	if payload == nil {
		return 0, xerr.Invalidf("chunk payload is missing")
	}
	if err := ValidateChunk(sessionID, index, totalChunks, size); err != nil {
		return 0, err
	}

	res, err := s.storage.PutObject(ctx, ChunkKey(sessionID, index), payload, size, "application/octet-stream")
	if err != nil {
		return 0, xerr.Wrap(xerr.ErrStorageIO, err)
	}
	return res.Size, nil
}

// StatChunk 返回分片大小, 分片不存在时 exists 为 false
func (s *Store) StatChunk(ctx context.Context, sessionID string, index int) (size int64, exists bool, err error) {
	info, err := s.storage.StatObject(ctx, ChunkKey(sessionID, index))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return 0, false, nil
		}
		return 0, false, xerr.Wrap(xerr.ErrStorageIO, err)
	}
	return info.Size, true, nil
}

// OpenChunk 打开一个分片用于读取, 调用方负责关闭
func (s *Store) OpenChunk(ctx context.Context, sessionID string, index int) (io.ReadCloser, int64, error) {
	obj, err := s.storage.GetObject(ctx, ChunkKey(sessionID, index))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, 0, &xerr.IncompleteUploadError{SessionID: sessionID, MissingIndex: index}
		}
		return nil, 0, xerr.Wrap(xerr.ErrStorageIO, err)
	}
	return obj.Reader, obj.Size, nil
}

// Inventory 合并前对分片的检查结果
type Inventory struct {
	FirstMissing int   // 第一个缺失的序号, 没有缺失时为 -1
	TotalSize    int64 // 全部分片的字节数之和, 有缺失时不统计
	Overflow     bool  // 序号等于 total 的分片存在, 说明客户端声明的总数偏小
}

// Inspect 按序号升序检查 [0,total) 的分片是否都已存在, 遇到第一个缺失的序号立即返回
func (s *Store) Inspect(ctx context.Context, sessionID string, totalChunks int) (Inventory, error) {
	inv := Inventory{FirstMissing: -1}
	var total int64
	for i := 0; i < totalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return inv, err
		}
		size, ok, err := s.StatChunk(ctx, sessionID, i)
		if err != nil {
			return inv, err
		}
		if !ok {
			inv.FirstMissing = i
			return inv, nil
		}
		total += size
	}
	inv.TotalSize = total
	if totalChunks >= 0 {
		_, ok, err := s.StatChunk(ctx, sessionID, totalChunks)
		if err != nil {
			return inv, err
		}
		inv.Overflow = ok
	}
	return inv, nil
}

// RemoveSession 删除会话的全部分片
func (s *Store) RemoveSession(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := s.storage.RemovePrefix(ctx, SessionPrefix(sessionID)); err != nil {
		return xerr.Wrap(xerr.ErrStorageIO, fmt.Errorf("remove chunks of %s: %w", sessionID, err))
	}
	return nil
}
