package chunkstore

import (
	"context"
	"io"
)

// sequentialReader 按序号依次打开分片, 同一时刻只持有一个分片的句柄
type sequentialReader struct {
	ctx       context.Context
	store     *Store
	sessionID string
	total     int
	next      int
	cur       io.ReadCloser
}

// NewSequentialReader 返回把 [0,total) 分片首尾相接的 Reader
func (s *Store) NewSequentialReader(ctx context.Context, sessionID string, totalChunks int) io.ReadCloser {
	return &sequentialReader{ctx: ctx, store: s, sessionID: sessionID, total: totalChunks}
}

func (r *sequentialReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.next >= r.total {
				return 0, io.EOF
			}
			if err := r.ctx.Err(); err != nil {
				return 0, err
			}
			rc, _, err := r.store.OpenChunk(r.ctx, r.sessionID, r.next)
			if err != nil {
				return 0, err
			}
			r.cur = rc
			r.next++
		}

		n, err := r.cur.Read(p)
		if err == io.EOF {
			closeErr := r.cur.Close()
			r.cur = nil
			if closeErr != nil {
				return n, closeErr
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *sequentialReader) Close() error {
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}
