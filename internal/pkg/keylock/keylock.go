// Package keylock 提供按 key 互斥的锁, 不同 key 之间互不阻塞
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{} // 容量为 1, 持有即加锁
	refs int
}

// KeyLock 按 key 串行化临界区, 无人等待的 key 会被回收
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

// Lock 获取 key 对应的锁, 返回解锁函数
func (k *KeyLock) Lock(key string) func() {
	unlock, _ := k.LockContext(context.Background(), key)
	return unlock
}

// LockContext 在 ctx 结束前获取锁; 失败时返回 ctx 的错误
func (k *KeyLock) LockContext(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyLock) release(key string, e *entry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Len 当前仍被持有或等待的 key 数量
func (k *KeyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
