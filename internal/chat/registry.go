package chat

import (
	"sort"
	"sync"
)

// Conn 聊天室中的一个连接
type Conn interface {
	ID() string
	UserID() uint64
	Username() string
	// Send 不阻塞, 发送缓冲区满时返回 false
	Send(payload []byte) bool
}

// Registry 在线连接表, 以连接ID为键
type Registry interface {
	Add(c Conn)
	Remove(id string) bool
	Snapshot() []Conn
	Len() int
}

type memoryRegistry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func NewRegistry() Registry {
	return &memoryRegistry{conns: make(map[string]Conn)}
}

func (r *memoryRegistry) Add(c Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	r.mu.Unlock()
}

func (r *memoryRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// Snapshot 返回当前连接的副本, 广播时不持有锁
func (r *memoryRegistry) Snapshot() []Conn {
	r.mu.RLock()
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *memoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
