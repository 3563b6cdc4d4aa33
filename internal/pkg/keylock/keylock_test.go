package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_SerializesSameKey(t *testing.T) {
	kl := New()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := kl.Lock("session-a")
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, kl.Len())
}

func TestKeyLock_DifferentKeysDoNotBlock(t *testing.T) {
	kl := New()
	unlockA := kl.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := kl.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key was blocked")
	}
}

func TestKeyLock_LockContextTimeout(t *testing.T) {
	kl := New()
	unlock := kl.Lock("a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := kl.LockContext(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // 重复调用无副作用
	assert.Equal(t, 0, kl.Len())
}
