package locks

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquireSerialisesSameKey(t *testing.T) {
	k := NewKeyed()

	var order []int
	var mu sync.Mutex

	unlock := k.Acquire("sb-1")

	done := make(chan struct{})
	go func() {
		u := k.Acquire("sb-1")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		u()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	unlock()

	<-done
	assert.Equal(t, []int{1, 2}, order)
}

func TestAcquireDifferentKeysDoNotBlock(t *testing.T) {
	k := NewKeyed()
	u1 := k.Acquire("sb-1")
	defer u1()

	done := make(chan struct{})
	go func() {
		u2 := k.Acquire("sb-2")
		u2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire on a different key blocked")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	k := NewKeyed()
	unlock := k.Acquire("sb-1")
	unlock()
	unlock() // second call must not panic or double-unlock

	u := k.Acquire("sb-1")
	u()
}

func TestPurge(t *testing.T) {
	k := NewKeyed()

	unlock := k.Acquire("sb-1")
	k.Purge("sb-1")
	// Held lock must survive a purge attempt.
	assert.Equal(t, 1, k.Len())

	unlock()
	k.Purge("sb-1")
	assert.Equal(t, 0, k.Len())
}
