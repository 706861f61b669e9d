package pool

import (
	"container/list"
	"sync"
	"time"

	"github.com/V4T54L/tenancy/internal/domain"
)

// grant is what a queued waiter receives. A nil conn with a nil err is a
// reserved slot the waiter must dial into.
type grant struct {
	conn *domain.PooledConnection
	err  error
}

type waiter struct {
	ch chan grant
}

// bucket is one tenant's set of connections. All fields are guarded by mu.
type bucket struct {
	tenantID string

	mu      sync.Mutex
	idle    []*domain.PooledConnection // oldest first
	inUse   map[*domain.PooledConnection]struct{}
	open    int // idle + in use + being dialed
	waiters list.List
	closed  bool
	retired bool
}

func newBucket(tenantID string) *bucket {
	return &bucket{
		tenantID: tenantID,
		inUse:    make(map[*domain.PooledConnection]struct{}),
	}
}

// popIdle takes the most recently used connection so older ones age out.
// Caller holds mu.
func (b *bucket) popIdle() *domain.PooledConnection {
	n := len(b.idle)
	if n == 0 {
		return nil
	}
	conn := b.idle[n-1]
	b.idle[n-1] = nil
	b.idle = b.idle[:n-1]
	return conn
}

// frontWaiter removes and returns the longest-waiting caller. Caller holds mu.
func (b *bucket) frontWaiter() *waiter {
	front := b.waiters.Front()
	if front == nil {
		return nil
	}
	b.waiters.Remove(front)
	return front.Value.(*waiter)
}

// freeSlot gives up one open slot, handing it to the first waiter if any. Caller holds mu.
func (b *bucket) freeSlot() {
	b.open--
	if b.closed {
		return
	}
	if w := b.frontWaiter(); w != nil {
		b.open++
		w.ch <- grant{}
	}
}

// expired collects idle connections unused for longer than idleTimeout while
// keeping at least minSize open. Caller holds mu.
func (b *bucket) expired(now time.Time, idleTimeout time.Duration, minSize int) []*domain.PooledConnection {
	if idleTimeout <= 0 || len(b.idle) == 0 {
		return nil
	}
	var victims []*domain.PooledConnection
	kept := b.idle[:0]
	for _, conn := range b.idle {
		if b.open-len(victims) > minSize && now.Sub(conn.LastUsed()) > idleTimeout {
			victims = append(victims, conn)
			continue
		}
		kept = append(kept, conn)
	}
	for i := len(kept); i < len(b.idle); i++ {
		b.idle[i] = nil
	}
	b.idle = kept
	b.open -= len(victims)
	return victims
}

func (b *bucket) stats() domain.PoolStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.PoolStats{
		TenantID: b.tenantID,
		Open:     b.open,
		Idle:     len(b.idle),
		InUse:    len(b.inUse),
		Waiters:  b.waiters.Len(),
	}
}
