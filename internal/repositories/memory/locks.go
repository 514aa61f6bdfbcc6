package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tillpoint/pos/internal/repositories"
)

// lockManager hands out exclusive per-key slots. A slot is a channel with a
// single buffer; holding the lock means having sent into it.
type lockManager struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newLockManager() *lockManager {
	return &lockManager{slots: make(map[string]chan struct{})}
}

func (m *lockManager) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[key] = ch
	}
	return ch
}

// acquire takes every key in order, waiting at most timeout overall. keys must
// already be sorted so that concurrent callers cannot deadlock.
func (m *lockManager) acquire(ctx context.Context, keys []string, timeout time.Duration) (func(), error) {
	held := make([]chan struct{}, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for _, key := range keys {
		ch := m.slot(key)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-expired:
			release()
			return nil, repositories.NewStoreError(repositories.StoreErrorLockTimeout, fmt.Sprintf("lock %s not acquired within %s", key, timeout), nil)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}
