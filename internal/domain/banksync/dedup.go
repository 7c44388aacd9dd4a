package banksync

import (
	"context"
	"sync"
	"time"
)

// Deduper remembers callback keys for a bounded window.
type Deduper interface {
	// Mark records key and reports whether it was not already present.
	Mark(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Forget drops key so a redelivery is processed again.
	Forget(ctx context.Context, key string) error
}

// MemoryDeduper is a process-local Deduper. Expired keys are swept lazily.
type MemoryDeduper struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	now       func() time.Time
	lastSweep time.Time
}

var _ Deduper = (*MemoryDeduper)(nil)

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDeduper) Mark(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if now.Sub(d.lastSweep) > time.Minute {
		for k, exp := range d.seen {
			if !exp.After(now) {
				delete(d.seen, k)
			}
		}
		d.lastSweep = now
	}

	if exp, ok := d.seen[key]; ok && exp.After(now) {
		return false, nil
	}
	d.seen[key] = now.Add(ttl)
	return true, nil
}

func (d *MemoryDeduper) Forget(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
	return nil
}
