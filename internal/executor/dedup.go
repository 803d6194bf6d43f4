package executor

import (
	"sync"
	"time"
)

// Dedup tracks exit requests that are queued or executing so the same request
// is not enqueued twice. Entries expire after the TTL in case a release is
// missed. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // request key -> time marked
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup instance that considers a key a duplicate if it
// has been marked within the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// IsDuplicate returns true if key has been marked within the TTL window. If
// not (or expired), it is marked and false is returned.
func (d *Dedup) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if lastSeen, ok := d.seen[key]; ok {
		if now.Sub(lastSeen) < d.ttl {
			return true
		}
	}

	d.seen[key] = now
	return false
}

// Contains reports whether key is currently marked, without marking it.
func (d *Dedup) Contains(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	lastSeen, ok := d.seen[key]
	return ok && time.Since(lastSeen) < d.ttl
}

// Release unmarks key once its request has been handled.
func (d *Dedup) Release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Cleanup removes entries that have expired beyond the TTL. This should be
// called periodically to prevent unbounded memory growth.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
		}
	}
}
