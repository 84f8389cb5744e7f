// Package dedupe provides the TTL-bounded duplicate-detection set keyed by
// (channel, bridge_id, external_message_id).
package dedupe

import (
	"context"
	"sync"
	"time"
)

// Key is the canonical duplicate-detection key. The same external message id
// under different bridges does not collide.
type Key struct {
	Channel           string
	BridgeID          string
	ExternalMessageID string
}

func (k Key) String() string {
	return k.Channel + "|" + k.BridgeID + "|" + k.ExternalMessageID
}

// Deduper is the duplicate-detection contract. CheckAndMark is atomic on the
// target key: it inserts and returns true iff the key is absent or expired.
type Deduper interface {
	CheckAndMark(ctx context.Context, key Key, ttl time.Duration) (bool, error)
	Seen(ctx context.Context, key Key) (bool, error)
	MarkSeen(ctx context.Context, key Key, ttl time.Duration) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
}

// MemoryDeduper is the in-process Deduper. Expiration is lazy on read plus a
// periodic sweep.
type MemoryDeduper struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expires at
	done    chan struct{}
	once    sync.Once
}

// NewMemoryDeduper creates a deduper sweeping expired keys every
// sweepInterval. sweepInterval <= 0 disables the sweeper.
func NewMemoryDeduper(sweepInterval time.Duration) *MemoryDeduper {
	d := &MemoryDeduper{
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go d.sweepLoop(sweepInterval)
	}
	return d
}

// Close stops the sweeper.
func (d *MemoryDeduper) Close() {
	d.once.Do(func() { close(d.done) })
}

func (d *MemoryDeduper) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.sweep(time.Now())
		}
	}
}

func (d *MemoryDeduper) sweep(now time.Time) {
	d.mu.Lock()
	for k, exp := range d.entries {
		if !exp.After(now) {
			delete(d.entries, k)
		}
	}
	d.mu.Unlock()
}

func (d *MemoryDeduper) CheckAndMark(_ context.Context, key Key, ttl time.Duration) (bool, error) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.entries[key.String()]; ok && exp.After(now) {
		return false, nil
	}
	d.entries[key.String()] = now.Add(ttl)
	return true, nil
}

func (d *MemoryDeduper) Seen(_ context.Context, key Key) (bool, error) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.entries[key.String()]
	if !ok {
		return false, nil
	}
	if !exp.After(now) {
		delete(d.entries, key.String())
		return false, nil
	}
	return true, nil
}

func (d *MemoryDeduper) MarkSeen(_ context.Context, key Key, ttl time.Duration) error {
	d.mu.Lock()
	d.entries[key.String()] = time.Now().Add(ttl)
	d.mu.Unlock()
	return nil
}

func (d *MemoryDeduper) Clear(_ context.Context) error {
	d.mu.Lock()
	d.entries = make(map[string]time.Time)
	d.mu.Unlock()
	return nil
}

func (d *MemoryDeduper) Count(_ context.Context) (int, error) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, exp := range d.entries {
		if exp.After(now) {
			n++
		}
	}
	return n, nil
}
