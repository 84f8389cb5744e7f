// Package session caches last-known outbound routes per session key across
// a fixed set of partitions. Each partition owns its map, FIFO order and
// sequence counter; TTLs are enforced lazily on read plus a periodic prune.
package session

import (
	stderrors "errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/signal"
)

// Key identifies one routing session. ThreadID is optional; an empty
// ThreadID addresses the room scope.
type Key struct {
	Channel    string
	InstanceID string
	RoomID     string
	ThreadID   string
}

// RoomScope strips the thread component.
func (k Key) RoomScope() Key {
	k.ThreadID = ""
	return k
}

// Route is the cached delivery target.
type Route struct {
	BridgeID       string
	Channel        string
	ExternalRoomID string
}

// Resolution sources.
const (
	SourceStateHit          = "state_hit"
	SourcePartitionFallback = "partition_fallback"
	SourceProvidedFallback  = "provided_fallback"
)

// Fallback reasons.
const (
	ReasonStale           = "stale"
	ReasonThreadScopeMiss = "thread_scope_miss"
	ReasonMiss            = "miss"
)

// Resolved is the outcome of a resolve call.
type Resolved struct {
	Route    Route
	Source   string
	Fallback bool
	Stale    bool
	Reason   string
}

type entry struct {
	route     Route
	updatedAt int64
	expiresAt int64
	seq       uint64
}

type orderItem struct {
	seq uint64
	key Key
}

type part struct {
	mu      sync.Mutex
	entries map[Key]*entry
	order   []orderItem
	seq     uint64
}

// Options configures a manager.
type Options struct {
	PartitionCount         int
	TTL                    time.Duration
	MaxEntriesPerPartition int
	PruneInterval          time.Duration
	Bus                    *signal.Bus
	// Now overrides the clock; tests inject a fake.
	Now func() time.Time
}

// Manager owns the session route partitions.
type Manager struct {
	opts  Options
	parts []*part
	stop  chan struct{}
	once  sync.Once
}

// NewManager creates the partitions and starts the prune ticker.
func NewManager(opts Options) *Manager {
	if opts.PartitionCount <= 0 {
		opts.PartitionCount = 8
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.MaxEntriesPerPartition <= 0 {
		opts.MaxEntriesPerPartition = 4096
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{opts: opts, parts: make([]*part, opts.PartitionCount), stop: make(chan struct{})}
	for i := range m.parts {
		m.parts[i] = &part{entries: make(map[Key]*entry)}
	}
	if opts.PruneInterval > 0 {
		go m.pruneLoop()
	}
	return m
}

// Close stops the prune ticker.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Manager) nowMs() int64 {
	return m.opts.Now().UnixMilli()
}

func (m *Manager) partFor(k Key) (int, *part) {
	h := xxhash.Sum64String(k.Channel + "|" + k.InstanceID + "|" + k.RoomID)
	idx := int(h % uint64(len(m.parts)))
	return idx, m.parts[idx]
}

// Set stores a route under the key with the manager TTL.
func (m *Manager) Set(k Key, route Route) {
	m.SetTTL(k, route, m.opts.TTL)
}

// SetTTL stores a route with an explicit TTL and evicts over-capacity
// entries from the FIFO head.
func (m *Manager) SetTTL(k Key, route Route, ttl time.Duration) {
	idx, p := m.partFor(k)
	now := m.nowMs()

	p.mu.Lock()
	p.seq++
	p.entries[k] = &entry{
		route:     route,
		updatedAt: now,
		expiresAt: now + ttl.Milliseconds(),
		seq:       p.seq,
	}
	p.order = append(p.order, orderItem{seq: p.seq, key: k})

	var evicted []Key
	for len(p.entries) > m.opts.MaxEntriesPerPartition && len(p.order) > 0 {
		head := p.order[0]
		p.order = p.order[1:]
		e, ok := p.entries[head.key]
		if !ok || e.seq != head.seq {
			// Tombstone from an overwrite or earlier delete.
			continue
		}
		delete(p.entries, head.key)
		evicted = append(evicted, head.key)
	}
	p.mu.Unlock()

	m.emit(signal.EventSessionRouteSet, idx, signal.Metadata{"room_id": k.RoomID})
	for _, ek := range evicted {
		m.emit(signal.EventSessionRouteEvicted, idx, signal.Metadata{"room_id": ek.RoomID, "reason": "capacity"})
	}
}

// Get returns the route stored under the key. Expired entries are removed
// and reported as expired.
func (m *Manager) Get(k Key) (Route, error) {
	idx, p := m.partFor(k)
	now := m.nowMs()

	p.mu.Lock()
	e, ok := p.entries[k]
	if ok && e.expiresAt <= now {
		delete(p.entries, k)
		p.mu.Unlock()
		m.emit(signal.EventSessionRouteStale, idx, signal.Metadata{"room_id": k.RoomID})
		return Route{}, errors.ErrExpired
	}
	p.mu.Unlock()

	if !ok {
		return Route{}, errors.ErrNotFound
	}
	return e.route, nil
}

// Delete removes the key.
func (m *Manager) Delete(k Key) {
	_, p := m.partFor(k)
	p.mu.Lock()
	delete(p.entries, k)
	p.mu.Unlock()
}

// Resolve finds a route for the key: exact hit, then room-scope promotion,
// then the caller's fallback routes.
func (m *Manager) Resolve(k Key, fallbacks []Route) (*Resolved, error) {
	idx, _ := m.partFor(k)

	staleExact := false
	route, err := m.Get(k)
	switch {
	case err == nil:
		m.emit(signal.EventSessionRouteResolved, idx, signal.Metadata{"source": SourceStateHit, "room_id": k.RoomID})
		return &Resolved{Route: route, Source: SourceStateHit}, nil
	case stderrors.Is(err, errors.ErrExpired):
		staleExact = true
	}

	if scope := k.RoomScope(); scope != k {
		staleScope := false
		route, err := m.Get(scope)
		switch {
		case err == nil:
			m.Set(k, route)
			reason := ReasonThreadScopeMiss
			if staleExact {
				reason = ReasonStale
			}
			m.emit(signal.EventSessionRouteFallback, idx, signal.Metadata{
				"source": SourcePartitionFallback, "reason": reason, "room_id": k.RoomID,
			})
			return &Resolved{
				Route:    route,
				Source:   SourcePartitionFallback,
				Fallback: true,
				Stale:    staleExact,
				Reason:   reason,
			}, nil
		case stderrors.Is(err, errors.ErrExpired):
			staleScope = true
		}
		staleExact = staleExact || staleScope
	}

	for _, fb := range fallbacks {
		if fb.ExternalRoomID == "" {
			continue
		}
		m.Set(k, fb)
		reason := ReasonMiss
		if staleExact {
			reason = ReasonStale
		}
		m.emit(signal.EventSessionRouteFallback, idx, signal.Metadata{
			"source": SourceProvidedFallback, "reason": reason, "room_id": k.RoomID,
		})
		return &Resolved{
			Route:    fb,
			Source:   SourceProvidedFallback,
			Fallback: true,
			Stale:    staleExact,
			Reason:   reason,
		}, nil
	}

	return nil, errors.ErrNoRoute
}

// Prune removes every expired entry across all partitions and returns the
// number removed.
func (m *Manager) Prune() int {
	now := m.nowMs()
	total := 0
	for idx, p := range m.parts {
		p.mu.Lock()
		removed := 0
		for k, e := range p.entries {
			if e.expiresAt <= now {
				delete(p.entries, k)
				removed++
			}
		}
		p.mu.Unlock()
		if removed > 0 {
			total += removed
			m.opts.Bus.Emit(signal.EventSessionRoutePruned,
				signal.Measurements{"removed": int64(removed)},
				signal.Metadata{"component": "session_manager", "partition": idx},
			)
		}
	}
	return total
}

// Len returns the total number of live entries.
func (m *Manager) Len() int {
	n := 0
	for _, p := range m.parts {
		p.mu.Lock()
		n += len(p.entries)
		p.mu.Unlock()
	}
	return n
}

func (m *Manager) pruneLoop() {
	t := time.NewTicker(m.opts.PruneInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.Prune()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) emit(event string, partition int, md signal.Metadata) {
	if md == nil {
		md = signal.Metadata{}
	}
	md["component"] = "session_manager"
	md["partition"] = partition
	m.opts.Bus.Emit(event, signal.Measurements{"count": 1}, md)
}
