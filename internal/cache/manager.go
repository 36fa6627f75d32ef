package cache

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tuannm99/novastore/internal/locking"
	"github.com/tuannm99/novastore/internal/storage"
)

var (
	ErrPinned    = errors.New("cache: entry is pinned")
	ErrLocked    = errors.New("cache: entry is locked")
	ErrBadIndex  = errors.New("cache: slot index out of range")
	ErrNotCached = errors.New("cache: entry not cached")
)

// Key uniquely identifies an object across all layers.
type Key struct {
	Kind storage.Kind
	Name storage.Name
}

func (k Key) String() string { return k.Kind.String() + ":" + k.Name.String() }

// Object is anything the cache can hold: pages, directories and tables.
type Object interface {
	Key() Key
	Lock() *locking.Lock
	// Save persists the object. Implementations skip the write when nothing changed.
	Save() error
}

// Quota is the number of slots reserved for each kind.
type Quota struct {
	Pages       int
	Directories int
	Tables      int
}

var DefaultQuota = Quota{Pages: 256, Directories: 64, Tables: 32}

func (q Quota) of(kind storage.Kind) int {
	switch kind {
	case storage.KindPage:
		return q.Pages
	case storage.KindDirectory:
		return q.Directories
	case storage.KindTable:
		return q.Tables
	default:
		return 0
	}
}

func (q Quota) total() int { return q.Pages + q.Directories + q.Tables }

type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Refused   int64
	Saves     int64
}

type slot struct {
	key  Key
	obj  Object
	pins locking.RefCount
}

// Manager is a bounded write-back cache shared by all layers of one database.
// Slots are a fixed table; each kind may occupy at most its quota. When a
// kind is full the first unpinned, unlocked entry of that kind is saved and
// evicted. If there is none the insertion is refused and the caller works
// with an uncached object.
type Manager struct {
	mu    sync.Mutex
	slots []*slot     // len == quota total, nil == free slot
	index map[Key]int // key -> slot index
	used  map[storage.Kind]int
	quota Quota
	stats Stats
	log   logrus.FieldLogger
}

func New(quota Quota, log logrus.FieldLogger) *Manager {
	if quota.total() <= 0 {
		quota = DefaultQuota
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		slots: make([]*slot, quota.total()),
		index: make(map[Key]int),
		used:  make(map[storage.Kind]int),
		quota: quota,
		log:   log.WithField("component", "cache"),
	}
}

// Handle is a borrowed reference to an object. It stays valid until Release.
// While a cached handle is held the entry cannot be evicted.
type Handle struct {
	Obj    Object
	cached bool
	done   bool
}

func (h *Handle) Cached() bool { return h.cached }

// Find returns the cached object for key, or nil.
func (m *Manager) Find(key Key) Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.index[key]; ok {
		return m.slots[idx].obj
	}
	return nil
}

// Add inserts obj without pinning it. It reports whether obj is now cached.
func (m *Manager) Add(obj Object) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.insert(obj)
	return ok
}

// Get pins and returns the object for key, calling load on a miss.
func (m *Manager) Get(key Key, load func() (Object, error)) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 1) HIT
	if idx, ok := m.index[key]; ok {
		s := m.slots[idx]
		s.pins.Inc()
		m.stats.Hits++
		return &Handle{Obj: s.obj, cached: true}, nil
	}

	// 2) MISS
	m.stats.Misses++
	obj, err := load()
	if err != nil {
		return nil, err
	}
	return m.pinNew(obj), nil
}

// Put caches a freshly created object and pins it.
func (m *Manager) Put(obj Object) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinNew(obj)
}

func (m *Manager) pinNew(obj Object) *Handle {
	idx, ok := m.insert(obj)
	if !ok {
		return &Handle{Obj: obj}
	}
	m.slots[idx].pins.Inc()
	return &Handle{Obj: obj, cached: true}
}

// insert places obj in a slot, evicting a same-kind entry if the quota is full.
// Must hold m.mu.
func (m *Manager) insert(obj Object) (int, bool) {
	key := obj.Key()
	if idx, ok := m.index[key]; ok {
		m.slots[idx].obj = obj
		return idx, true
	}

	limit := m.quota.of(key.Kind)
	if limit <= 0 {
		m.stats.Refused++
		return -1, false
	}
	if m.used[key.Kind] >= limit && !m.evictOne(key.Kind) {
		m.stats.Refused++
		m.log.WithField("key", key).Debug("cache full, entry not cached")
		return -1, false
	}

	for i, s := range m.slots {
		if s != nil {
			continue
		}
		m.slots[i] = &slot{key: key, obj: obj}
		m.index[key] = i
		m.used[key.Kind]++
		return i, true
	}
	m.stats.Refused++
	return -1, false
}

// evictOne saves and removes the first evictable entry of kind.
// Victim selection and locking happen under m.mu so two inserts never pick
// the same victim. Must hold m.mu.
func (m *Manager) evictOne(kind storage.Kind) bool {
	for i, s := range m.slots {
		if s == nil || s.key.Kind != kind || s.pins.Get() != 0 {
			continue
		}
		lock := s.obj.Lock()
		if !lock.TryRequire(locking.CacheOwner) {
			continue
		}
		err := s.obj.Save()
		if err == nil {
			m.stats.Saves++
			m.remove(i)
			m.stats.Evictions++
		}
		_ = lock.Release(locking.CacheOwner)
		if err != nil {
			m.log.WithError(err).WithField("key", s.key).Warn("evict: save failed")
			continue
		}
		return true
	}
	return false
}

// remove frees slot i. Must hold m.mu.
func (m *Manager) remove(i int) {
	s := m.slots[i]
	if s == nil {
		return
	}
	delete(m.index, s.key)
	m.used[s.key.Kind]--
	m.slots[i] = nil
}

// Release returns a borrowed handle. A dirty object that is not cached is
// saved immediately; cached objects are saved by eviction, Flush or Sync.
func (m *Manager) Release(h *Handle, dirty bool) error {
	if h == nil || h.done {
		return nil
	}
	h.done = true

	if !h.cached {
		if dirty {
			return h.Obj.Save()
		}
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.index[h.Obj.Key()]; ok && m.slots[idx].obj == h.Obj {
		m.slots[idx].pins.Dec()
	}
	return nil
}

// Discard releases h and forgets its object without saving it.
// Used when the object has been deleted.
func (m *Manager) Discard(h *Handle) {
	if h == nil {
		return
	}
	h.done = true
	m.Drop(h.Obj.Key())
}

// Drop forgets key without saving.
func (m *Manager) Drop(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.index[key]; ok {
		m.remove(idx)
	}
}

// Flush saves the entry for key and removes it from the cache.
func (m *Manager) Flush(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.index[key]
	if !ok {
		return errors.Wrapf(ErrNotCached, "%s", key)
	}
	return m.flushIndex(idx)
}

// FlushIndex saves slot i and removes it from the cache.
func (m *Manager) FlushIndex(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.slots) {
		return ErrBadIndex
	}
	if m.slots[i] == nil {
		return nil
	}
	return m.flushIndex(i)
}

func (m *Manager) flushIndex(i int) error {
	s := m.slots[i]
	if s.pins.Get() != 0 {
		return errors.Wrapf(ErrPinned, "%s", s.key)
	}
	lock := s.obj.Lock()
	if !lock.TryRequire(locking.CacheOwner) {
		return errors.Wrapf(ErrLocked, "%s", s.key)
	}
	defer func() { _ = lock.Release(locking.CacheOwner) }()

	if err := s.obj.Save(); err != nil {
		return err
	}
	m.stats.Saves++
	m.remove(i)
	return nil
}

// Sync saves every entry whose lock is free, keeping them cached.
// Entries locked by a session are skipped. The first save error is returned
// after all entries were tried.
func (m *Manager) Sync() error {
	_, err := m.Checkpoint()
	return err
}

// Checkpoint is Sync that also reports how many entries were skipped
// because a session held them locked.
func (m *Manager) Checkpoint() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	skipped := 0
	var firstErr error
	for _, s := range m.slots {
		if s == nil {
			continue
		}
		lock := s.obj.Lock()
		if !lock.TryRequire(locking.CacheOwner) {
			m.log.WithField("key", s.key).Debug("sync: entry locked, skipped")
			skipped++
			continue
		}
		err := s.obj.Save()
		_ = lock.Release(locking.CacheOwner)
		if err != nil {
			m.log.WithError(err).WithField("key", s.key).Warn("sync: save failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.stats.Saves++
	}
	return skipped, firstErr
}

// DropAll forgets every entry without saving.
func (m *Manager) DropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.slots {
		m.slots[i] = nil
	}
	m.index = make(map[Key]int)
	m.used = make(map[storage.Kind]int)
}

// Len is the number of cached entries of kind.
func (m *Manager) Len(kind storage.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[kind]
}

// Pins returns the pin count of key, -1 when not cached.
func (m *Manager) Pins(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.index[key]; ok {
		return int(m.slots[idx].pins.Get())
	}
	return -1
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
