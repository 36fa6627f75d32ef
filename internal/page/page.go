package page

import (
	"math/bits"
	"sync"

	"github.com/pkg/errors"

	"github.com/tuannm99/novastore/internal/cache"
	"github.com/tuannm99/novastore/internal/locking"
	"github.com/tuannm99/novastore/internal/storage"
)

const (
	// ContentSize is the number of addressable bytes in a page.
	ContentSize = storage.PageContentSize
	mapSize     = ContentSize / 8
)

// Page is a fixed block of content bytes. Each byte is either used (holds
// row data) or free. Free bytes read as storage.EmptyByte; the occupancy
// map, not the byte value, decides which is which, so row data may contain
// any byte value.
//
// +---------------------------+ 0
// | magic | name | sum | end  |  header (15 bytes)
// +---------------------------+
// |  content (1024 bytes)     |
// +---------------------------+
// |  occupancy map (128)      |  bit i set => content[i] used
// +---------------------------+
type Page struct {
	name storage.Name

	latch   sync.RWMutex // guards content, usedMap, end
	content [ContentSize]byte
	usedMap [mapSize]byte
	end     uint16 // valid-data boundary recorded by SetEndMarker

	checksum  uint32 // checksum of the last persisted image
	persisted bool

	lock  *locking.Lock
	files *storage.FileStore
}

func newPage(name storage.Name, files *storage.FileStore, lock *locking.Lock) *Page {
	p := &Page{name: name, files: files, lock: lock}
	for i := range p.content {
		p.content[i] = storage.EmptyByte
	}
	return p
}

func (p *Page) Name() storage.Name  { return p.name }
func (p *Page) Lock() *locking.Lock { return p.lock }

func (p *Page) Key() cache.Key {
	return cache.Key{Kind: storage.KindPage, Name: p.name}
}

// ---- occupancy ----
func (p *Page) isUsed(i int) bool {
	return p.usedMap[i>>3]&(1<<(uint(i)&7)) != 0
}

func (p *Page) setUsed(i int, used bool) {
	if used {
		p.usedMap[i>>3] |= 1 << (uint(i) & 7)
	} else {
		p.usedMap[i>>3] &^= 1 << (uint(i) & 7)
	}
}

// Used reports whether content byte i holds data.
func (p *Page) Used(i int) bool {
	if i < 0 || i >= ContentSize {
		return false
	}
	p.latch.RLock()
	defer p.latch.RUnlock()
	return p.isUsed(i)
}

// UsedBytes counts the used content bytes.
func (p *Page) UsedBytes() int {
	p.latch.RLock()
	defer p.latch.RUnlock()
	n := 0
	for _, b := range p.usedMap {
		n += bits.OnesCount8(b)
	}
	return n
}

func (p *Page) IsEmpty() bool { return p.UsedBytes() == 0 }

// HighWater is one past the last used byte, 0 for an empty page.
func (p *Page) HighWater() int {
	p.latch.RLock()
	defer p.latch.RUnlock()
	return p.highWater()
}

func (p *Page) highWater() int {
	for i := mapSize - 1; i >= 0; i-- {
		if b := p.usedMap[i]; b != 0 {
			return i*8 + bits.Len8(b)
		}
	}
	return 0
}

// SetEndMarker records the valid-data boundary that is written to the header
// on save. A reload uses the stored boundary instead of scanning content.
func (p *Page) SetEndMarker() {
	p.latch.Lock()
	defer p.latch.Unlock()
	p.end = uint16(p.highWater())
}

// End is the boundary recorded by the last SetEndMarker (or load).
func (p *Page) End() int {
	p.latch.RLock()
	defer p.latch.RUnlock()
	return int(p.end)
}

func checkRange(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > ContentSize {
		return errors.Wrapf(storage.ErrOutOfBounds, "page range [%d,+%d)", offset, length)
	}
	return nil
}

// ---- content ----

// GetContent copies size bytes starting at offset.
func (p *Page) GetContent(offset, size int) ([]byte, error) {
	if err := checkRange(offset, size); err != nil {
		return nil, err
	}
	p.latch.RLock()
	defer p.latch.RUnlock()
	out := make([]byte, size)
	copy(out, p.content[offset:offset+size])
	return out, nil
}

// InsertContent overwrites bytes starting at offset and marks them used.
// It returns how many trailing bytes of data did not fit in this page.
func (p *Page) InsertContent(owner locking.Owner, offset int, data []byte) (int, error) {
	if offset < 0 || offset >= ContentSize {
		return len(data), errors.Wrapf(storage.ErrOutOfBounds, "page offset %d", offset)
	}
	if err := p.lock.Require(owner); err != nil {
		return len(data), err
	}
	defer func() { _ = p.lock.Release(owner) }()

	p.latch.Lock()
	defer p.latch.Unlock()

	n := copy(p.content[offset:], data)
	for i := offset; i < offset+n; i++ {
		p.setUsed(i, true)
	}
	return len(data) - n, nil
}

// DeleteContent frees length bytes starting at offset.
func (p *Page) DeleteContent(owner locking.Owner, offset, length int) error {
	if err := checkRange(offset, length); err != nil {
		return err
	}
	if err := p.lock.Require(owner); err != nil {
		return err
	}
	defer func() { _ = p.lock.Release(owner) }()

	p.latch.Lock()
	defer p.latch.Unlock()

	for i := offset; i < offset+length; i++ {
		p.content[i] = storage.EmptyByte
		p.setUsed(i, false)
	}
	return nil
}

// FindContent returns the offset of the first occurrence of needle at or
// after offset. Only used bytes can match.
func (p *Page) FindContent(offset int, needle []byte) (int, error) {
	if err := checkRange(offset, 0); err != nil {
		return -1, err
	}
	if len(needle) == 0 || len(needle) > ContentSize {
		return -1, errors.Wrapf(storage.ErrOutOfBounds, "needle length %d", len(needle))
	}
	m := storage.NewMatcher(needle)
	if pos, ok := p.Feed(m, offset); ok {
		return int(pos), nil
	}
	return -1, errors.Wrapf(storage.ErrNotFound, "page %s: content", p.name)
}

// FindValue returns the offset of the first used byte equal to v.
func (p *Page) FindValue(offset int, v byte) (int, error) {
	return p.FindContent(offset, []byte{v})
}

// Feed streams content[from:] into m. The returned offset is page-local.
func (p *Page) Feed(m *storage.Matcher, from int) (int64, bool) {
	p.latch.RLock()
	defer p.latch.RUnlock()
	return m.Feed(int64(from), p.content[from:], func(i int) bool {
		return p.isUsed(from + i)
	})
}

// FreeSpace returns the first free byte at or after offset.
func (p *Page) FreeSpace(offset int) (int, error) {
	return p.FitFreeSpace(offset, 1)
}

// FitFreeSpace returns the start of the first run of at least size free
// bytes at or after offset (first fit).
func (p *Page) FitFreeSpace(offset, size int) (int, error) {
	if err := checkRange(offset, 0); err != nil {
		return -1, err
	}
	if size <= 0 || size > ContentSize {
		return -1, errors.Wrapf(storage.ErrOutOfBounds, "run size %d", size)
	}
	p.latch.RLock()
	defer p.latch.RUnlock()

	run := 0
	for i := offset; i < ContentSize; i++ {
		if p.isUsed(i) {
			run = 0
			continue
		}
		run++
		if run == size {
			return i - size + 1, nil
		}
	}
	return -1, errors.Wrapf(storage.ErrNotFound, "page %s: no free run of %d", p.name, size)
}
