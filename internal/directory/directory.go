package directory

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/tuannm99/novastore/internal/cache"
	"github.com/tuannm99/novastore/internal/locking"
	"github.com/tuannm99/novastore/internal/page"
	"github.com/tuannm99/novastore/internal/storage"
)

const (
	pageSize = page.ContentSize
	// Capacity is the logical byte space of one directory.
	Capacity = storage.DirCapacity
)

// Directory is an ordered list of pages forming one contiguous logical byte
// range: byte off lives in page off/1024 at local offset off%1024.
// A zero name in the list is a hole left by a page that was emptied and
// removed; it reads as free space and keeps later pages at their offsets.
type Directory struct {
	name storage.Name

	latch sync.RWMutex // guards pages
	pages []storage.Name

	checksum  uint32
	persisted bool

	lock  *locking.Lock
	store *Store
}

func (d *Directory) Name() storage.Name  { return d.name }
func (d *Directory) Lock() *locking.Lock { return d.lock }

func (d *Directory) Key() cache.Key {
	return cache.Key{Kind: storage.KindDirectory, Name: d.name}
}

// PageNames returns a copy of the page list, holes included.
func (d *Directory) PageNames() []storage.Name {
	d.latch.RLock()
	defer d.latch.RUnlock()
	out := make([]storage.Name, len(d.pages))
	copy(out, d.pages)
	return out
}

func (d *Directory) PageCount() int {
	d.latch.RLock()
	defer d.latch.RUnlock()
	return len(d.pages)
}

// IsEmpty reports whether the directory holds no pages at all.
func (d *Directory) IsEmpty() bool {
	d.latch.RLock()
	defer d.latch.RUnlock()
	for _, n := range d.pages {
		if !n.IsZero() {
			return false
		}
	}
	return true
}

func (d *Directory) pageName(i int) storage.Name {
	d.latch.RLock()
	defer d.latch.RUnlock()
	if i < 0 || i >= len(d.pages) {
		return storage.Name{}
	}
	return d.pages[i]
}

func (d *Directory) setPage(i int, n storage.Name) {
	d.latch.Lock()
	defer d.latch.Unlock()
	for len(d.pages) <= i {
		d.pages = append(d.pages, storage.Name{})
	}
	d.pages[i] = n
}

// trimHoles drops holes at the end of the page list.
func (d *Directory) trimHoles() {
	d.latch.Lock()
	defer d.latch.Unlock()
	for len(d.pages) > 0 && d.pages[len(d.pages)-1].IsZero() {
		d.pages = d.pages[:len(d.pages)-1]
	}
}

func checkRange(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > Capacity {
		return errors.Wrapf(storage.ErrOutOfBounds, "directory range [%d,+%d)", offset, length)
	}
	return nil
}

// getPage pins page i, or returns nil for a hole or an index past the end.
func (d *Directory) getPage(i int) (*cache.Handle, error) {
	n := d.pageName(i)
	if n.IsZero() {
		return nil, nil
	}
	return d.store.Pages.Get(n)
}

// AddPage appends a fresh page. The 256th page fails with ErrCapacityExceeded.
func (d *Directory) AddPage(owner locking.Owner) (*cache.Handle, error) {
	if err := d.lock.Require(owner); err != nil {
		return nil, err
	}
	defer func() { _ = d.lock.Release(owner) }()

	i := d.PageCount()
	if i >= storage.MaxListLen {
		return nil, errors.Wrapf(storage.ErrCapacityExceeded, "directory %s: %d pages", d.name, i)
	}
	h := d.store.Pages.Create()
	d.setPage(i, page.Of(h).Name())
	return h, nil
}

// ensurePage pins page i, creating it when i is a hole or past the end.
// Caller holds d.lock.
func (d *Directory) ensurePage(i int) (*cache.Handle, error) {
	if i >= storage.MaxListLen {
		return nil, errors.Wrapf(storage.ErrCapacityExceeded, "directory %s: page %d", d.name, i)
	}
	if h, err := d.getPage(i); err != nil || h != nil {
		return h, err
	}
	h := d.store.Pages.Create()
	d.setPage(i, page.Of(h).Name())
	return h, nil
}

// Len is the logical high-water mark: one past the last used byte.
func (d *Directory) Len() (int, error) {
	for i := d.PageCount() - 1; i >= 0; i-- {
		h, err := d.getPage(i)
		if err != nil {
			return 0, err
		}
		if h == nil {
			continue
		}
		hw := page.Of(h).HighWater()
		_ = d.store.Pages.Release(h, false)
		if hw > 0 {
			return i*pageSize + hw, nil
		}
	}
	return 0, nil
}

// GetContent reads size bytes at offset across pages. Free bytes and holes
// read as storage.EmptyByte.
func (d *Directory) GetContent(offset, size int) ([]byte, error) {
	if err := checkRange(offset, size); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	for i := range out {
		out[i] = storage.EmptyByte
	}

	for done := 0; done < size; {
		pi, lo := (offset+done)/pageSize, (offset+done)%pageSize
		n := min(size-done, pageSize-lo)

		h, err := d.getPage(pi)
		if err != nil {
			return nil, err
		}
		if h != nil {
			b, err := page.Of(h).GetContent(lo, n)
			_ = d.store.Pages.Release(h, false)
			if err != nil {
				return nil, err
			}
			copy(out[done:], b)
		}
		done += n
	}
	return out, nil
}

// InsertContent writes data at offset, splitting it across pages and
// creating pages as needed. It returns how many bytes did not fit below the
// directory capacity.
func (d *Directory) InsertContent(owner locking.Owner, offset int, data []byte) (int, error) {
	if offset < 0 || offset >= Capacity {
		return len(data), errors.Wrapf(storage.ErrOutOfBounds, "directory offset %d", offset)
	}
	if err := d.lock.Require(owner); err != nil {
		return len(data), err
	}
	defer func() { _ = d.lock.Release(owner) }()

	for len(data) > 0 && offset < Capacity {
		pi, lo := offset/pageSize, offset%pageSize
		h, err := d.ensurePage(pi)
		if err != nil {
			return len(data), err
		}
		rest, err := page.Of(h).InsertContent(owner, lo, data)
		if rerr := d.store.Pages.Release(h, err == nil); err == nil {
			err = rerr
		}
		if err != nil {
			return len(data), err
		}
		written := len(data) - rest
		data = data[written:]
		offset += written
	}
	return len(data), nil
}

// DeleteContent frees length bytes at offset. A page left without content is
// deleted and its slot becomes a hole.
func (d *Directory) DeleteContent(owner locking.Owner, offset, length int) error {
	if err := checkRange(offset, length); err != nil {
		return err
	}
	if err := d.lock.Require(owner); err != nil {
		return err
	}
	defer func() { _ = d.lock.Release(owner) }()

	for done := 0; done < length; {
		pi, lo := (offset+done)/pageSize, (offset+done)%pageSize
		n := min(length-done, pageSize-lo)
		done += n

		h, err := d.getPage(pi)
		if err != nil {
			return err
		}
		if h == nil {
			continue
		}
		p := page.Of(h)
		if err := p.DeleteContent(owner, lo, n); err != nil {
			_ = d.store.Pages.Release(h, false)
			return err
		}
		if p.IsEmpty() {
			d.setPage(pi, storage.Name{})
			if err := d.store.Pages.Delete(h); err != nil {
				return err
			}
			continue
		}
		if err := d.store.Pages.Release(h, true); err != nil {
			return err
		}
	}
	d.trimHoles()
	return nil
}

// AppendContent stores data in the first free run that starts at a multiple
// of align and ends at or below limit, reusing space in existing pages before
// allocating new ones. When nothing fits, nothing is written and the whole of
// data comes back as the remainder so the caller can grow elsewhere.
func (d *Directory) AppendContent(owner locking.Owner, data []byte, align, limit int) (int, []byte, error) {
	if len(data) == 0 || len(data) > Capacity {
		return -1, data, errors.Wrapf(storage.ErrOutOfBounds, "append of %d bytes", len(data))
	}
	if align <= 0 {
		align = 1
	}
	if limit <= 0 || limit > Capacity {
		limit = Capacity
	}
	if err := d.lock.Require(owner); err != nil {
		return -1, data, err
	}
	defer func() { _ = d.lock.Release(owner) }()

	off, ok, err := d.fit(len(data), align, limit)
	if err != nil {
		return -1, data, err
	}
	if !ok {
		return -1, data, nil
	}
	rest, err := d.InsertContent(owner, off, data)
	if err != nil {
		return -1, data, err
	}
	return off, data[len(data)-rest:], nil
}

func alignUp(v, align int) int {
	if r := v % align; r != 0 {
		return v + align - r
	}
	return v
}

// fit finds the first aligned offset s with [s, s+size) free and s+size <= limit.
func (d *Directory) fit(size, align, limit int) (int, bool, error) {
	for s := 0; s+size <= limit; {
		pi, lo := s/pageSize, s%pageSize

		h, err := d.getPage(pi)
		if err != nil {
			return 0, false, err
		}
		if h != nil {
			// jump to the first free byte of this page
			next, ferr := page.Of(h).FreeSpace(lo)
			_ = d.store.Pages.Release(h, false)
			if ferr != nil {
				if !errors.Is(ferr, storage.ErrNotFound) {
					return 0, false, ferr
				}
				s = alignUp((pi+1)*pageSize, align)
				continue
			}
			if c := alignUp(pi*pageSize+next, align); c != s {
				s = c
				continue
			}
		}

		free, err := d.isFree(s, size)
		if err != nil {
			return 0, false, err
		}
		if free {
			return s, true, nil
		}
		s += align
	}
	return 0, false, nil
}

// IsFree reports whether no byte of [offset, offset+size) is used.
func (d *Directory) IsFree(offset, size int) (bool, error) {
	if err := checkRange(offset, size); err != nil {
		return false, err
	}
	return d.isFree(offset, size)
}

// isFree reports whether every byte of [offset, offset+size) is free.
func (d *Directory) isFree(offset, size int) (bool, error) {
	for done := 0; done < size; {
		pi, lo := (offset+done)/pageSize, (offset+done)%pageSize
		n := min(size-done, pageSize-lo)
		done += n

		h, err := d.getPage(pi)
		if err != nil {
			return false, err
		}
		if h == nil {
			continue
		}
		at, ferr := page.Of(h).FitFreeSpace(lo, n)
		_ = d.store.Pages.Release(h, false)
		if ferr != nil && !errors.Is(ferr, storage.ErrNotFound) {
			return false, ferr
		}
		if ferr != nil || at != lo {
			return false, nil
		}
	}
	return true, nil
}

// Feed streams the directory content from offset into m, page by page.
// Holes, and the unallocated tail of the directory, break partial matches.
// The returned position is directory-local and may be negative when the
// match began in the previous directory.
func (d *Directory) Feed(m *storage.Matcher, from int) (int, bool, error) {
	if err := checkRange(from, 0); err != nil {
		return 0, false, err
	}
	count := d.PageCount()
	for pi := from / pageSize; pi < count; pi++ {
		h, err := d.getPage(pi)
		if err != nil {
			return 0, false, err
		}
		if h == nil {
			m.Reset()
			continue
		}
		lo := 0
		if pi == from/pageSize {
			lo = from % pageSize
		}
		pos, ok := page.Of(h).Feed(m, lo)
		_ = d.store.Pages.Release(h, false)
		if ok {
			return pi*pageSize + int(pos), true, nil
		}
	}
	if count < storage.MaxListLen {
		m.Reset()
	}
	return 0, false, nil
}

// FindContent returns the directory offset of the first occurrence of needle
// at or after offset. Matches may span page boundaries.
func (d *Directory) FindContent(offset int, needle []byte) (int, error) {
	if len(needle) == 0 {
		return -1, errors.Wrap(storage.ErrOutOfBounds, "empty needle")
	}
	pos, ok, err := d.Feed(storage.NewMatcher(needle), offset)
	if err != nil {
		return -1, err
	}
	if !ok {
		return -1, errors.Wrapf(storage.ErrNotFound, "directory %s: content", d.name)
	}
	return pos, nil
}

// FindValue returns the offset of the first used byte equal to v.
func (d *Directory) FindValue(offset int, v byte) (int, error) {
	return d.FindContent(offset, []byte{v})
}

// Cleanup deletes pages that hold no content and trims trailing holes.
func (d *Directory) Cleanup(owner locking.Owner) error {
	if err := d.lock.Require(owner); err != nil {
		return err
	}
	defer func() { _ = d.lock.Release(owner) }()

	for i := 0; i < d.PageCount(); i++ {
		h, err := d.getPage(i)
		if err != nil {
			return err
		}
		if h == nil {
			continue
		}
		if !page.Of(h).IsEmpty() {
			_ = d.store.Pages.Release(h, false)
			continue
		}
		d.setPage(i, storage.Name{})
		if err := d.store.Pages.Delete(h); err != nil {
			return err
		}
	}
	d.trimHoles()
	return nil
}
