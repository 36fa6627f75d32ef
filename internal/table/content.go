package table

import (
	"github.com/pkg/errors"

	"github.com/tuannm99/novastore/internal/cache"
	"github.com/tuannm99/novastore/internal/directory"
	"github.com/tuannm99/novastore/internal/locking"
	"github.com/tuannm99/novastore/internal/storage"
)

func (t *Table) dirName(i int) storage.Name {
	t.latch.RLock()
	defer t.latch.RUnlock()
	if i < 0 || i >= len(t.dirs) {
		return storage.Name{}
	}
	return t.dirs[i]
}

func (t *Table) dirCount() int {
	t.latch.RLock()
	defer t.latch.RUnlock()
	return len(t.dirs)
}

func (t *Table) setDir(i int, n storage.Name) {
	t.latch.Lock()
	defer t.latch.Unlock()
	for len(t.dirs) <= i {
		t.dirs = append(t.dirs, storage.Name{})
	}
	t.dirs[i] = n
}

func (t *Table) trimHoles() {
	t.latch.Lock()
	defer t.latch.Unlock()
	for len(t.dirs) > 0 && t.dirs[len(t.dirs)-1].IsZero() {
		t.dirs = t.dirs[:len(t.dirs)-1]
	}
}

func checkRange(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > storage.MaxListLen*Capacity {
		return errors.Wrapf(storage.ErrOutOfBounds, "table range [%d,+%d)", offset, length)
	}
	return nil
}

// getDir pins directory i, or returns nil for a hole or an index past the end.
func (t *Table) getDir(i int) (*cache.Handle, error) {
	n := t.dirName(i)
	if n.IsZero() {
		return nil, nil
	}
	return t.store.Dirs.Get(n)
}

// createDir places a fresh directory in slot i. Caller holds t.lock.
func (t *Table) createDir(i int) (*cache.Handle, error) {
	if i >= storage.MaxListLen {
		return nil, errors.Wrapf(storage.ErrCapacityExceeded, "table %s: directory %d", t.name, i)
	}
	h := t.store.Dirs.Create()
	t.setDir(i, directory.Of(h).Name())
	return h, nil
}

// AddDirectory appends a fresh directory. The 256th fails with
// ErrCapacityExceeded.
func (t *Table) AddDirectory(owner locking.Owner) (*cache.Handle, error) {
	if err := t.lock.Require(owner); err != nil {
		return nil, err
	}
	defer func() { _ = t.lock.Release(owner) }()
	return t.createDir(t.dirCount())
}

// Len is the table high-water mark: one past the last used byte.
func (t *Table) Len() (int, error) {
	for i := t.dirCount() - 1; i >= 0; i-- {
		h, err := t.getDir(i)
		if err != nil {
			return 0, err
		}
		if h == nil {
			continue
		}
		n, err := directory.Of(h).Len()
		_ = t.store.Dirs.Release(h, false)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return i*Capacity + n, nil
		}
	}
	return 0, nil
}

// Slots is the number of row positions up to the high-water mark, live or
// deleted.
func (t *Table) Slots() (int, error) {
	n, err := t.Len()
	if err != nil || n == 0 {
		return 0, err
	}
	row, _ := t.OffsetRow(n - 1)
	return row + 1, nil
}

// GetContent reads size bytes at offset across directories.
func (t *Table) GetContent(offset, size int) ([]byte, error) {
	if err := checkRange(offset, size); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	for i := range out {
		out[i] = storage.EmptyByte
	}
	for done := 0; done < size; {
		di, lo := (offset+done)/Capacity, (offset+done)%Capacity
		n := min(size-done, Capacity-lo)

		h, err := t.getDir(di)
		if err != nil {
			return nil, err
		}
		if h != nil {
			b, err := directory.Of(h).GetContent(lo, n)
			_ = t.store.Dirs.Release(h, false)
			if err != nil {
				return nil, err
			}
			copy(out[done:], b)
		}
		done += n
	}
	return out, nil
}

// IsFree reports whether no byte of [offset, offset+size) is used.
func (t *Table) IsFree(offset, size int) (bool, error) {
	if err := checkRange(offset, size); err != nil {
		return false, err
	}
	for done := 0; done < size; {
		di, lo := (offset+done)/Capacity, (offset+done)%Capacity
		n := min(size-done, Capacity-lo)
		done += n

		h, err := t.getDir(di)
		if err != nil {
			return false, err
		}
		if h == nil {
			continue
		}
		free, err := directory.Of(h).IsFree(lo, n)
		_ = t.store.Dirs.Release(h, false)
		if err != nil || !free {
			return false, err
		}
	}
	return true, nil
}

// InsertContent writes data at offset across directories, creating them as
// needed. It returns how many bytes did not fit in the table.
func (t *Table) InsertContent(owner locking.Owner, offset int, data []byte) (int, error) {
	if err := checkRange(offset, 0); err != nil || offset == storage.MaxListLen*Capacity {
		return len(data), errors.Wrapf(storage.ErrOutOfBounds, "table offset %d", offset)
	}
	if err := t.lock.Require(owner); err != nil {
		return len(data), err
	}
	defer func() { _ = t.lock.Release(owner) }()

	for len(data) > 0 {
		di, lo := offset/Capacity, offset%Capacity
		if di >= storage.MaxListLen {
			break
		}
		h, err := t.getDir(di)
		if err == nil && h == nil {
			h, err = t.createDir(di)
		}
		if err != nil {
			return len(data), err
		}
		n := min(len(data), Capacity-lo)
		rest, err := directory.Of(h).InsertContent(owner, lo, data[:n])
		if rerr := t.store.Dirs.Release(h, true); err == nil {
			err = rerr
		}
		if err != nil {
			return len(data), err
		}
		written := n - rest
		data = data[written:]
		offset += written
		if rest > 0 {
			break
		}
	}
	return len(data), nil
}

// DeleteContent frees length bytes at offset. A directory left without pages
// is deleted and its slot becomes a hole.
func (t *Table) DeleteContent(owner locking.Owner, offset, length int) error {
	if err := checkRange(offset, length); err != nil {
		return err
	}
	if err := t.lock.Require(owner); err != nil {
		return err
	}
	defer func() { _ = t.lock.Release(owner) }()

	for done := 0; done < length; {
		di, lo := (offset+done)/Capacity, (offset+done)%Capacity
		n := min(length-done, Capacity-lo)
		done += n

		h, err := t.getDir(di)
		if err != nil {
			return err
		}
		if h == nil {
			continue
		}
		d := directory.Of(h)
		if err := d.DeleteContent(owner, lo, n); err != nil {
			_ = t.store.Dirs.Release(h, true)
			return err
		}
		if d.IsEmpty() {
			t.setDir(di, storage.Name{})
			if err := t.store.Dirs.Delete(h); err != nil {
				return err
			}
			continue
		}
		if err := t.store.Dirs.Release(h, true); err != nil {
			return err
		}
	}
	t.trimHoles()
	return nil
}

// AppendContent stores data at the first row-aligned free position of the
// table. Existing directories are tried in order, then the first hole, then
// a new directory at the end.
func (t *Table) AppendContent(owner locking.Owner, data []byte) (int, error) {
	size := t.RowSize()
	limit := (Capacity / size) * size
	if len(data) == 0 || len(data) > limit {
		return -1, errors.Wrapf(storage.ErrOutOfBounds, "table %s: append of %d bytes", t.name, len(data))
	}
	if err := t.lock.Require(owner); err != nil {
		return -1, err
	}
	defer func() { _ = t.lock.Release(owner) }()

	hole := -1
	count := t.dirCount()
	for i := 0; i < count; i++ {
		h, err := t.getDir(i)
		if err != nil {
			return -1, err
		}
		if h == nil {
			if hole < 0 {
				hole = i
			}
			continue
		}
		off, rest, err := directory.Of(h).AppendContent(owner, data, size, limit)
		if rerr := t.store.Dirs.Release(h, err == nil && len(rest) == 0); err == nil {
			err = rerr
		}
		if err != nil {
			return -1, err
		}
		if off >= 0 {
			return i*Capacity + off, nil
		}
	}

	target := count
	if hole >= 0 {
		target = hole
	}
	h, err := t.createDir(target)
	if err != nil {
		return -1, err
	}
	off, rest, err := directory.Of(h).AppendContent(owner, data, size, limit)
	if rerr := t.store.Dirs.Release(h, true); err == nil {
		err = rerr
	}
	if err != nil {
		return -1, err
	}
	if off < 0 || len(rest) > 0 {
		return -1, errors.Wrapf(storage.ErrCapacityExceeded, "table %s: fresh directory refused %d bytes", t.name, len(data))
	}
	return target*Capacity + off, nil
}

// FindContent returns the table offset of the first occurrence of needle at
// or after offset, streaming through directories so matches may cross page
// and full-directory boundaries.
func (t *Table) FindContent(offset int, needle []byte) (int, error) {
	if err := checkRange(offset, 0); err != nil {
		return -1, err
	}
	if len(needle) == 0 {
		return -1, errors.Wrap(storage.ErrOutOfBounds, "empty needle")
	}
	m := storage.NewMatcher(needle)
	first := offset / Capacity
	for di := first; di < t.dirCount(); di++ {
		h, err := t.getDir(di)
		if err != nil {
			return -1, err
		}
		if h == nil {
			m.Reset()
			continue
		}
		lo := 0
		if di == first {
			lo = offset % Capacity
		}
		pos, ok, err := directory.Of(h).Feed(m, lo)
		_ = t.store.Dirs.Release(h, false)
		if err != nil {
			return -1, err
		}
		if ok {
			return di*Capacity + pos, nil
		}
	}
	return -1, errors.Wrapf(storage.ErrNotFound, "table %s: content", t.name)
}

// FindValue returns the offset of the first used byte equal to v.
func (t *Table) FindValue(offset int, v byte) (int, error) {
	return t.FindContent(offset, []byte{v})
}

// Cleanup drops empty pages in every directory and then empty directories.
func (t *Table) Cleanup(owner locking.Owner) error {
	if err := t.lock.Require(owner); err != nil {
		return err
	}
	defer func() { _ = t.lock.Release(owner) }()

	for i := 0; i < t.dirCount(); i++ {
		h, err := t.getDir(i)
		if err != nil {
			return err
		}
		if h == nil {
			continue
		}
		d := directory.Of(h)
		if err := d.Cleanup(owner); err != nil {
			_ = t.store.Dirs.Release(h, true)
			return err
		}
		if d.IsEmpty() {
			t.setDir(i, storage.Name{})
			if err := t.store.Dirs.Delete(h); err != nil {
				return err
			}
			continue
		}
		if err := t.store.Dirs.Release(h, true); err != nil {
			return err
		}
	}
	t.trimHoles()
	return nil
}

// ---- rows ----

// ReadRow returns row i. A deleted or never written row reads as EmptyByte.
func (t *Table) ReadRow(i int) ([]byte, error) {
	off, err := t.RowOffset(i)
	if err != nil {
		return nil, err
	}
	return t.GetContent(off, t.RowSize())
}

// RowLive reports whether any byte of row i is in use.
func (t *Table) RowLive(i int) (bool, error) {
	off, err := t.RowOffset(i)
	if err != nil {
		return false, err
	}
	free, err := t.IsFree(off, t.RowSize())
	return !free, err
}

// WriteRow overwrites row i in place.
func (t *Table) WriteRow(owner locking.Owner, i int, row []byte) error {
	if len(row) != t.RowSize() {
		return errors.Wrapf(storage.ErrSignatureInvalid, "table %s: row width %d", t.name, len(row))
	}
	off, err := t.RowOffset(i)
	if err != nil {
		return err
	}
	rest, err := t.InsertContent(owner, off, row)
	if err == nil && rest > 0 {
		err = errors.Wrapf(storage.ErrCapacityExceeded, "table %s: row %d", t.name, i)
	}
	return err
}

// AppendRow stores row in the first free slot and returns its index.
func (t *Table) AppendRow(owner locking.Owner, row []byte) (int, error) {
	if len(row) != t.RowSize() {
		return -1, errors.Wrapf(storage.ErrSignatureInvalid, "table %s: row width %d", t.name, len(row))
	}
	off, err := t.AppendContent(owner, row)
	if err != nil {
		return -1, err
	}
	i, _ := t.OffsetRow(off)
	return i, nil
}

// EraseRow frees the bytes of row i.
func (t *Table) EraseRow(owner locking.Owner, i int) error {
	off, err := t.RowOffset(i)
	if err != nil {
		return err
	}
	return t.DeleteContent(owner, off, t.RowSize())
}

// Scan calls fn for every live row in index order until fn returns false.
func (t *Table) Scan(fn func(i int, row []byte) (bool, error)) error {
	slots, err := t.Slots()
	if err != nil {
		return err
	}
	for i := 0; i < slots; i++ {
		live, err := t.RowLive(i)
		if err != nil {
			return err
		}
		if !live {
			continue
		}
		row, err := t.ReadRow(i)
		if err != nil {
			return err
		}
		more, err := fn(i, row)
		if err != nil || !more {
			return err
		}
	}
	return nil
}
