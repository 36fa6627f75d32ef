package table

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/tuannm99/novastore/internal/cache"
	"github.com/tuannm99/novastore/internal/locking"
	"github.com/tuannm99/novastore/internal/storage"
)

// Capacity is the logical byte space of one directory.
const Capacity = storage.DirCapacity

// Table is a schema plus an ordered list of directories. Directory i covers
// table bytes [i*Capacity, (i+1)*Capacity). A zero name is a hole left by a
// directory that was emptied and removed.
//
// Rows have a fixed width and never straddle a directory: with
// perDir = Capacity / rowSize, row i lives at
// (i/perDir)*Capacity + (i%perDir)*rowSize.
type Table struct {
	name storage.Name

	latch    sync.RWMutex // guards everything below
	access   Access
	rowCount uint32
	columns  []Column
	links    []Link
	dirs     []storage.Name

	checksum  uint32
	persisted bool

	lock  *locking.Lock
	store *Store
}

// newTable validates a schema and builds an unsaved table.
func newTable(name storage.Name, access Access, columns []Column) (*Table, error) {
	if name.IsZero() {
		return nil, errors.Wrap(storage.ErrInvalidSchema, "empty table name")
	}
	if len(columns) == 0 || len(columns) > 0xFFFF {
		return nil, errors.Wrapf(storage.ErrInvalidSchema, "table %s: %d columns", name, len(columns))
	}
	seen := make(map[string]bool, len(columns))
	size := 0
	for _, c := range columns {
		if err := c.validate(); err != nil {
			return nil, err
		}
		if seen[c.Name] {
			return nil, errors.Wrapf(storage.ErrInvalidSchema, "table %s: duplicate column %s", name, c.Name)
		}
		seen[c.Name] = true
		size += int(c.Size)
	}
	if size >= storage.PageContentSize {
		return nil, errors.Wrapf(storage.ErrInvalidSchema, "table %s: row size %d must be below %d", name, size, storage.PageContentSize)
	}

	cols := make([]Column, len(columns))
	copy(cols, columns)
	return &Table{name: name, access: access, columns: cols}, nil
}

func (t *Table) Name() storage.Name  { return t.name }
func (t *Table) Lock() *locking.Lock { return t.lock }

func (t *Table) Key() cache.Key {
	return cache.Key{Kind: storage.KindTable, Name: t.name}
}

func (t *Table) Access() Access {
	t.latch.RLock()
	defer t.latch.RUnlock()
	return t.access
}

func (t *Table) SetAccess(a Access) {
	t.latch.Lock()
	defer t.latch.Unlock()
	t.access = a
}

// Rows is the number of live rows, maintained incrementally.
func (t *Table) Rows() int {
	t.latch.RLock()
	defer t.latch.RUnlock()
	return int(t.rowCount)
}

// AddRows adjusts the live row counter by delta, never going below zero.
func (t *Table) AddRows(delta int) {
	t.latch.Lock()
	defer t.latch.Unlock()
	n := int(t.rowCount) + delta
	if n < 0 {
		n = 0
	}
	t.rowCount = uint32(n)
}

// Columns returns a copy of the schema.
func (t *Table) Columns() []Column {
	t.latch.RLock()
	defer t.latch.RUnlock()
	out := make([]Column, len(t.columns))
	copy(out, t.columns)
	return out
}

func (t *Table) Links() []Link {
	t.latch.RLock()
	defer t.latch.RUnlock()
	out := make([]Link, len(t.links))
	copy(out, t.links)
	return out
}

// DirectoryNames returns a copy of the directory list, holes included.
func (t *Table) DirectoryNames() []storage.Name {
	t.latch.RLock()
	defer t.latch.RUnlock()
	out := make([]storage.Name, len(t.dirs))
	copy(out, t.dirs)
	return out
}

func (t *Table) rowSize() int {
	n := 0
	for _, c := range t.columns {
		n += int(c.Size)
	}
	return n
}

func (t *Table) RowSize() int {
	t.latch.RLock()
	defer t.latch.RUnlock()
	return t.rowSize()
}

// RowsPerDir is how many whole rows fit in one directory.
func (t *Table) RowsPerDir() int { return Capacity / t.RowSize() }

// RowOffset maps a row index to its table byte offset.
func (t *Table) RowOffset(i int) (int, error) {
	size := t.RowSize()
	perDir := Capacity / size
	if i < 0 || i/perDir >= storage.MaxListLen {
		return -1, errors.Wrapf(storage.ErrOutOfBounds, "table %s: row %d", t.name, i)
	}
	return (i/perDir)*Capacity + (i%perDir)*size, nil
}

// OffsetRow maps a table byte offset to a row index and the byte offset
// inside that row. Offsets in the unused tail of a directory map to -1.
func (t *Table) OffsetRow(off int) (row, within int) {
	size := t.RowSize()
	perDir := Capacity / size
	local := off % Capacity
	if off < 0 || local >= perDir*size {
		return -1, -1
	}
	return (off/Capacity)*perDir + local/size, local % size
}

// ColumnIndex finds a column by name.
func (t *Table) ColumnIndex(name string) (int, Column, error) {
	t.latch.RLock()
	defer t.latch.RUnlock()
	for i, c := range t.columns {
		if c.Name == name {
			return i, c, nil
		}
	}
	return -1, Column{}, errors.Wrapf(storage.ErrNotFound, "table %s: column %s", t.name, name)
}

// ColumnOffset is the byte offset of column i inside a row.
func (t *Table) ColumnOffset(i int) int {
	t.latch.RLock()
	defer t.latch.RUnlock()
	off := 0
	for _, c := range t.columns[:i] {
		off += int(c.Size)
	}
	return off
}

// Field returns the bytes of column name inside row.
func (t *Table) Field(row []byte, name string) ([]byte, error) {
	i, c, err := t.ColumnIndex(name)
	if err != nil {
		return nil, err
	}
	off := t.ColumnOffset(i)
	if off+int(c.Size) > len(row) {
		return nil, errors.Wrapf(storage.ErrOutOfBounds, "table %s: row too short for %s", t.name, name)
	}
	return row[off : off+int(c.Size)], nil
}

// Primary returns the indexes of the primary columns.
func (t *Table) Primary() []int {
	t.latch.RLock()
	defer t.latch.RUnlock()
	var out []int
	for i, c := range t.columns {
		if c.Primary {
			out = append(out, i)
		}
	}
	return out
}

// ReplaceColumn swaps column i for c. Only a replacement of the same size is
// allowed since the row layout depends on it.
func (t *Table) ReplaceColumn(owner locking.Owner, i int, c Column) error {
	if err := c.validate(); err != nil {
		return err
	}
	if err := t.lock.Require(owner); err != nil {
		return err
	}
	defer func() { _ = t.lock.Release(owner) }()

	t.latch.Lock()
	defer t.latch.Unlock()
	if i < 0 || i >= len(t.columns) {
		return errors.Wrapf(storage.ErrNotFound, "table %s: column %d", t.name, i)
	}
	if t.columns[i].Size != c.Size {
		return errors.Wrapf(storage.ErrInvalidSchema, "table %s: column %s size %d != %d", t.name, c.Name, c.Size, t.columns[i].Size)
	}
	for j, other := range t.columns {
		if j != i && other.Name == c.Name {
			return errors.Wrapf(storage.ErrInvalidSchema, "table %s: duplicate column %s", t.name, c.Name)
		}
	}
	old := t.columns[i].Name
	t.columns[i] = c
	for k := range t.links {
		if t.links[k].Master == old {
			t.links[k].Master = c.Name
		}
	}
	return nil
}

// LinkColumn adds a link from master to slaveTable.slaveCol, or updates the
// flags of an existing one.
func (t *Table) LinkColumn(owner locking.Owner, master string, slaveTable storage.Name, slaveCol string, flags Cascade) error {
	if _, _, err := t.ColumnIndex(master); err != nil {
		return err
	}
	if slaveTable.IsZero() || slaveCol == "" || len(slaveCol) > storage.ColumnNameSize {
		return errors.Wrapf(storage.ErrInvalidSchema, "table %s: bad link target %s.%s", t.name, slaveTable, slaveCol)
	}
	if err := t.lock.Require(owner); err != nil {
		return err
	}
	defer func() { _ = t.lock.Release(owner) }()

	t.latch.Lock()
	defer t.latch.Unlock()
	for k := range t.links {
		if t.links[k].same(master, slaveTable, slaveCol) {
			t.links[k].Flags = flags
			return nil
		}
	}
	if len(t.links) >= 0xFFFF {
		return errors.Wrapf(storage.ErrCapacityExceeded, "table %s: links", t.name)
	}
	t.links = append(t.links, Link{Master: master, SlaveTable: slaveTable, SlaveColumn: slaveCol, Flags: flags})
	return nil
}

// Unlink removes one link.
func (t *Table) Unlink(owner locking.Owner, master string, slaveTable storage.Name, slaveCol string) error {
	if err := t.lock.Require(owner); err != nil {
		return err
	}
	defer func() { _ = t.lock.Release(owner) }()

	t.latch.Lock()
	defer t.latch.Unlock()
	for k := range t.links {
		if t.links[k].same(master, slaveTable, slaveCol) {
			t.links = append(t.links[:k], t.links[k+1:]...)
			return nil
		}
	}
	return errors.Wrapf(storage.ErrNotFound, "table %s: link %s -> %s.%s", t.name, master, slaveTable, slaveCol)
}

// UnlinkTable drops every link pointing at slaveTable and reports whether
// anything changed.
func (t *Table) UnlinkTable(owner locking.Owner, slaveTable storage.Name) (bool, error) {
	if err := t.lock.Require(owner); err != nil {
		return false, err
	}
	defer func() { _ = t.lock.Release(owner) }()

	t.latch.Lock()
	defer t.latch.Unlock()
	kept := t.links[:0]
	for _, l := range t.links {
		if l.SlaveTable != slaveTable {
			kept = append(kept, l)
		}
	}
	changed := len(kept) != len(t.links)
	t.links = kept
	return changed, nil
}
