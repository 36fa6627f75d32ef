package engine

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/table"
)

// GetRow returns row index of a table after its POSTLOAD modules ran.
// A deleted or never written row comes back filled with storage.EmptyByte.
func (db *Database) GetRow(ctx context.Context, s Session, name string, index int) ([]byte, error) {
	h, t, err := db.openTable(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.store.Release(h, false) }()
	if err := s.check(t, table.ActionRead); err != nil {
		return nil, err
	}

	row, err := t.ReadRow(index)
	if err != nil {
		return nil, err
	}
	live, err := t.RowLive(index)
	if err != nil || !live {
		return row, err
	}
	return t.InvokeModules(ctx, row, table.PhasePostload, db.runner)
}

// prepare runs the write-side pipeline on a copy of data: PRELOAD modules,
// the signature check and primary uniqueness. self is the row being
// replaced, or -1 for an append.
func (db *Database) prepare(ctx context.Context, t *table.Table, data []byte, self int) ([]byte, error) {
	if len(data) != t.RowSize() {
		return nil, errors.Wrapf(storage.ErrSignatureInvalid, "table %s: row width %d, want %d", t.Name(), len(data), t.RowSize())
	}
	row := make([]byte, len(data))
	copy(row, data)
	if self < 0 {
		if err := t.FillAutoIncrement(row); err != nil {
			return nil, err
		}
	}
	row, err := t.InvokeModules(ctx, row, table.PhasePreload, db.runner)
	if err != nil {
		return nil, err
	}
	if err := t.CheckSignature(row); err != nil {
		return nil, err
	}
	if err := checkUnique(t, row, self); err != nil {
		return nil, err
	}
	return row, nil
}

// AppendRow validates data and stores it in the first free row slot. It
// returns the index of the new row.
func (db *Database) AppendRow(ctx context.Context, s Session, name string, data []byte) (int, error) {
	h, t, err := db.openTable(name)
	if err != nil {
		return -1, err
	}
	dirty := false
	defer func() { _ = db.store.Release(h, dirty) }()
	if err := s.check(t, table.ActionWrite); err != nil {
		return -1, err
	}
	if err := t.Lock().Require(s.Owner); err != nil {
		return -1, err
	}
	defer func() { _ = t.Lock().Release(s.Owner) }()

	row, err := db.prepare(ctx, t, data, -1)
	if err != nil {
		return -1, err
	}
	dirty = true
	idx, err := t.AppendRow(s.Owner, row)
	if err != nil {
		return -1, err
	}
	t.AddRows(1)
	db.log.WithFields(logrus.Fields{"table": name, "row": idx, "owner": s.Owner}).Debug("row appended")

	db.cascadeAppend(ctx, s, t, row)
	return idx, nil
}

// InsertRow replaces the live row index with data.
func (db *Database) InsertRow(ctx context.Context, s Session, name string, index int, data []byte) error {
	h, t, err := db.openTable(name)
	if err != nil {
		return err
	}
	dirty := false
	defer func() { _ = db.store.Release(h, dirty) }()
	if err := s.check(t, table.ActionWrite); err != nil {
		return err
	}
	if err := t.Lock().Require(s.Owner); err != nil {
		return err
	}
	defer func() { _ = t.Lock().Release(s.Owner) }()

	live, err := t.RowLive(index)
	if err != nil {
		return err
	}
	if !live {
		return errors.Wrapf(storage.ErrNotFound, "table %s: row %d", name, index)
	}
	old, err := t.ReadRow(index)
	if err != nil {
		return err
	}
	row, err := db.prepare(ctx, t, data, index)
	if err != nil {
		return err
	}
	dirty = true
	if err := t.WriteRow(s.Owner, index, row); err != nil {
		return err
	}
	db.log.WithFields(logrus.Fields{"table": name, "row": index, "owner": s.Owner}).Debug("row updated")

	db.cascadeUpdate(s, t, old, row)
	return nil
}

// DeleteRow frees row index and follows cascade-delete links. Failures in
// dependent tables are logged and skipped.
func (db *Database) DeleteRow(ctx context.Context, s Session, name string, index int) error {
	return db.deleteRow(ctx, s, name, index, make(map[RowRef]bool))
}

func (db *Database) deleteRow(ctx context.Context, s Session, name string, index int, seen map[RowRef]bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, t, err := db.openTable(name)
	if err != nil {
		return err
	}
	dirty := false
	defer func() { _ = db.store.Release(h, dirty) }()
	if err := s.check(t, table.ActionDelete); err != nil {
		return err
	}
	if err := t.Lock().Require(s.Owner); err != nil {
		return err
	}
	defer func() { _ = t.Lock().Release(s.Owner) }()

	live, err := t.RowLive(index)
	if err != nil {
		return err
	}
	if !live {
		return errors.Wrapf(storage.ErrNotFound, "table %s: row %d", name, index)
	}
	row, err := t.ReadRow(index)
	if err != nil {
		return err
	}
	dirty = true
	if err := t.EraseRow(s.Owner, index); err != nil {
		return err
	}
	t.AddRows(-1)
	seen[RowRef{Table: name, Row: index}] = true
	db.log.WithFields(logrus.Fields{"table": name, "row": index, "owner": s.Owner}).Debug("row deleted")

	db.cascadeDelete(ctx, s, t, row, seen)
	return nil
}

// FindDataRow returns the first row whose column contains needle.
func (db *Database) FindDataRow(s Session, name, column string, needle []byte) (int, error) {
	h, t, err := db.openTable(name)
	if err != nil {
		return -1, err
	}
	defer func() { _ = db.store.Release(h, false) }()
	if err := s.check(t, table.ActionRead); err != nil {
		return -1, err
	}

	found := -1
	err = matchRows(t, column, needle, false, func(row int) (bool, error) {
		found = row
		return false, nil
	})
	if err != nil {
		return -1, err
	}
	if found < 0 {
		return -1, errors.Wrapf(storage.ErrNotFound, "table %s: %s contains %q", name, column, needle)
	}
	return found, nil
}

// FindValueRow returns the first row whose column contains the byte v.
func (db *Database) FindValueRow(s Session, name, column string, v byte) (int, error) {
	return db.FindDataRow(s, name, column, []byte{v})
}

// matchRows calls fn, in row order, for every row whose column holds needle.
// With exact set the needle has to be the whole column value. Matches that
// fall outside the column span are skipped and the search resumes one byte
// later.
func matchRows(t *table.Table, column string, needle []byte, exact bool, fn func(row int) (bool, error)) error {
	ci, c, err := t.ColumnIndex(column)
	if err != nil {
		return err
	}
	if len(needle) == 0 {
		return errors.Wrap(storage.ErrOutOfBounds, "empty needle")
	}
	size := int(c.Size)
	if len(needle) > size || (exact && len(needle) != size) {
		return nil
	}
	start := t.ColumnOffset(ci)
	end := start + size

	for from := 0; ; {
		off, err := t.FindContent(from, needle)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		row, within := t.OffsetRow(off)
		inSpan := row >= 0 && within >= start && within+len(needle) <= end
		if !inSpan || (exact && within != start) {
			from = off + 1
			continue
		}
		more, err := fn(row)
		if err != nil || !more {
			return err
		}
		next, err := t.RowOffset(row + 1)
		if err != nil {
			return nil
		}
		from = next
	}
}

// checkUnique rejects row when a primary column value already exists in
// another live row.
func checkUnique(t *table.Table, row []byte, self int) error {
	cols := t.Columns()
	for _, ci := range t.Primary() {
		c := cols[ci]
		off := t.ColumnOffset(ci)
		val := row[off : off+int(c.Size)]

		dup := -1
		err := matchRows(t, c.Name, val, true, func(r int) (bool, error) {
			if r == self {
				return true, nil
			}
			dup = r
			return false, nil
		})
		if err != nil {
			return err
		}
		if dup >= 0 {
			return errors.Wrapf(storage.ErrDuplicatePrimaryKey, "table %s: %s=%q already in row %d", t.Name(), c.Name, val, dup)
		}
	}
	return nil
}
