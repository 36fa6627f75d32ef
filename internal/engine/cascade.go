package engine

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/table"
)

// RowRef names one row of one table.
type RowRef struct {
	Table string
	Row   int
}

// linkedRows lists the slave rows whose linked column equals value.
func (db *Database) linkedRows(l table.Link, value []byte) ([]int, error) {
	h, st, err := db.openTable(l.SlaveTable.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.store.Release(h, false) }()

	var rows []int
	err = matchRows(st, l.SlaveColumn, value, true, func(r int) (bool, error) {
		rows = append(rows, r)
		return true, nil
	})
	return rows, err
}

func (db *Database) cascadeLog(t *table.Table, l table.Link, op string) logrus.FieldLogger {
	return db.log.WithFields(logrus.Fields{
		"cascade": op,
		"master":  t.Name().String() + "." + l.Master,
		"slave":   l.SlaveTable.String() + "." + l.SlaveColumn,
	})
}

func (db *Database) cascadeDelete(ctx context.Context, s Session, t *table.Table, row []byte, seen map[RowRef]bool) {
	for _, l := range t.Links() {
		if !l.Flags.Has(table.CascadeDelete) {
			continue
		}
		log := db.cascadeLog(t, l, "delete")
		value, err := t.Field(row, l.Master)
		if err != nil {
			log.WithError(err).Warn("cascade skipped")
			continue
		}
		rows, err := db.linkedRows(l, value)
		if err != nil {
			log.WithError(err).Warn("cascade skipped")
			continue
		}
		slave := l.SlaveTable.String()
		for _, r := range rows {
			if seen[RowRef{Table: slave, Row: r}] {
				continue
			}
			if err := db.deleteRow(ctx, s, slave, r, seen); err != nil {
				log.WithError(err).WithField("row", r).Warn("dependent row not deleted")
			}
		}
	}
}

// cascadeUpdate rewrites slave values that pointed at a changed master value.
func (db *Database) cascadeUpdate(s Session, t *table.Table, old, row []byte) {
	for _, l := range t.Links() {
		if !l.Flags.Has(table.CascadeUpdate) {
			continue
		}
		log := db.cascadeLog(t, l, "update")
		before, err1 := t.Field(old, l.Master)
		after, err2 := t.Field(row, l.Master)
		if err := multierr.Combine(err1, err2); err != nil {
			log.WithError(err).Warn("cascade skipped")
			continue
		}
		if bytes.Equal(before, after) {
			continue
		}
		if err := db.rewriteSlave(s, l, before, after); err != nil {
			log.WithError(err).Warn("dependent rows not updated")
		}
	}
}

func (db *Database) rewriteSlave(s Session, l table.Link, before, after []byte) error {
	rows, err := db.linkedRows(l, before)
	if err != nil || len(rows) == 0 {
		return err
	}
	h, st, err := db.openTable(l.SlaveTable.String())
	if err != nil {
		return err
	}
	dirty := false
	defer func() { _ = db.store.Release(h, dirty) }()
	if err := s.check(st, table.ActionWrite); err != nil {
		return err
	}
	if err := st.Lock().Require(s.Owner); err != nil {
		return err
	}
	defer func() { _ = st.Lock().Release(s.Owner) }()

	var failed error
	for _, r := range rows {
		cur, err := st.ReadRow(r)
		if err != nil {
			failed = multierr.Append(failed, err)
			continue
		}
		field, err := st.Field(cur, l.SlaveColumn)
		if err != nil {
			return err
		}
		copy(field, after)
		if err := checkUnique(st, cur, r); err != nil {
			failed = multierr.Append(failed, err)
			continue
		}
		dirty = true
		if err := st.WriteRow(s.Owner, r, cur); err != nil {
			failed = multierr.Append(failed, err)
		}
	}
	return failed
}

// cascadeAppend makes sure every append-linked slave holds a row with the
// new master value, creating one from column fillers when missing.
func (db *Database) cascadeAppend(ctx context.Context, s Session, t *table.Table, row []byte) {
	for _, l := range t.Links() {
		if !l.Flags.Has(table.CascadeAppend) {
			continue
		}
		log := db.cascadeLog(t, l, "append")
		value, err := t.Field(row, l.Master)
		if err != nil {
			log.WithError(err).Warn("cascade skipped")
			continue
		}
		rows, err := db.linkedRows(l, value)
		if err != nil {
			log.WithError(err).Warn("cascade skipped")
			continue
		}
		if len(rows) > 0 {
			continue
		}
		if err := db.appendSlave(ctx, s, l, value); err != nil {
			log.WithError(err).Warn("dependent row not appended")
		}
	}
}

func (db *Database) appendSlave(ctx context.Context, s Session, l table.Link, value []byte) error {
	h, st, err := db.openTable(l.SlaveTable.String())
	if err != nil {
		return err
	}
	defer func() { _ = db.store.Release(h, false) }()

	var seed []byte
	for _, c := range st.Columns() {
		seed = append(seed, c.Filler()...)
	}
	field, err := st.Field(seed, l.SlaveColumn)
	if err != nil {
		return err
	}
	copy(field, value)
	_, err = db.AppendRow(ctx, s, l.SlaveTable.String(), seed)
	return err
}

// FindLinkedRows follows find-flagged links from row index, transitively,
// and returns every slave row reached.
func (db *Database) FindLinkedRows(s Session, name string, index int) ([]RowRef, error) {
	seen := map[RowRef]bool{{Table: name, Row: index}: true}
	var out []RowRef
	if err := db.findLinked(s, name, index, seen, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

func (db *Database) findLinked(s Session, name string, index int, seen map[RowRef]bool, out *[]RowRef, root bool) error {
	h, t, err := db.openTable(name)
	if err != nil {
		return err
	}
	row, links, err := func() ([]byte, []table.Link, error) {
		defer func() { _ = db.store.Release(h, false) }()
		if err := s.check(t, table.ActionRead); err != nil {
			return nil, nil, err
		}
		live, err := t.RowLive(index)
		if err != nil {
			return nil, nil, err
		}
		if !live {
			return nil, nil, errors.Wrapf(storage.ErrNotFound, "table %s: row %d", name, index)
		}
		row, err := t.ReadRow(index)
		return row, t.Links(), err
	}()
	if err != nil {
		return err
	}

	for _, l := range links {
		if !l.Flags.Has(table.CascadeFind) {
			continue
		}
		value, err := t.Field(row, l.Master)
		if err != nil {
			return err
		}
		rows, err := db.linkedRows(l, value)
		if err != nil {
			if root {
				return err
			}
			continue
		}
		slave := l.SlaveTable.String()
		for _, r := range rows {
			ref := RowRef{Table: slave, Row: r}
			if seen[ref] {
				continue
			}
			seen[ref] = true
			*out = append(*out, ref)
			if err := db.findLinked(s, slave, r, seen, out, false); err != nil && !errors.Is(err, storage.ErrAccessDenied) {
				return err
			}
		}
	}
	return nil
}
