package engine

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tuannm99/novastore/internal/alias/bx"
	"github.com/tuannm99/novastore/internal/cache"
	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/table"
)

// Database file layout:
//
//	magic:1 | name:8 | table_count:2 | table names:8*table_count
const headerSize = 11

// encodeHeader serialises the catalog. Caller holds db.mu.
func (db *Database) encodeHeader() []byte {
	w := bx.Writer{Buf: make([]byte, 0, headerSize+len(db.tables)*storage.NameSize)}
	w.U8(storage.KindDatabase.Magic())
	w.Bytes(db.name[:])
	w.U16(uint16(len(db.tables)))
	for _, n := range db.tables {
		w.Bytes(n[:])
	}
	return w.Buf
}

func (db *Database) saveHeader() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.files.Write(storage.KindDatabase, db.name, db.encodeHeader())
}

func (db *Database) loadHeader() error {
	data, err := db.files.Read(storage.KindDatabase, db.name)
	if err != nil {
		return err
	}
	if err := storage.CheckMagic(storage.KindDatabase, db.name, data, headerSize); err != nil {
		return err
	}
	r := bx.Reader{Buf: data, Off: 1}
	if storage.ReadName(r.Bytes(storage.NameSize)) != db.name {
		return errors.Wrapf(storage.ErrNotFound, "database %s: name mismatch", db.name)
	}
	count := int(r.U16())
	if count > storage.MaxListLen || r.Remaining() != count*storage.NameSize {
		return errors.Wrapf(storage.ErrNotFound, "database %s: bad table count %d", db.name, count)
	}
	tables := make([]storage.Name, count)
	for i := range tables {
		tables[i] = storage.ReadName(r.Bytes(storage.NameSize))
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	db.tables = tables
	return nil
}

func (db *Database) hasTable(name storage.Name) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, n := range db.tables {
		if n == name {
			return true
		}
	}
	return false
}

// openTable resolves a catalog name and pins the table.
func (db *Database) openTable(name string) (*cache.Handle, *table.Table, error) {
	if err := db.checkOpen(); err != nil {
		return nil, nil, err
	}
	n, err := storage.ParseName(name)
	if err != nil {
		return nil, nil, errors.Wrapf(storage.ErrNotFound, "table %q", name)
	}
	if !db.hasTable(n) {
		return nil, nil, errors.Wrapf(storage.ErrNotFound, "table %s", name)
	}
	h, err := db.store.Get(n)
	if err != nil {
		return nil, nil, err
	}
	return h, table.Of(h), nil
}

// Tables lists the catalog in creation order.
func (db *Database) Tables() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, len(db.tables))
	for i, n := range db.tables {
		out[i] = n.String()
	}
	return out
}

// TableInfo is a snapshot of a table's schema and counters.
type TableInfo struct {
	Name    string
	Access  table.Access
	Rows    int
	RowSize int
	Columns []table.Column
	Links   []table.Link
}

func (db *Database) Table(name string) (TableInfo, error) {
	h, t, err := db.openTable(name)
	if err != nil {
		return TableInfo{}, err
	}
	defer func() { _ = db.store.Release(h, false) }()
	return TableInfo{
		Name:    t.Name().String(),
		Access:  t.Access(),
		Rows:    t.Rows(),
		RowSize: t.RowSize(),
		Columns: t.Columns(),
		Links:   t.Links(),
	}, nil
}

// CreateTable adds a table to the catalog. Catalog changes are written
// immediately.
func (db *Database) CreateTable(s Session, name string, access table.Access, columns []table.Column) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	n, err := storage.ParseName(name)
	if err != nil {
		return errors.Wrapf(storage.ErrInvalidSchema, "table name %q: %v", name, err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for _, existing := range db.tables {
		if existing == n {
			return errors.Wrapf(storage.ErrInvalidSchema, "table %s already exists", name)
		}
	}
	if len(db.tables) >= storage.MaxListLen {
		return errors.Wrapf(storage.ErrCapacityExceeded, "database %s: %d tables", db.name, len(db.tables))
	}
	h, err := db.store.Create(n, access, columns)
	if err != nil {
		return err
	}
	_ = db.store.Release(h, false)

	db.tables = append(db.tables, n)
	if err := db.files.Write(storage.KindDatabase, db.name, db.encodeHeader()); err != nil {
		return err
	}
	db.log.WithFields(logrus.Fields{"table": name, "owner": s.Owner}).Info("table added to catalog")
	return nil
}

// DeleteTable removes a table, its data and every link pointing at it.
func (db *Database) DeleteTable(s Session, name string) error {
	h, t, err := db.openTable(name)
	if err != nil {
		return err
	}
	if err := s.check(t, table.ActionDelete); err != nil {
		_ = db.store.Release(h, false)
		return err
	}
	if err := t.Lock().Require(s.Owner); err != nil {
		_ = db.store.Release(h, false)
		return err
	}
	defer func() { _ = t.Lock().Release(s.Owner) }()
	target := t.Name()

	for _, other := range db.Tables() {
		if other == name {
			continue
		}
		oh, ot, err := db.openTable(other)
		if err != nil {
			db.log.WithError(err).WithField("table", other).Warn("unlink on delete: skipped")
			continue
		}
		changed, err := ot.UnlinkTable(s.Owner, target)
		if err != nil {
			db.log.WithError(err).WithField("table", other).Warn("unlink on delete: skipped")
		}
		_ = db.store.Release(oh, changed)
	}

	if err := db.store.Delete(h); err != nil {
		_ = db.store.Release(h, false)
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for i, n := range db.tables {
		if n == target {
			db.tables = append(db.tables[:i], db.tables[i+1:]...)
			break
		}
	}
	db.log.WithFields(logrus.Fields{"table": name, "owner": s.Owner}).Info("table deleted")
	return db.files.Write(storage.KindDatabase, db.name, db.encodeHeader())
}

// LinkColumns links master.masterCol to slave.slaveCol. Both columns must
// have the same width so cascades can compare their bytes.
func (db *Database) LinkColumns(s Session, master, masterCol, slave, slaveCol string, flags table.Cascade) error {
	h, t, err := db.openTable(master)
	if err != nil {
		return err
	}
	dirty := false
	defer func() { _ = db.store.Release(h, dirty) }()
	if err := s.check(t, table.ActionWrite); err != nil {
		return err
	}
	_, mc, err := t.ColumnIndex(masterCol)
	if err != nil {
		return err
	}

	sh, st, err := db.openTable(slave)
	if err != nil {
		return err
	}
	_, sc, err := st.ColumnIndex(slaveCol)
	_ = db.store.Release(sh, false)
	if err != nil {
		return err
	}
	if sc.Size != mc.Size {
		return errors.Wrapf(storage.ErrInvalidSchema, "link %s.%s(%d) -> %s.%s(%d): widths differ",
			master, masterCol, mc.Size, slave, slaveCol, sc.Size)
	}
	if err := t.LinkColumn(s.Owner, masterCol, st.Name(), slaveCol, flags); err != nil {
		return err
	}
	dirty = true
	return nil
}

func (db *Database) UnlinkColumns(s Session, master, masterCol, slave, slaveCol string) error {
	h, t, err := db.openTable(master)
	if err != nil {
		return err
	}
	dirty := false
	defer func() { _ = db.store.Release(h, dirty) }()
	if err := s.check(t, table.ActionWrite); err != nil {
		return err
	}
	sn, err := storage.ParseName(slave)
	if err != nil {
		return errors.Wrapf(storage.ErrNotFound, "table %q", slave)
	}
	if err := t.Unlink(s.Owner, masterCol, sn, slaveCol); err != nil {
		return err
	}
	dirty = true
	return nil
}

// MigrateTable copies the live rows of src into dst. mapping names the
// source column of each destination column that is not matched by name.
// Rows are checked like appends; a row that breaks the signature or a
// primary key of dst stops the copy, and the rows before it stay until
// rollback.
func (db *Database) MigrateTable(s Session, src, dst string, mapping map[string]string) (int, error) {
	sh, st, err := db.openTable(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = db.store.Release(sh, false) }()
	dh, dt, err := db.openTable(dst)
	if err != nil {
		return 0, err
	}
	if err := s.check(st, table.ActionRead); err != nil {
		_ = db.store.Release(dh, false)
		return 0, err
	}
	if err := s.check(dt, table.ActionWrite); err != nil {
		_ = db.store.Release(dh, false)
		return 0, err
	}
	if err := dt.Lock().Require(s.Owner); err != nil {
		_ = db.store.Release(dh, false)
		return 0, err
	}
	n, err := table.Migrate(s.Owner, st, dt, mapping, func(row []byte) error {
		return checkUnique(dt, row, -1)
	})
	_ = dt.Lock().Release(s.Owner)
	_ = db.store.Release(dh, n > 0)
	if err != nil {
		return n, err
	}
	db.log.WithFields(logrus.Fields{"src": src, "dst": dst, "rows": n}).Info("table migrated")
	return n, nil
}
