package table

import (
	"github.com/pkg/errors"

	"github.com/tuannm99/novastore/internal/alias/bx"
	"github.com/tuannm99/novastore/internal/storage"
)

// Table file layout:
//
//	magic:1 | name:8 | access:1 | row_count:4 | column_count:2 |
//	link_count:2 | dir_count:2 | checksum:4
//	columns: magic:1 | name:16 | size:2 | type:1 | module:16 | query_len:2 | query
//	links:   magic:1 | master:16 | slave_table:8 | slave_column:16 | flags:1
//	directory names: 8 each
const (
	offChecksum = 20
	HeaderSize  = 24
)

func (t *Table) encode() []byte {
	t.latch.RLock()
	defer t.latch.RUnlock()

	w := bx.Writer{Buf: make([]byte, 0, HeaderSize+len(t.columns)*40+len(t.links)*42+len(t.dirs)*storage.NameSize)}
	w.U8(storage.KindTable.Magic())
	w.Bytes(t.name[:])
	w.U8(byte(t.access))
	w.U32(t.rowCount)
	w.U16(uint16(len(t.columns)))
	w.U16(uint16(len(t.links)))
	w.U16(uint16(len(t.dirs)))
	w.U32(0)

	for _, c := range t.columns {
		w.U8(storage.MagicColumn)
		w.Fixed(c.Name, storage.ColumnNameSize)
		w.U16(c.Size)
		w.U8(c.TypeByte())
		w.Fixed(c.Module, storage.ModuleNameSize)
		w.U16(uint16(len(c.Query)))
		w.Bytes([]byte(c.Query))
	}
	for _, l := range t.links {
		w.U8(storage.MagicLink)
		w.Fixed(l.Master, storage.ColumnNameSize)
		w.Bytes(l.SlaveTable[:])
		w.Fixed(l.SlaveColumn, storage.ColumnNameSize)
		w.U8(byte(l.Flags))
	}
	for _, n := range t.dirs {
		w.Bytes(n[:])
	}
	return w.Buf
}

// Encode returns the on-disk image with its checksum filled in.
func (t *Table) Encode() []byte {
	buf := t.encode()
	bx.PutU32At(buf, offChecksum, storage.Checksum32(buf))
	return buf
}

// Save writes the table file, skipping the write when checksums are on and
// nothing changed since the last save.
func (t *Table) Save() error {
	t.trimHoles()
	buf := t.encode()

	files := t.store.Files
	var sum uint32
	if files.Checksum {
		sum = storage.Checksum32(buf)
		if t.persisted && sum == t.checksum {
			return nil
		}
		bx.PutU32At(buf, offChecksum, sum)
	}
	if err := files.Write(storage.KindTable, t.name, buf); err != nil {
		return err
	}
	t.checksum = sum
	t.persisted = true
	return nil
}

func corrupt(name storage.Name, what string) error {
	return errors.Wrapf(storage.ErrNotFound, "table %s: %s", name, what)
}

func decode(name storage.Name, data []byte, s *Store) (*Table, error) {
	if err := storage.CheckMagic(storage.KindTable, name, data, HeaderSize); err != nil {
		return nil, err
	}
	r := bx.Reader{Buf: data, Off: 1}
	if storage.ReadName(r.Bytes(storage.NameSize)) != name {
		return nil, corrupt(name, "name mismatch")
	}
	t := &Table{name: name, store: s, lock: s.Locks.NewLock(), persisted: true}
	t.access = Access(r.U8())
	t.rowCount = r.U32()
	ncols, nlinks, ndirs := int(r.U16()), int(r.U16()), int(r.U16())
	t.checksum = r.U32()

	if t.checksum != 0 {
		check := make([]byte, len(data))
		copy(check, data)
		bx.PutU32At(check, offChecksum, 0)
		if storage.Checksum32(check) != t.checksum {
			return nil, corrupt(name, "checksum mismatch")
		}
	}
	if ndirs > storage.MaxListLen {
		return nil, corrupt(name, "too many directories")
	}

	t.columns = make([]Column, ncols)
	for i := range t.columns {
		if r.U8() != storage.MagicColumn {
			return nil, corrupt(name, "bad column magic")
		}
		c := &t.columns[i]
		c.Name = r.Fixed(storage.ColumnNameSize)
		c.Size = r.U16()
		c.setTypeByte(r.U8())
		c.Module = r.Fixed(storage.ModuleNameSize)
		c.Query = string(r.Bytes(int(r.U16())))
	}
	t.links = make([]Link, nlinks)
	for i := range t.links {
		if r.U8() != storage.MagicLink {
			return nil, corrupt(name, "bad link magic")
		}
		l := &t.links[i]
		l.Master = r.Fixed(storage.ColumnNameSize)
		l.SlaveTable = storage.ReadName(r.Bytes(storage.NameSize))
		l.SlaveColumn = r.Fixed(storage.ColumnNameSize)
		l.Flags = Cascade(r.U8())
	}
	t.dirs = make([]storage.Name, ndirs)
	for i := range t.dirs {
		t.dirs[i] = storage.ReadName(r.Bytes(storage.NameSize))
	}
	if r.Err() || r.Remaining() != 0 {
		return nil, corrupt(name, "truncated or trailing bytes")
	}
	if t.rowSize() == 0 || t.rowSize() >= storage.PageContentSize {
		return nil, corrupt(name, "bad row size")
	}
	return t, nil
}
