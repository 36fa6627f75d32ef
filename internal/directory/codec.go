package directory

import (
	"github.com/pkg/errors"

	"github.com/tuannm99/novastore/internal/alias/bx"
	"github.com/tuannm99/novastore/internal/storage"
)

// Directory file layout:
//
//	magic:1 | name:8 | checksum:4 | page_count:2 | page names:8*page_count
const (
	offMagic    = 0
	offName     = 1
	offChecksum = 9
	offCount    = 13
	HeaderSize  = 15
)

// encode serialises the directory with the checksum field zeroed.
func (d *Directory) encode() []byte {
	d.latch.RLock()
	defer d.latch.RUnlock()

	w := bx.Writer{Buf: make([]byte, 0, HeaderSize+len(d.pages)*storage.NameSize)}
	w.U8(storage.KindDirectory.Magic())
	w.Bytes(d.name[:])
	w.U32(0)
	w.U16(uint16(len(d.pages)))
	for _, n := range d.pages {
		w.Bytes(n[:])
	}
	return w.Buf
}

// Encode returns the on-disk image with its checksum filled in.
func (d *Directory) Encode() []byte {
	buf := d.encode()
	bx.PutU32At(buf, offChecksum, storage.Checksum32(buf))
	return buf
}

// Save writes the directory file, skipping the write when checksums are on
// and nothing changed since the last save.
func (d *Directory) Save() error {
	d.trimHoles()
	buf := d.encode()

	files := d.store.Files
	var sum uint32
	if files.Checksum {
		sum = storage.Checksum32(buf)
		if d.persisted && sum == d.checksum {
			return nil
		}
		bx.PutU32At(buf, offChecksum, sum)
	}
	if err := files.Write(storage.KindDirectory, d.name, buf); err != nil {
		return err
	}
	d.checksum = sum
	d.persisted = true
	return nil
}

func decode(name storage.Name, data []byte, s *Store) (*Directory, error) {
	if err := storage.CheckMagic(storage.KindDirectory, name, data, HeaderSize); err != nil {
		return nil, err
	}
	r := bx.Reader{Buf: data, Off: offName}
	if storage.ReadName(r.Bytes(storage.NameSize)) != name {
		return nil, errors.Wrapf(storage.ErrNotFound, "directory %s: name mismatch", name)
	}
	sum := r.U32()
	count := int(r.U16())
	if count > storage.MaxListLen || r.Remaining() != count*storage.NameSize {
		return nil, errors.Wrapf(storage.ErrNotFound, "directory %s: bad page count %d", name, count)
	}
	if sum != 0 {
		check := make([]byte, len(data))
		copy(check, data)
		bx.PutU32At(check, offChecksum, 0)
		if storage.Checksum32(check) != sum {
			return nil, errors.Wrapf(storage.ErrNotFound, "directory %s: checksum mismatch", name)
		}
	}

	d := &Directory{
		name:      name,
		pages:     make([]storage.Name, count),
		checksum:  sum,
		persisted: true,
		lock:      s.Locks.NewLock(),
		store:     s,
	}
	for i := range d.pages {
		d.pages[i] = storage.ReadName(r.Bytes(storage.NameSize))
	}
	if r.Err() {
		return nil, errors.Wrapf(storage.ErrNotFound, "directory %s: truncated", name)
	}
	return d, nil
}
