package page

import (
	"github.com/pkg/errors"

	"github.com/tuannm99/novastore/internal/alias/bx"
	"github.com/tuannm99/novastore/internal/locking"
	"github.com/tuannm99/novastore/internal/storage"
)

// Header offsets
const (
	offMagic    = 0
	offName     = 1
	offChecksum = 9
	offEnd      = 13
	HeaderSize  = 15

	FileSize = HeaderSize + ContentSize + mapSize
)

// encode serialises the page with the checksum field zeroed. Must hold latch.
func (p *Page) encode() []byte {
	buf := make([]byte, FileSize)
	buf[offMagic] = storage.KindPage.Magic()
	copy(buf[offName:], p.name[:])
	bx.PutU16At(buf, offEnd, p.end)
	copy(buf[HeaderSize:], p.content[:])
	copy(buf[HeaderSize+ContentSize:], p.usedMap[:])
	return buf
}

// Encode returns the on-disk image of the page with its checksum filled in.
func (p *Page) Encode() []byte {
	p.latch.RLock()
	defer p.latch.RUnlock()
	buf := p.encode()
	bx.PutU32At(buf, offChecksum, storage.Checksum32(buf))
	return buf
}

// Checksum is the digest of the current in-memory state.
func (p *Page) Checksum() uint32 {
	p.latch.RLock()
	defer p.latch.RUnlock()
	return storage.Checksum32(p.encode())
}

// Save writes the page to its file. With checksums enabled a page whose
// digest matches the last persisted one is not written again.
func (p *Page) Save() error {
	p.SetEndMarker()

	p.latch.Lock()
	defer p.latch.Unlock()

	buf := p.encode()
	var sum uint32
	if p.files.Checksum {
		sum = storage.Checksum32(buf)
		if p.persisted && sum == p.checksum {
			return nil
		}
		bx.PutU32At(buf, offChecksum, sum)
	}
	if err := p.files.Write(storage.KindPage, p.name, buf); err != nil {
		return err
	}
	p.checksum = sum
	p.persisted = true
	return nil
}

// decode parses a page file. Any inconsistency is reported as ErrNotFound.
func decode(name storage.Name, data []byte, files *storage.FileStore, lock *locking.Lock) (*Page, error) {
	if err := storage.CheckMagic(storage.KindPage, name, data, FileSize); err != nil {
		return nil, err
	}
	if len(data) != FileSize || storage.ReadName(data[offName:]) != name {
		return nil, errors.Wrapf(storage.ErrNotFound, "page %s: bad header", name)
	}

	sum := bx.U32At(data, offChecksum)
	if sum != 0 {
		check := make([]byte, len(data))
		copy(check, data)
		bx.PutU32At(check, offChecksum, 0)
		if storage.Checksum32(check) != sum {
			return nil, errors.Wrapf(storage.ErrNotFound, "page %s: checksum mismatch", name)
		}
	}

	p := &Page{name: name, files: files, lock: lock, checksum: sum, persisted: true}
	p.end = bx.U16At(data, offEnd)
	copy(p.content[:], data[HeaderSize:HeaderSize+ContentSize])
	copy(p.usedMap[:], data[HeaderSize+ContentSize:])

	if int(p.end) > ContentSize || p.highWater() != int(p.end) {
		return nil, errors.Wrapf(storage.ErrNotFound, "page %s: end marker %d does not match content", name, p.end)
	}
	for i := 0; i < ContentSize; i++ {
		if !p.isUsed(i) {
			p.content[i] = storage.EmptyByte
		}
	}
	return p, nil
}
