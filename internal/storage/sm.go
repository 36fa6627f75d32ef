package storage

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tuannm99/novastore/internal/alias/util"
)

// FileStore maps an object (kind, name) -> one file under Dir.
// Every write is synced before it returns.
type FileStore struct {
	fs  afero.Fs
	dir string

	// Checksum enables the save-skip optimisation of the object codecs.
	Checksum bool

	writes  atomic.Int64
	removes atomic.Int64

	// files of deleted objects, unlinked by Purge
	mu      sync.Mutex
	pending map[fileKey]struct{}
}

type fileKey struct {
	kind Kind
	name Name
}

func NewFileStore(fs afero.Fs, dir string, checksum bool) (*FileStore, error) {
	if err := fs.MkdirAll(dir, FileMode0755); err != nil {
		return nil, errors.Wrapf(ErrIOFailure, "mkdir %s: %v", dir, err)
	}
	return &FileStore{fs: fs, dir: dir, Checksum: checksum, pending: make(map[fileKey]struct{})}, nil
}

// NewOsFileStore is NewFileStore over the real filesystem.
func NewOsFileStore(dir string, checksum bool) (*FileStore, error) {
	return NewFileStore(afero.NewOsFs(), dir, checksum)
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(kind Kind, name Name) string {
	return filepath.Join(s.dir, name.String()+"."+kind.Ext())
}

// Read returns the whole file of an object. A missing file is ErrNotFound.
func (s *FileStore) Read(kind Kind, name Name) ([]byte, error) {
	f, err := s.fs.Open(s.path(kind, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s %s", kind, name)
		}
		return nil, errors.Wrapf(ErrIOFailure, "open %s %s: %v", kind, name, err)
	}
	defer util.CloseFileFunc(f)

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(ErrIOFailure, "read %s %s: %v", kind, name, err)
	}
	return data, nil
}

// Write replaces the file of an object with data and fsyncs it.
func (s *FileStore) Write(kind Kind, name Name, data []byte) error {
	f, err := s.fs.OpenFile(s.path(kind, name), os.O_RDWR|os.O_CREATE|os.O_TRUNC, FileMode0644)
	if err != nil {
		return errors.Wrapf(ErrIOFailure, "open %s %s: %v", kind, name, err)
	}
	defer util.CloseFileFunc(f)

	n, err := f.Write(data)
	if err != nil {
		return errors.Wrapf(ErrIOFailure, "write %s %s: %v", kind, name, err)
	}
	if n != len(data) {
		return errors.Wrapf(ErrIOFailure, "write %s %s: %v", kind, name, io.ErrShortWrite)
	}
	if err := f.Sync(); err != nil {
		return errors.Wrapf(ErrIOFailure, "sync %s %s: %v", kind, name, err)
	}
	s.writes.Add(1)
	return nil
}

// Remove deletes the file of an object. Removing a missing file is not an error.
func (s *FileStore) Remove(kind Kind, name Name) error {
	err := s.fs.Remove(s.path(kind, name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(ErrIOFailure, "remove %s %s: %v", kind, name, err)
	}
	s.removes.Add(1)
	return nil
}

// RemoveLater queues the file of a deleted object. The file stays on disk
// until Purge so that the last committed state remains readable.
func (s *FileStore) RemoveLater(kind Kind, name Name) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[fileKey{kind, name}] = struct{}{}
}

// Pending is the number of queued removals.
func (s *FileStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Purge removes every queued file. Entries that fail stay queued.
func (s *FileStore) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for k := range s.pending {
		if err := s.Remove(k.kind, k.name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(s.pending, k)
	}
	return firstErr
}

// ForgetPending drops the queue without touching the files.
func (s *FileStore) ForgetPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.pending)
}

func (s *FileStore) isPending(kind Kind, name Name) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[fileKey{kind, name}]
	return ok
}

func (s *FileStore) Exists(kind Kind, name Name) bool {
	ok, err := afero.Exists(s.fs, s.path(kind, name))
	return err == nil && ok
}

// NewName returns a random name not used by any object of kind on disk.
func (s *FileStore) NewName(kind Kind) Name {
	for {
		n := RandomName()
		if !s.Exists(kind, n) && !s.isPending(kind, n) {
			return n
		}
	}
}

// Writes is the number of successful Write calls.
func (s *FileStore) Writes() int64 { return s.writes.Load() }

// Removes is the number of Remove calls.
func (s *FileStore) Removes() int64 { return s.removes.Load() }

// Checksum32 is the digest stored in page, directory and table headers.
// The caller zeroes the checksum field before hashing.
func Checksum32(b []byte) uint32 {
	return xxhash.Checksum32(b)
}

// CheckMagic validates the first byte of an encoded object.
func CheckMagic(kind Kind, name Name, data []byte, minLen int) error {
	if len(data) < minLen || data[0] != kind.Magic() {
		return errors.Wrapf(ErrNotFound, "%s %s: bad magic or short file", kind, name)
	}
	return nil
}
