package table

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tuannm99/novastore/internal/cache"
	"github.com/tuannm99/novastore/internal/directory"
	"github.com/tuannm99/novastore/internal/locking"
	"github.com/tuannm99/novastore/internal/storage"
)

// Store creates, loads and deletes tables. Tables are named by their
// creator; pages and directories below them get random names.
type Store struct {
	Files *storage.FileStore
	Cache *cache.Manager
	Locks *locking.Manager
	Dirs  *directory.Store
	Log   logrus.FieldLogger
}

func NewStore(dirs *directory.Store, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		Files: dirs.Files,
		Cache: dirs.Cache,
		Locks: dirs.Locks,
		Dirs:  dirs,
		Log:   log.WithField("layer", "table"),
	}
}

// Of returns the table behind a handle obtained from this store.
func Of(h *cache.Handle) *Table { return h.Obj.(*Table) }

func key(name storage.Name) cache.Key {
	return cache.Key{Kind: storage.KindTable, Name: name}
}

// Create validates the schema, writes the new table file and returns the
// table pinned.
func (s *Store) Create(name storage.Name, access Access, columns []Column) (*cache.Handle, error) {
	if s.Files.Exists(storage.KindTable, name) || s.Cache.Find(key(name)) != nil {
		return nil, errors.Wrapf(storage.ErrInvalidSchema, "table %s already exists", name)
	}
	t, err := newTable(name, access, columns)
	if err != nil {
		return nil, err
	}
	t.store = s
	t.lock = s.Locks.NewLock()
	if err := t.Save(); err != nil {
		return nil, err
	}
	s.Log.WithFields(logrus.Fields{"table": name.String(), "row_size": t.rowSize()}).Info("table created")
	return s.Cache.Put(t), nil
}

// Load reads a table file, bypassing the cache.
func (s *Store) Load(name storage.Name) (*Table, error) {
	data, err := s.Files.Read(storage.KindTable, name)
	if err != nil {
		return nil, err
	}
	return decode(name, data, s)
}

// Get returns the table pinned, loading it on a cache miss.
func (s *Store) Get(name storage.Name) (*cache.Handle, error) {
	return s.Cache.Get(key(name), func() (cache.Object, error) {
		return s.Load(name)
	})
}

func (s *Store) Release(h *cache.Handle, dirty bool) error {
	return s.Cache.Release(h, dirty)
}

// Delete removes a held table with all of its directories and pages.
func (s *Store) Delete(h *cache.Handle) error {
	t := Of(h)
	for _, n := range t.DirectoryNames() {
		if n.IsZero() {
			continue
		}
		if err := s.Dirs.Remove(n); err != nil {
			return err
		}
	}
	s.Cache.Discard(h)
	s.Log.WithField("table", t.name.String()).Info("table removed")
	return s.Files.Remove(storage.KindTable, t.name)
}

// Remove deletes a table by name. A table whose file is gone is ignored.
func (s *Store) Remove(name storage.Name) error {
	h, err := s.Get(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.Cache.Drop(key(name))
			return nil
		}
		return err
	}
	return s.Delete(h)
}
