package directory

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tuannm99/novastore/internal/cache"
	"github.com/tuannm99/novastore/internal/locking"
	"github.com/tuannm99/novastore/internal/page"
	"github.com/tuannm99/novastore/internal/storage"
)

// Store creates, loads and deletes directories. Pages are reached through
// the page store sharing the same cache.
type Store struct {
	Files *storage.FileStore
	Cache *cache.Manager
	Locks *locking.Manager
	Pages *page.Store
	Log   logrus.FieldLogger
}

func NewStore(pages *page.Store, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		Files: pages.Files,
		Cache: pages.Cache,
		Locks: pages.Locks,
		Pages: pages,
		Log:   log.WithField("layer", "directory"),
	}
}

// Of returns the directory behind a handle obtained from this store.
func Of(h *cache.Handle) *Directory { return h.Obj.(*Directory) }

func key(name storage.Name) cache.Key {
	return cache.Key{Kind: storage.KindDirectory, Name: name}
}

// Create allocates an empty directory and returns it pinned.
func (s *Store) Create() *cache.Handle {
	d := &Directory{
		name:  s.Files.NewName(storage.KindDirectory),
		lock:  s.Locks.NewLock(),
		store: s,
	}
	return s.Cache.Put(d)
}

// Load reads a directory file, bypassing the cache.
func (s *Store) Load(name storage.Name) (*Directory, error) {
	data, err := s.Files.Read(storage.KindDirectory, name)
	if err != nil {
		return nil, err
	}
	return decode(name, data, s)
}

// Get returns the directory pinned, loading it on a cache miss.
func (s *Store) Get(name storage.Name) (*cache.Handle, error) {
	return s.Cache.Get(key(name), func() (cache.Object, error) {
		return s.Load(name)
	})
}

func (s *Store) Release(h *cache.Handle, dirty bool) error {
	return s.Cache.Release(h, dirty)
}

// Delete forgets a held directory that lost all of its pages. Its file is
// removed by the next Files.Purge.
func (s *Store) Delete(h *cache.Handle) error {
	return s.delete(h, true)
}

func (s *Store) delete(h *cache.Handle, later bool) error {
	d := Of(h)
	for _, n := range d.PageNames() {
		if n.IsZero() {
			continue
		}
		if later {
			s.Cache.Drop(cache.Key{Kind: storage.KindPage, Name: n})
			s.Files.RemoveLater(storage.KindPage, n)
			continue
		}
		if err := s.Pages.Remove(n); err != nil {
			_ = s.Cache.Release(h, false)
			return err
		}
	}
	s.Cache.Discard(h)
	if later {
		s.Files.RemoveLater(storage.KindDirectory, d.name)
		s.Log.WithField("directory", d.name.String()).Debug("directory removal queued")
		return nil
	}
	s.Log.WithField("directory", d.name.String()).Debug("directory removed")
	return s.Files.Remove(storage.KindDirectory, d.name)
}

// Remove deletes a directory by name along with its pages, right away.
// A directory whose file is already gone is ignored.
func (s *Store) Remove(name storage.Name) error {
	h, err := s.Get(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.Cache.Drop(key(name))
			return nil
		}
		return err
	}
	return s.delete(h, false)
}
