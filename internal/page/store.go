package page

import (
	"github.com/sirupsen/logrus"

	"github.com/tuannm99/novastore/internal/cache"
	"github.com/tuannm99/novastore/internal/locking"
	"github.com/tuannm99/novastore/internal/storage"
)

// Store creates, loads and deletes pages through the shared cache.
type Store struct {
	Files *storage.FileStore
	Cache *cache.Manager
	Locks *locking.Manager
	Log   logrus.FieldLogger
}

func NewStore(files *storage.FileStore, c *cache.Manager, locks *locking.Manager, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{Files: files, Cache: c, Locks: locks, Log: log.WithField("layer", "page")}
}

// Of returns the page behind a handle obtained from this store.
func Of(h *cache.Handle) *Page { return h.Obj.(*Page) }

func key(name storage.Name) cache.Key {
	return cache.Key{Kind: storage.KindPage, Name: name}
}

// Create allocates an empty page under a fresh name and returns it pinned.
// The page reaches disk on its first save.
func (s *Store) Create() *cache.Handle {
	p := newPage(s.Files.NewName(storage.KindPage), s.Files, s.Locks.NewLock())
	return s.Cache.Put(p)
}

// Load reads a page from disk, bypassing the cache.
func (s *Store) Load(name storage.Name) (*Page, error) {
	data, err := s.Files.Read(storage.KindPage, name)
	if err != nil {
		return nil, err
	}
	return decode(name, data, s.Files, s.Locks.NewLock())
}

// Get returns the page pinned, loading it on a cache miss.
func (s *Store) Get(name storage.Name) (*cache.Handle, error) {
	return s.Cache.Get(key(name), func() (cache.Object, error) {
		return s.Load(name)
	})
}

// Release unpins a page; dirty marks that it was modified.
func (s *Store) Release(h *cache.Handle, dirty bool) error {
	return s.Cache.Release(h, dirty)
}

// Delete forgets a page that the caller holds and emptied. Its file is kept
// until the next Files.Purge, so a rollback still finds the committed page.
func (s *Store) Delete(h *cache.Handle) error {
	name := Of(h).Name()
	s.Cache.Discard(h)
	s.Files.RemoveLater(storage.KindPage, name)
	s.Log.WithField("page", name.String()).Debug("page removal queued")
	return nil
}

// Remove deletes a page by name without loading it.
func (s *Store) Remove(name storage.Name) error {
	s.Cache.Drop(key(name))
	return s.Files.Remove(storage.KindPage, name)
}
