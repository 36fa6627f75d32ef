package engine

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/tuannm99/novastore/internal/cache"
	"github.com/tuannm99/novastore/internal/directory"
	"github.com/tuannm99/novastore/internal/locking"
	"github.com/tuannm99/novastore/internal/module"
	"github.com/tuannm99/novastore/internal/page"
	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/table"
)

var ErrDatabaseClosed = errors.New("novastore: database is closed")

// Options configures a database instance.
type Options struct {
	// Fs defaults to the OS filesystem.
	Fs      afero.Fs
	Workdir string
	Name    string

	Checksum    bool
	Quota       cache.Quota
	LockTimeout time.Duration

	// Runner executes computed-column modules. Nil disables them.
	Runner module.Runner
	Log    logrus.FieldLogger
}

// Database is a named catalog of at most 255 tables and the entry point for
// row operations. Every database owns its cache, so several can live in one
// process.
type Database struct {
	name storage.Name

	mu     sync.RWMutex // guards tables and closed
	tables []storage.Name
	closed bool

	files  *storage.FileStore
	cache  *cache.Manager
	locks  *locking.Manager
	pages  *page.Store
	dirs   *directory.Store
	store  *table.Store
	runner module.Runner
	log    logrus.FieldLogger
}

func newDatabase(opts Options) (*Database, error) {
	name, err := storage.ParseName(opts.Name)
	if err != nil {
		return nil, err
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("database", name.String())

	files, err := storage.NewFileStore(fs, filepath.Join(opts.Workdir, name.String()), opts.Checksum)
	if err != nil {
		return nil, err
	}
	c := cache.New(opts.Quota, log)
	locks := locking.NewManager(opts.LockTimeout)
	pages := page.NewStore(files, c, locks, log)
	dirs := directory.NewStore(pages, log)

	return &Database{
		name:   name,
		files:  files,
		cache:  c,
		locks:  locks,
		pages:  pages,
		dirs:   dirs,
		store:  table.NewStore(dirs, log),
		runner: opts.Runner,
		log:    log,
	}, nil
}

// Create makes a new, empty database on disk.
func Create(opts Options) (*Database, error) {
	db, err := newDatabase(opts)
	if err != nil {
		return nil, err
	}
	if db.files.Exists(storage.KindDatabase, db.name) {
		return nil, errors.Wrapf(storage.ErrInvalidSchema, "database %s already exists", db.name)
	}
	if err := db.saveHeader(); err != nil {
		return nil, err
	}
	db.log.Info("database created")
	return db, nil
}

// Open loads an existing database header. Tables load lazily.
func Open(opts Options) (*Database, error) {
	db, err := newDatabase(opts)
	if err != nil {
		return nil, err
	}
	if err := db.loadHeader(); err != nil {
		return nil, err
	}
	db.log.WithField("tables", len(db.tables)).Info("database opened")
	return db, nil
}

// OpenOrCreate opens the database, creating it when it does not exist.
func OpenOrCreate(opts Options) (*Database, error) {
	db, err := Open(opts)
	if errors.Is(err, storage.ErrNotFound) {
		return Create(opts)
	}
	return db, err
}

func (db *Database) Name() string { return db.name.String() }

// NewSession returns a session with a fresh lock owner id.
func (db *Database) NewSession(level table.Level) Session {
	return Session{Owner: db.locks.NextOwner(), Level: level}
}

func (db *Database) CacheStats() cache.Stats { return db.cache.Stats() }

func (db *Database) checkOpen() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	return nil
}

// Commit saves every cached object that is not locked by a session, then
// the catalog. Files of emptied pages and directories are unlinked only once
// every cached object was saved, since a skipped parent may still name them.
func (db *Database) Commit() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	start := time.Now()
	skipped, err := db.cache.Checkpoint()
	if err != nil {
		return err
	}
	if err := db.saveHeader(); err != nil {
		return err
	}
	if skipped == 0 {
		if err := db.files.Purge(); err != nil {
			return err
		}
	} else {
		db.log.WithFields(logrus.Fields{"skipped": skipped, "pending": db.files.Pending()}).
			Debug("commit: removals kept for a later commit")
	}
	db.log.WithField("elapsed", time.Since(start)).Debug("commit")
	return nil
}

// Rollback forgets all cached state and reloads the catalog from disk.
// Changes that already reached disk through eviction stay.
func (db *Database) Rollback() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.files.ForgetPending()
	db.cache.DropAll()
	if err := db.loadHeader(); err != nil {
		return err
	}
	db.log.Debug("rollback")
	return nil
}

// Close commits and releases the cache.
func (db *Database) Close() error {
	if err := db.Commit(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.cache.DropAll()
	db.closed = true
	db.log.Info("database closed")
	return nil
}

// Drop deletes every table and the database file.
func (db *Database) Drop() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, n := range db.tables {
		if err := db.store.Remove(n); err != nil {
			return err
		}
	}
	db.tables = nil
	db.cache.DropAll()
	if err := db.files.Purge(); err != nil {
		return err
	}
	db.closed = true
	if err := db.files.Remove(storage.KindDatabase, db.name); err != nil {
		return err
	}
	db.log.Info("database dropped")
	return nil
}
