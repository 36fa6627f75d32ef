package page

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novastore/internal/cache"
	"github.com/tuannm99/novastore/internal/locking"
	"github.com/tuannm99/novastore/internal/storage"
)

const owner locking.Owner = 1

// newTestStore builds a page store over an in-memory filesystem.
func newTestStore(t *testing.T, checksum bool) *Store {
	t.Helper()
	files, err := storage.NewFileStore(afero.NewMemMapFs(), "/db", checksum)
	require.NoError(t, err)
	return NewStore(files, cache.New(cache.DefaultQuota, nil), locking.NewManager(50*time.Millisecond), nil)
}

func newTestPage(t *testing.T) (*Store, *Page) {
	t.Helper()
	s := newTestStore(t, true)
	h := s.Create()
	return s, Of(h)
}

func TestPage_NewIsEmpty(t *testing.T) {
	_, p := newTestPage(t)
	assert.True(t, p.IsEmpty())
	assert.Equal(t, 0, p.HighWater())

	got, err := p.GetContent(0, 4)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{storage.EmptyByte}, 4), got)
}

func TestPage_InsertReturnsOverflow(t *testing.T) {
	_, p := newTestPage(t)

	rest, err := p.InsertContent(owner, 10, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 0, rest)
	assert.Equal(t, 5, p.UsedBytes())
	assert.Equal(t, 15, p.HighWater())

	got, err := p.GetContent(10, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	rest, err = p.InsertContent(owner, ContentSize-3, []byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 3, rest)

	_, err = p.InsertContent(owner, ContentSize, []byte("x"))
	require.ErrorIs(t, err, storage.ErrOutOfBounds)
	_, err = p.InsertContent(owner, -1, []byte("x"))
	require.ErrorIs(t, err, storage.ErrOutOfBounds)
}

func TestPage_DeleteContent(t *testing.T) {
	_, p := newTestPage(t)
	_, err := p.InsertContent(owner, 0, []byte("abcdef"))
	require.NoError(t, err)

	require.NoError(t, p.DeleteContent(owner, 2, 2))
	got, err := p.GetContent(0, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', 'b', storage.EmptyByte, storage.EmptyByte, 'e', 'f'}, got)
	assert.False(t, p.Used(2))
	assert.True(t, p.Used(4))

	require.ErrorIs(t, p.DeleteContent(owner, ContentSize-1, 2), storage.ErrOutOfBounds)

	require.NoError(t, p.DeleteContent(owner, 0, 6))
	assert.True(t, p.IsEmpty())
}

func TestPage_LockedByOtherOwner(t *testing.T) {
	_, p := newTestPage(t)
	require.NoError(t, p.Lock().Require(2))

	_, err := p.InsertContent(owner, 0, []byte("x"))
	require.ErrorIs(t, err, storage.ErrLockTimeout)
	require.ErrorIs(t, p.DeleteContent(owner, 0, 1), storage.ErrLockTimeout)

	require.NoError(t, p.Lock().Release(2))
	_, err = p.InsertContent(owner, 0, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, locking.Unlocked, p.Lock().Test(owner), "lock released on exit")
}

func TestPage_FindContentAndValue(t *testing.T) {
	_, p := newTestPage(t)
	_, err := p.InsertContent(owner, 100, []byte("0001hello 0002world "))
	require.NoError(t, err)

	off, err := p.FindContent(0, []byte("0002"))
	require.NoError(t, err)
	assert.Equal(t, 110, off)

	off, err = p.FindContent(111, []byte("0"))
	require.NoError(t, err)
	assert.Equal(t, 111, off)

	_, err = p.FindContent(0, []byte("nope"))
	require.ErrorIs(t, err, storage.ErrNotFound)

	off, err = p.FindValue(0, 'w')
	require.NoError(t, err)
	assert.Equal(t, 114, off)

	_, err = p.FindContent(0, nil)
	require.ErrorIs(t, err, storage.ErrOutOfBounds)
}

func TestPage_FindIgnoresFreeBytes(t *testing.T) {
	_, p := newTestPage(t)
	// a free byte reads as EmptyByte but must never match it
	_, err := p.FindValue(0, storage.EmptyByte)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// row data may legitimately contain the EMPTY value
	_, err = p.InsertContent(owner, 5, []byte{storage.EmptyByte, storage.EndByte})
	require.NoError(t, err)
	off, err := p.FindContent(0, []byte{storage.EmptyByte, storage.EndByte})
	require.NoError(t, err)
	assert.Equal(t, 5, off)
}

func TestPage_FreeSpaceAndFit(t *testing.T) {
	_, p := newTestPage(t)
	_, err := p.InsertContent(owner, 0, bytes.Repeat([]byte("x"), 20))
	require.NoError(t, err)
	require.NoError(t, p.DeleteContent(owner, 5, 3))

	off, err := p.FreeSpace(0)
	require.NoError(t, err)
	assert.Equal(t, 5, off)

	off, err = p.FitFreeSpace(0, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, off)

	off, err = p.FitFreeSpace(0, 4)
	require.NoError(t, err)
	assert.Equal(t, 20, off)

	_, err = p.InsertContent(owner, 20, bytes.Repeat([]byte("y"), ContentSize-20))
	require.NoError(t, err)
	_, err = p.FitFreeSpace(0, 4)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = p.FitFreeSpace(0, 0)
	require.ErrorIs(t, err, storage.ErrOutOfBounds)
}

func TestPage_SetEndMarker(t *testing.T) {
	_, p := newTestPage(t)
	_, err := p.InsertContent(owner, 40, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 0, p.End())

	p.SetEndMarker()
	assert.Equal(t, 43, p.End())
}

func TestPage_SaveLoadRoundTrip(t *testing.T) {
	s, p := newTestPage(t)
	_, err := p.InsertContent(owner, 3, []byte("round trip"))
	require.NoError(t, err)
	require.NoError(t, p.DeleteContent(owner, 8, 1))
	require.NoError(t, p.Save())

	loaded, err := s.Load(p.Name())
	require.NoError(t, err)
	assert.Equal(t, p.Name(), loaded.Name())
	assert.Equal(t, p.content, loaded.content)
	assert.Equal(t, p.usedMap, loaded.usedMap)
	assert.Equal(t, p.End(), loaded.End())
	assert.Equal(t, p.Checksum(), loaded.Checksum())
}

func TestPage_IdempotentSave(t *testing.T) {
	s, p := newTestPage(t)
	_, err := p.InsertContent(owner, 0, []byte("once"))
	require.NoError(t, err)

	require.NoError(t, p.Save())
	require.NoError(t, p.Save())
	assert.Equal(t, int64(1), s.Files.Writes())

	_, err = p.InsertContent(owner, 4, []byte("!"))
	require.NoError(t, err)
	require.NoError(t, p.Save())
	assert.Equal(t, int64(2), s.Files.Writes())
}

func TestPage_SaveWithoutChecksumAlwaysWrites(t *testing.T) {
	s := newTestStore(t, false)
	p := Of(s.Create())
	require.NoError(t, p.Save())
	require.NoError(t, p.Save())
	assert.Equal(t, int64(2), s.Files.Writes())

	loaded, err := s.Load(p.Name())
	require.NoError(t, err)
	assert.True(t, loaded.IsEmpty())
}

func TestPage_CorruptFileIsNotFound(t *testing.T) {
	s, p := newTestPage(t)
	_, err := p.InsertContent(owner, 0, []byte("data"))
	require.NoError(t, err)
	require.NoError(t, p.Save())

	img := p.Encode()
	img[HeaderSize] = 'X' // content changed, checksum stale
	require.NoError(t, s.Files.Write(storage.KindPage, p.Name(), img))
	_, err = s.Load(p.Name())
	require.ErrorIs(t, err, storage.ErrNotFound)

	img = p.Encode()
	img[0] = 0
	require.NoError(t, s.Files.Write(storage.KindPage, p.Name(), img))
	_, err = s.Load(p.Name())
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.Load(storage.MustName("missing"))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_GetDeleteRemove(t *testing.T) {
	s := newTestStore(t, true)
	h := s.Create()
	p := Of(h)
	_, err := p.InsertContent(owner, 0, []byte("abc"))
	require.NoError(t, err)
	require.NoError(t, s.Release(h, true))
	require.NoError(t, s.Cache.Sync())
	require.True(t, s.Files.Exists(storage.KindPage, p.Name()))

	h2, err := s.Get(p.Name())
	require.NoError(t, err)
	require.Same(t, p, Of(h2))
	require.NoError(t, s.Delete(h2))
	assert.Nil(t, s.Cache.Find(p.Key()))
	assert.True(t, s.Files.Exists(storage.KindPage, p.Name()))
	assert.Equal(t, 1, s.Files.Pending())

	require.NoError(t, s.Files.Purge())
	assert.False(t, s.Files.Exists(storage.KindPage, p.Name()))
	assert.Zero(t, s.Files.Pending())
	_, err = s.Get(p.Name())
	require.ErrorIs(t, err, storage.ErrNotFound)

	h3 := s.Create()
	require.NoError(t, Of(h3).Save())
	require.NoError(t, s.Release(h3, false))
	require.NoError(t, s.Remove(Of(h3).Name()))
	assert.False(t, s.Files.Exists(storage.KindPage, Of(h3).Name()))
}
