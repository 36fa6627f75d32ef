package table

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novastore/internal/cache"
	"github.com/tuannm99/novastore/internal/directory"
	"github.com/tuannm99/novastore/internal/locking"
	"github.com/tuannm99/novastore/internal/module"
	"github.com/tuannm99/novastore/internal/page"
	"github.com/tuannm99/novastore/internal/storage"
)

const owner locking.Owner = 1

func newTestStore(t *testing.T) *Store {
	t.Helper()
	files, err := storage.NewFileStore(afero.NewMemMapFs(), "/db", true)
	require.NoError(t, err)
	pages := page.NewStore(files, cache.New(cache.DefaultQuota, nil), locking.NewManager(50*time.Millisecond), nil)
	return NewStore(directory.NewStore(pages, nil), nil)
}

func userColumns() []Column {
	return []Column{
		{Name: "id", Size: 4, Type: TypeInt, Primary: true},
		{Name: "name", Size: 6, Type: TypeString},
	}
}

func newTestTable(t *testing.T, name string, cols []Column) (*Store, *Table) {
	t.Helper()
	s := newTestStore(t)
	h, err := s.Create(storage.MustName(name), FullAccess, cols)
	require.NoError(t, err)
	return s, Of(h)
}

func TestTable_SchemaValidation(t *testing.T) {
	s := newTestStore(t)
	cases := map[string][]Column{
		"no columns":    nil,
		"row too wide":  {{Name: "a", Size: 1000}, {Name: "b", Size: 24}},
		"duplicate":     {{Name: "a", Size: 1}, {Name: "a", Size: 1}},
		"long name":     {{Name: "seventeen_chars__", Size: 1}},
		"zero size":     {{Name: "a"}},
		"autoinc text":  {{Name: "a", Size: 2, Type: TypeString, AutoIncrement: true}},
		"module phase":  {{Name: "a", Size: 2, Module: "m"}},
		"module length": {{Name: "a", Size: 2, Module: "a_very_long_module", Phase: PhasePreload}},
	}
	for name, cols := range cases {
		_, err := s.Create(storage.MustName("t"), FullAccess, cols)
		require.ErrorIs(t, err, storage.ErrInvalidSchema, name)
	}

	_, err := s.Create(storage.MustName("t"), FullAccess, []Column{{Name: "a", Size: 1023}})
	require.NoError(t, err, "row size just below a page")
	_, err = s.Create(storage.MustName("t"), FullAccess, userColumns())
	require.ErrorIs(t, err, storage.ErrInvalidSchema, "name taken")
}

func TestColumn_TypeByte(t *testing.T) {
	c := Column{Type: TypeInt, Primary: true, AutoIncrement: true, Phase: PhasePostload}
	assert.Equal(t, byte(0x55), c.TypeByte())

	var back Column
	back.setTypeByte(c.TypeByte())
	assert.Equal(t, c, back)
}

func TestAccess_Permits(t *testing.T) {
	a := NewAccess(1, 2, 0)
	assert.Equal(t, Access(0x09), a)
	assert.True(t, a.Permits(ActionRead, 1))
	assert.False(t, a.Permits(ActionRead, 2))
	assert.True(t, a.Permits(ActionWrite, 2))
	assert.False(t, a.Permits(ActionWrite, 3))
	assert.True(t, a.Permits(ActionDelete, 0))
	assert.False(t, a.Permits(ActionDelete, 1))
}

func TestTable_CheckSignature(t *testing.T) {
	_, tb := newTestTable(t, "users", userColumns())
	require.NoError(t, tb.CheckSignature([]byte("0001hello ")))

	err := tb.CheckSignature([]byte("00a1hello "))
	require.ErrorIs(t, err, storage.ErrSignatureInvalid)
	var se *SignatureError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 0, se.Column)
	assert.Equal(t, "id", se.Name)

	require.ErrorIs(t, tb.CheckSignature([]byte("0001")), storage.ErrSignatureInvalid)

	_, ft := newTestTable(t, "prices", []Column{{Name: "p", Size: 5, Type: TypeFloat}})
	require.NoError(t, ft.CheckSignature([]byte("012.5")))
	require.ErrorIs(t, ft.CheckSignature([]byte("1.2.3")), storage.ErrSignatureInvalid)
}

func TestTable_RowGrid(t *testing.T) {
	_, tb := newTestTable(t, "grid", []Column{{Name: "a", Size: 7}})
	perDir := Capacity / 7
	assert.Equal(t, perDir, tb.RowsPerDir())

	off, err := tb.RowOffset(perDir)
	require.NoError(t, err)
	assert.Equal(t, Capacity, off, "rows never straddle a directory")

	row, within := tb.OffsetRow(Capacity + 7*2 + 3)
	assert.Equal(t, perDir+2, row)
	assert.Equal(t, 3, within)

	row, _ = tb.OffsetRow(perDir * 7)
	assert.Equal(t, -1, row, "directory tail holds no row")

	_, err = tb.RowOffset(perDir * storage.MaxListLen)
	require.ErrorIs(t, err, storage.ErrOutOfBounds)
}

func TestTable_AppendReadErase(t *testing.T) {
	_, tb := newTestTable(t, "users", userColumns())

	for i := 0; i < 103; i++ {
		idx, err := tb.AppendRow(owner, []byte("0000abcdef"))
		require.NoError(t, err)
		require.Equal(t, i, idx)
	}
	got, err := tb.ReadRow(102)
	require.NoError(t, err)
	assert.Equal(t, []byte("0000abcdef"), got, "row across the page boundary")

	require.NoError(t, tb.EraseRow(owner, 5))
	got, err = tb.ReadRow(5)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{storage.EmptyByte}, 10), got)
	live, err := tb.RowLive(5)
	require.NoError(t, err)
	assert.False(t, live)

	idx, err := tb.AppendRow(owner, []byte("0005again "))
	require.NoError(t, err)
	assert.Equal(t, 5, idx, "freed slot reused")

	slots, err := tb.Slots()
	require.NoError(t, err)
	assert.Equal(t, 103, slots)

	_, err = tb.AppendRow(owner, []byte("short"))
	require.ErrorIs(t, err, storage.ErrSignatureInvalid)
}

func TestTable_GrowsIntoNewDirectory(t *testing.T) {
	_, tb := newTestTable(t, "wide", []Column{{Name: "blob", Size: 1000}})
	row := bytes.Repeat([]byte("w"), 1000)
	perDir := tb.RowsPerDir()

	for i := 0; i < perDir; i++ {
		_, err := tb.AppendRow(owner, row)
		require.NoError(t, err)
	}
	require.Len(t, tb.DirectoryNames(), 1)

	idx, err := tb.AppendRow(owner, row)
	require.NoError(t, err)
	assert.Equal(t, perDir, idx)
	assert.Len(t, tb.DirectoryNames(), 2)

	off, err := tb.FindContent(0, []byte("ww"))
	require.NoError(t, err)
	assert.Equal(t, 0, off)

	n, err := tb.Len()
	require.NoError(t, err)
	assert.Equal(t, Capacity+1000, n)

	// emptying the last directory removes it
	require.NoError(t, tb.EraseRow(owner, perDir))
	assert.Len(t, tb.DirectoryNames(), 1)
}

func TestTable_AddDirectoryCapacity(t *testing.T) {
	s, tb := newTestTable(t, "many", userColumns())
	for i := 0; i < storage.MaxListLen; i++ {
		h, err := tb.AddDirectory(owner)
		require.NoError(t, err)
		require.NoError(t, s.Dirs.Release(h, false))
	}
	_, err := tb.AddDirectory(owner)
	require.ErrorIs(t, err, storage.ErrCapacityExceeded)
}

func TestTable_FindContent(t *testing.T) {
	_, tb := newTestTable(t, "users", userColumns())
	for _, r := range []string{"0001alpha ", "0002beta  ", "0003gamma "} {
		_, err := tb.AppendRow(owner, []byte(r))
		require.NoError(t, err)
	}
	off, err := tb.FindContent(0, []byte("0003"))
	require.NoError(t, err)
	assert.Equal(t, 20, off)

	off, err = tb.FindValue(0, 'g')
	require.NoError(t, err)
	assert.Equal(t, 24, off)

	_, err = tb.FindContent(21, []byte("0003"))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTable_Links(t *testing.T) {
	_, tb := newTestTable(t, "users", userColumns())
	slave := storage.MustName("orders")

	require.ErrorIs(t, tb.LinkColumn(owner, "nope", slave, "uid", CascadeDelete), storage.ErrNotFound)
	require.NoError(t, tb.LinkColumn(owner, "id", slave, "uid", CascadeDelete))
	require.NoError(t, tb.LinkColumn(owner, "id", slave, "uid", CascadeDelete|CascadeFind))

	links := tb.Links()
	require.Len(t, links, 1)
	assert.True(t, links[0].Flags.Has(CascadeFind))

	require.ErrorIs(t, tb.Unlink(owner, "id", slave, "other"), storage.ErrNotFound)
	require.NoError(t, tb.Unlink(owner, "id", slave, "uid"))
	assert.Empty(t, tb.Links())

	require.NoError(t, tb.LinkColumn(owner, "id", slave, "uid", CascadeDelete))
	changed, err := tb.UnlinkTable(owner, slave)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, tb.Links())
}

func TestTable_ReplaceColumn(t *testing.T) {
	_, tb := newTestTable(t, "users", userColumns())
	require.NoError(t, tb.LinkColumn(owner, "name", storage.MustName("x"), "y", CascadeDelete))

	err := tb.ReplaceColumn(owner, 1, Column{Name: "title", Size: 7, Type: TypeString})
	require.ErrorIs(t, err, storage.ErrInvalidSchema)

	require.NoError(t, tb.ReplaceColumn(owner, 1, Column{Name: "title", Size: 6, Type: TypeString}))
	assert.Equal(t, "title", tb.Columns()[1].Name)
	assert.Equal(t, "title", tb.Links()[0].Master)
}

func TestTable_SaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	cols := append(userColumns(), Column{
		Name: "full", Size: 12, Type: TypeString,
		Phase: PhasePostload, Module: "concat", Query: "{name}-{id}",
	})
	h, err := s.Create(storage.MustName("users"), NewAccess(1, 2, 3), cols)
	require.NoError(t, err)
	tb := Of(h)
	require.NoError(t, tb.LinkColumn(owner, "id", storage.MustName("orders"), "uid", CascadeDelete))
	_, err = tb.AppendRow(owner, []byte("0001hello hello-0001  "))
	require.NoError(t, err)
	tb.AddRows(1)
	require.NoError(t, s.Release(h, true))
	require.NoError(t, s.Cache.Sync())

	loaded, err := s.Load(tb.Name())
	require.NoError(t, err)
	assert.Equal(t, tb.Columns(), loaded.Columns())
	assert.Equal(t, tb.Links(), loaded.Links())
	assert.Equal(t, tb.DirectoryNames(), loaded.DirectoryNames())
	assert.Equal(t, 1, loaded.Rows())
	assert.Equal(t, NewAccess(1, 2, 3), loaded.Access())

	writes := s.Files.Writes()
	require.NoError(t, tb.Save())
	assert.Equal(t, writes, s.Files.Writes())

	img := tb.Encode()
	img[HeaderSize+2] ^= 0x01
	require.NoError(t, s.Files.Write(storage.KindTable, tb.Name(), img))
	_, err = s.Load(tb.Name())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTable_InvokeModules(t *testing.T) {
	cols := append(userColumns(),
		Column{Name: "full", Size: 12, Type: TypeString, Phase: PhasePreload, Module: "concat", Query: "{name}-{id}"},
		Column{Name: "len", Size: 2, Type: TypeInt, Phase: PhasePostload, Module: "count", Query: "{full}"},
	)
	_, tb := newTestTable(t, "users", cols)

	var calls []string
	runner := module.RunnerFunc(func(_ context.Context, mod, command string) ([]byte, error) {
		calls = append(calls, mod+" "+command)
		if mod == "count" {
			return []byte("7\n"), nil
		}
		return []byte(command), nil
	})

	row := []byte("0001hello " + "            " + "00")
	pre, err := tb.InvokeModules(context.Background(), row, PhasePreload, runner)
	require.NoError(t, err)
	assert.Equal(t, "0001hello hello-0001  00", string(pre))
	assert.Equal(t, []string{"concat hello-0001"}, calls)

	post, err := tb.InvokeModules(context.Background(), pre, PhasePostload, runner)
	require.NoError(t, err)
	assert.Equal(t, "0001hello hello-0001  07", string(post))
	assert.Equal(t, "count hello-0001", calls[1])

	wide := module.RunnerFunc(func(context.Context, string, string) ([]byte, error) { return []byte("123"), nil })
	_, err = tb.InvokeModules(context.Background(), pre, PhasePostload, wide)
	require.ErrorIs(t, err, storage.ErrModuleFailed)

	_, err = tb.InvokeModules(context.Background(), row, PhasePreload, nil)
	require.ErrorIs(t, err, storage.ErrModuleFailed)

	broken := module.RunnerFunc(func(context.Context, string, string) ([]byte, error) {
		return nil, context.DeadlineExceeded
	})
	_, err = tb.InvokeModules(context.Background(), row, PhasePreload, broken)
	require.ErrorIs(t, err, storage.ErrModuleFailed)
	assert.Contains(t, err.Error(), "column full: context deadline exceeded")
}

func TestTable_FillAutoIncrement(t *testing.T) {
	_, tb := newTestTable(t, "seq", []Column{
		{Name: "id", Size: 4, Type: TypeInt, Primary: true, AutoIncrement: true},
		{Name: "name", Size: 6, Type: TypeString},
	})

	row := []byte("0000first ")
	require.NoError(t, tb.FillAutoIncrement(row))
	assert.Equal(t, "0001first ", string(row))

	_, err := tb.AppendRow(owner, row)
	require.NoError(t, err)
	_, err = tb.AppendRow(owner, []byte("0005fifth "))
	require.NoError(t, err)

	row = []byte("0000next  ")
	require.NoError(t, tb.FillAutoIncrement(row))
	assert.Equal(t, "0006next  ", string(row))

	require.NoError(t, tb.EraseRow(owner, 1))
	row = []byte("0000again ")
	require.NoError(t, tb.FillAutoIncrement(row))
	assert.Equal(t, "0002again ", string(row), "max of live rows plus one")
}

func TestMigrate(t *testing.T) {
	s, src := newTestTable(t, "src", userColumns())
	for _, r := range []string{"0001hello ", "0002world "} {
		_, err := src.AppendRow(owner, []byte(r))
		require.NoError(t, err)
	}
	h, err := s.Create(storage.MustName("dst"), FullAccess, []Column{
		{Name: "name", Size: 8, Type: TypeString},
		{Name: "code", Size: 4, Type: TypeInt},
		{Name: "extra", Size: 3, Type: TypeString},
	})
	require.NoError(t, err)
	dst := Of(h)

	n, err := Migrate(owner, src, dst, map[string]string{"code": "id"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, dst.Rows())

	got, err := dst.ReadRow(1)
	require.NoError(t, err)
	assert.Equal(t, "world   0002   ", string(got))

	_, err = Migrate(owner, src, dst, map[string]string{"code": "missing"}, nil)
	require.ErrorIs(t, err, storage.ErrNotFound)

	calls := 0
	n, err = Migrate(owner, src, dst, map[string]string{"code": "id"}, func([]byte) error {
		calls++
		if calls == 2 {
			return storage.ErrDuplicatePrimaryKey
		}
		return nil
	})
	require.ErrorIs(t, err, storage.ErrDuplicatePrimaryKey)
	assert.Equal(t, 1, n, "rows before the rejected one are kept")
	assert.Equal(t, 3, dst.Rows())
}

func TestMigrate_RejectsBadSignature(t *testing.T) {
	s, src := newTestTable(t, "src", userColumns())
	_, err := src.AppendRow(owner, []byte("0001hello "))
	require.NoError(t, err)
	h, err := s.Create(storage.MustName("codes"), FullAccess, []Column{
		{Name: "code", Size: 6, Type: TypeInt},
	})
	require.NoError(t, err)
	codes := Of(h)

	n, err := Migrate(owner, src, codes, map[string]string{"code": "name"}, nil)
	require.ErrorIs(t, err, storage.ErrSignatureInvalid)
	var sigErr *SignatureError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, "code", sigErr.Name)
	assert.Zero(t, n)
	assert.Zero(t, codes.Rows())
	live, err := codes.RowLive(0)
	require.NoError(t, err)
	assert.False(t, live)
}

func TestStore_DeleteRemovesEverything(t *testing.T) {
	s, tb := newTestTable(t, "users", userColumns())
	_, err := tb.AppendRow(owner, []byte("0001hello "))
	require.NoError(t, err)
	require.NoError(t, s.Cache.Sync())

	dirs := tb.DirectoryNames()
	require.Len(t, dirs, 1)
	require.True(t, s.Files.Exists(storage.KindDirectory, dirs[0]))

	require.NoError(t, s.Remove(tb.Name()))
	assert.False(t, s.Files.Exists(storage.KindTable, tb.Name()))
	assert.False(t, s.Files.Exists(storage.KindDirectory, dirs[0]))
	_, err = s.Get(tb.Name())
	require.ErrorIs(t, err, storage.ErrNotFound)
}
