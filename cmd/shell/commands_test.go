package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novastore/internal/engine"
	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/table"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	db, err := engine.Create(engine.Options{
		Fs:          afero.NewMemMapFs(),
		Workdir:     "/data",
		Name:        "shell",
		LockTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	out := &bytes.Buffer{}
	return &shell{db: db, s: db.NewSession(0), out: out}, out
}

func TestShell_Session(t *testing.T) {
	ctx := context.Background()
	sh, out := newTestShell(t)

	require.NoError(t, sh.exec(ctx, "create users id:4:INT:pk name:6:STRING"))
	require.NoError(t, sh.exec(ctx, "append users 1|hello"))
	assert.Equal(t, "row 0\n", out.String())

	out.Reset()
	require.NoError(t, sh.exec(ctx, "get users 0"))
	assert.Equal(t, "row 0: id=0001 | name=hello\n", out.String())

	out.Reset()
	require.NoError(t, sh.exec(ctx, "find users id 0001"))
	assert.Equal(t, "row 0\n", out.String())

	require.NoError(t, sh.exec(ctx, "put users 0 1|hi"))
	out.Reset()
	require.NoError(t, sh.exec(ctx, "get users 0"))
	assert.Equal(t, "row 0: id=0001 | name=hi\n", out.String())

	require.NoError(t, sh.exec(ctx, "del users 0"))
	out.Reset()
	require.NoError(t, sh.exec(ctx, "get users 0"))
	assert.Equal(t, "row 0: empty\n", out.String())
}

func TestShell_Errors(t *testing.T) {
	ctx := context.Background()
	sh, _ := newTestShell(t)
	require.NoError(t, sh.exec(ctx, "create users id:4:INT:pk name:6"))

	require.ErrorIs(t, sh.exec(ctx, "bogus"), errUsage)
	require.ErrorIs(t, sh.exec(ctx, "get users"), errUsage)
	require.ErrorIs(t, sh.exec(ctx, "get users x"), errUsage)
	require.ErrorIs(t, sh.exec(ctx, "append users 123456|a"), storage.ErrSignatureInvalid)
	require.ErrorIs(t, sh.exec(ctx, "get nothere 0"), storage.ErrNotFound)
}

func TestParseColumns(t *testing.T) {
	cols, err := parseColumns([]string{"id:3:int:pk:ai", "note:10"})
	require.NoError(t, err)
	assert.Equal(t, []table.Column{
		{Name: "id", Size: 3, Type: table.TypeInt, Primary: true, AutoIncrement: true},
		{Name: "note", Size: 10, Type: table.TypeAny},
	}, cols)

	_, err = parseColumns([]string{"id"})
	require.ErrorIs(t, err, errUsage)
	_, err = parseColumns([]string{"id:3:BLOB"})
	require.ErrorIs(t, err, storage.ErrInvalidSchema)
}

func TestParseCascade(t *testing.T) {
	c, err := parseCascade("df")
	require.NoError(t, err)
	assert.Equal(t, table.CascadeDelete|table.CascadeFind, c)
	_, err = parseCascade("x")
	require.ErrorIs(t, err, errUsage)
}

func TestRest(t *testing.T) {
	assert.Equal(t, "a b  c", rest("find  users name a b  c", 3))
	assert.Equal(t, "", rest("get users", 2))
}
