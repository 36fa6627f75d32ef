package module

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novastore/internal/storage"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

func newTestRunner(t *testing.T, maxOutput int) (*ExecRunner, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	dir := t.TempDir()
	return NewExecRunner(dir, maxOutput, 2*time.Second, nil), dir
}

func TestExecRunner_Status100IsSuccess(t *testing.T) {
	r, dir := newTestRunner(t, 0)
	writeScript(t, dir, "echo", `printf '%s' "$1"; exit 100`)

	out, err := r.Run(context.Background(), "echo", "hello world")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), out)
}

func TestExecRunner_OtherStatusFails(t *testing.T) {
	r, dir := newTestRunner(t, 0)
	writeScript(t, dir, "zero", `echo ok`)
	writeScript(t, dir, "one", `echo no; exit 1`)

	_, err := r.Run(context.Background(), "zero", "")
	require.ErrorIs(t, err, storage.ErrModuleFailed)
	_, err = r.Run(context.Background(), "one", "")
	require.ErrorIs(t, err, storage.ErrModuleFailed)
	_, err = r.Run(context.Background(), "missing", "")
	require.ErrorIs(t, err, storage.ErrModuleFailed)
}

func TestExecRunner_OutputIsCapped(t *testing.T) {
	r, dir := newTestRunner(t, 4)
	writeScript(t, dir, "long", `printf 'abcdefgh'; exit 100`)

	out, err := r.Run(context.Background(), "long", "")
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), out)
}

func TestExecRunner_RejectsPathNames(t *testing.T) {
	r, _ := newTestRunner(t, 0)
	for _, name := range []string{"", ".", "..", "../x", "a/b"} {
		_, err := r.Run(context.Background(), name, "")
		require.ErrorIs(t, err, storage.ErrModuleFailed, name)
	}
}

func TestRunnerFunc(t *testing.T) {
	var r Runner = RunnerFunc(func(_ context.Context, module, command string) ([]byte, error) {
		return []byte(module + ":" + command), nil
	})
	out, err := r.Run(context.Background(), "m", "c")
	require.NoError(t, err)
	assert.Equal(t, "m:c", string(out))
}
