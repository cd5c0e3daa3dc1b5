package atomicfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	State string  `json:"state"`
	Qty   float64 `json:"qty"`
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	require.NoError(t, WriteJSON(path, record{State: "FLAT"}))
	require.NoError(t, WriteJSON(path, record{State: "IN_POSITION", Qty: 1.5}))

	var got record
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, record{State: "IN_POSITION", Qty: 1.5}, got)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	for i := 0; i < 5; i++ {
		require.NoError(t, WriteJSON(path, record{Qty: float64(i)}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

// A crash between temp write and rename leaves a stray temp file; the
// committed record must still read back intact.
func TestInterruptedWriteKeepsPreviousRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, WriteJSON(path, record{State: "IN_POSITION", Qty: 2}))

	partial := filepath.Join(dir, ".state.json.123.tmp")
	require.NoError(t, os.WriteFile(partial, []byte(`{"state":"FL`), 0644))

	var got record
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, "IN_POSITION", got.State)
	assert.Equal(t, 2.0, got.Qty)
}

func TestReadMissing(t *testing.T) {
	var got record
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &got)
	assert.True(t, errors.Is(err, ErrNotExist))
}

func TestReadCorruptQuarantines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"state":`), 0644))

	var got record
	err := ReadJSON(path, &got)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "state.json.corrupt."))
}

func TestIsObject(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, IsObject(filepath.Join(dir, "missing.json")))

	obj := filepath.Join(dir, "obj.json")
	require.NoError(t, os.WriteFile(obj, []byte(`{"a":1}`), 0644))
	assert.NoError(t, IsObject(obj))

	arr := filepath.Join(dir, "arr.json")
	require.NoError(t, os.WriteFile(arr, []byte(`[1,2]`), 0644))
	assert.Error(t, IsObject(arr))

	null := filepath.Join(dir, "null.json")
	require.NoError(t, os.WriteFile(null, []byte(`null`), 0644))
	assert.Error(t, IsObject(null))
}
