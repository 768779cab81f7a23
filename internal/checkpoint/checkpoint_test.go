package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "checkpoint.json"))

	require.NoError(t, store.Save("run-1", 0, 12))
	require.NoError(t, store.Save("run-1", 1, 7))
	require.NoError(t, store.Save("run-1", 0, 13))

	snap, ok, err := store.Load(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 13, snap.LastPage)
	assert.Equal(t, "run-1", snap.RunID)

	snap, ok, err = store.Load(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, snap.LastPage)
}

func TestLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "checkpoint.json"))

	_, ok, err := store.Load(0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store := NewStore(path)

	require.NoError(t, store.Save("run-1", 0, 3))
	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear(), "clearing an absent file is not an error")

	_, ok, err := store.Load(0)
	require.NoError(t, err)
	assert.False(t, ok)
}
