package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectIDs_FlagsOnly(t *testing.T) {
	ids, err := collectIDs([]string{"a", "b"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestCollectIDs_FileMergesAndSkipsBlanks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("c-1\n\n  c-2  \n"), 0o600))

	ids, err := collectIDs([]string{"c-0"}, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"c-0", "c-1", "c-2"}, ids)
}

func TestCollectIDs_Empty(t *testing.T) {
	_, err := collectIDs(nil, "")
	assert.Error(t, err)
}

func TestCollectIDs_MissingFile(t *testing.T) {
	_, err := collectIDs(nil, filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}
