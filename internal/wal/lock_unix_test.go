//go:build unix

package wal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWAL_ExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.wal")

	w, err := Open(path, newTestSecret())
	require.NoError(t, err)

	_, err = Open(path, newTestSecret())
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, w.Close())
	w2, err := Open(path, newTestSecret())
	require.NoError(t, err)
	w2.Close()
}
