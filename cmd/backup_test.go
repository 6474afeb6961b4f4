package cmd

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/storage"
)

func TestBackupAndRestore(t *testing.T) {
	source := t.TempDir()
	db, err := storage.NewWithPath(source)
	require.NoError(t, err)
	require.NoError(t, db.Set([]byte("mempool:key"), []byte("value")))
	require.NoError(t, db.Close())

	file, err := performBackup(io.Discard, source, t.TempDir(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "badger.backup", filepath.Base(file))

	target := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, runRestore(io.Discard, target, file))

	restored, err := storage.NewWithPath(target)
	require.NoError(t, err)
	defer restored.Close()
	value, err := restored.GetKey([]byte("mempool:key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), value)
}
