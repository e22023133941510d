package module

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stustanet/mammutfs/mammut"
)

func TestBackupTreeTranslate(t *testing.T) {
	env := newTestEnv(t, "private")
	require.NoError(t, os.MkdirAll(filepath.Join(env.raids[0], "backup", "0001"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(env.raids[1], "backup", "0002"), 0755))
	// non-directories are not backup homes
	require.NoError(t, os.WriteFile(filepath.Join(env.raids[0], "backup", "stray"), nil, 0644))

	tree := NewBackupTree(env.cfg, env.comm, env.files)

	phys, err := tree.Translate("/0001/some/file")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.raids[0], "backup", "0001")+"/some/file", phys)

	phys, err = tree.Translate("/0002")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.raids[1], "backup", "0002"), phys)

	_, err = tree.Translate("/0003")
	assert.ErrorIs(t, err, mammut.ErrNotFound)

	root, err := tree.Translate("/")
	require.NoError(t, err)
	assert.Equal(t, env.raids[0], root)
}

func TestBackupTreeReaddirAndInvalidate(t *testing.T) {
	env := newTestEnv(t, "private")
	require.NoError(t, os.MkdirAll(filepath.Join(env.raids[0], "backup", "0001"), 0755))
	tree := NewBackupTree(env.cfg, env.comm, env.files)

	fh, err := tree.Opendir("/")
	require.NoError(t, err)
	entries, err := tree.Readdir("/", fh)
	require.NoError(t, err)
	require.NoError(t, tree.Releasedir("/", fh))
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{".", "..", "0001"}, names)

	// a new user only shows up once the mapping is invalidated
	require.NoError(t, os.MkdirAll(filepath.Join(env.raids[1], "backup", "0002"), 0755))
	_, err = tree.Translate("/0002")
	assert.ErrorIs(t, err, mammut.ErrNotFound)

	tree.cache.Delete(backupMappingKey)
	_, err = tree.Translate("/0002")
	assert.NoError(t, err)
}
