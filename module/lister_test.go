package module

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/stustanet/mammutfs/mammut"
)

func writeAnonMap(t *testing.T, env *testEnv, content string) string {
	t.Helper()
	path, err := env.cfg.Get("anon_mapping_file")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestListerReaddirRoot(t *testing.T) {
	env := newTestEnv(t, "private")
	writeAnonMap(t, env, "a_apple:alice/data\na_banana:bob/stuff\n")
	lister := NewLister(env.cfg, env.comm, env.files)

	fh, err := lister.Opendir("/")
	require.NoError(t, err)
	entries, err := lister.Readdir("/", fh)
	require.NoError(t, err)
	require.NoError(t, lister.Releasedir("/", fh))

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{".", "..", "core", "a_apple", "a_banana"}, names)
}

func TestListerTranslate(t *testing.T) {
	env := newTestEnv(t, "private")
	// back one export with a real directory on the second raid
	backing := filepath.Join(env.raids[1], "anonym", "other", "data")
	require.NoError(t, os.MkdirAll(backing, 0755))
	writeAnonMap(t, env, "a_x:anonym/other/data\n")
	lister := NewLister(env.cfg, env.comm, env.files)

	phys, err := lister.Translate("/a_x")
	require.NoError(t, err)
	assert.Equal(t, backing, phys)

	phys, err = lister.Translate("/a_x/deeper/file")
	require.NoError(t, err)
	assert.Equal(t, backing+"/deeper/file", phys)

	root, err := lister.Translate("/")
	require.NoError(t, err)
	assert.Equal(t, "", root)

	_, err = lister.Translate("/a_missing")
	assert.ErrorIs(t, err, mammut.ErrNotFound)
}

func TestListerReloadOnMiss(t *testing.T) {
	env := newTestEnv(t, "private")
	backing := filepath.Join(env.raids[0], "anonym", "u", "d")
	require.NoError(t, os.MkdirAll(backing, 0755))
	path := writeAnonMap(t, env, "a_old:anonym/u/d\n")
	lister := NewLister(env.cfg, env.comm, env.files)

	_, err := lister.Translate("/a_old")
	require.NoError(t, err)
	_, err = lister.Translate("/a_new")
	assert.ErrorIs(t, err, mammut.ErrNotFound)

	// extend the map; the mtime change triggers a reload on the next miss
	require.NoError(t, os.WriteFile(path, []byte("a_old:anonym/u/d\na_new:anonym/u/d\n"), 0644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	phys, err := lister.Translate("/a_new")
	require.NoError(t, err)
	assert.Equal(t, backing, phys)
}

func TestListerCoreEntry(t *testing.T) {
	env := newTestEnv(t, "private")
	writeAnonMap(t, env, "")
	lister := NewLister(env.cfg, env.comm, env.files)

	var st unix.Stat_t
	require.NoError(t, lister.Getattr("/core", &st))
	assert.EqualValues(t, unix.S_IFREG|0555, st.Mode)
	assert.EqualValues(t, int64(1)<<62, st.Size)

	fh, err := lister.Open("/core", unix.O_RDONLY)
	require.NoError(t, err)
	buf := []byte{1, 2, 3, 4}
	n, err := lister.Read("/core", fh, buf, 1<<40)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)
	require.NoError(t, lister.Release("/core", fh))
}

func TestListerGetattrAnonymises(t *testing.T) {
	env := newTestEnv(t, "private")
	env.cfg.AnonUID = 4242
	env.cfg.AnonGID = 4243
	backing := filepath.Join(env.raids[0], "anonym", "u", "d")
	require.NoError(t, os.MkdirAll(backing, 0755))
	writeAnonMap(t, env, "a_x:anonym/u/d\n")
	lister := NewLister(env.cfg, env.comm, env.files)

	var st unix.Stat_t
	require.NoError(t, lister.Getattr("/a_x", &st))
	assert.EqualValues(t, 4242, st.Uid)
	assert.EqualValues(t, 4243, st.Gid)
}

func TestListerCacheCommands(t *testing.T) {
	env := newTestEnv(t, "private")
	path := writeAnonMap(t, env, "a_one:one\n")
	lister := NewLister(env.cfg, env.comm, env.files)

	assert.Equal(t, []string{"a_one"}, lister.AnonView().Keys())

	// rewrite the file in the past so mtime tracking alone would not
	// notice, then force the reload
	require.NoError(t, os.WriteFile(path, []byte("a_two:two\n"), 0644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))

	lister.AnonView().Invalidate()
	assert.Equal(t, []string{"a_two"}, lister.AnonView().Keys())

	require.NoError(t, lister.AnonView().Reload())
	assert.Equal(t, []string{"a_two"}, lister.AnonView().Keys())
}
