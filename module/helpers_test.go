package module

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stustanet/mammutfs/comm"
	"github.com/stustanet/mammutfs/config"
)

// testEnv is one mammutfs instance against raids built in a temp dir.
type testEnv struct {
	cfg   *config.Config
	comm  *comm.Communicator
	files *OpenFiles
	raids []string
	user  string
}

// newTestEnv builds two raids and a config naming the current user.
// The listed modules get their user directory on the first raid.
func newTestEnv(t *testing.T, modules ...string) *testEnv {
	t.Helper()
	u, err := user.Current()
	require.NoError(t, err)

	dir := t.TempDir()
	raids := []string{filepath.Join(dir, "raid0"), filepath.Join(dir, "raid1")}
	for _, raid := range raids {
		require.NoError(t, os.MkdirAll(raid, 0755))
	}
	for _, mod := range modules {
		require.NoError(t, os.MkdirAll(filepath.Join(raids[0], mod, u.Username), 0755))
	}

	cfgFile := filepath.Join(dir, "mammutfs.cfg")
	content := strings.Join([]string{
		"raids = " + strings.Join(raids, ","),
		"username = " + u.Username,
		"mountpoint = " + filepath.Join(dir, "mnt"),
		"daemonize = false",
		"truncate_maxsize = 1024",
		"anon_user_name = " + u.Username,
		"anon_mapping_file = " + filepath.Join(dir, "anonmap"),
		"daemon_socket = " + filepath.Join(dir, "mammut.sock"),
		"modules = " + strings.Join(modules, ","),
		"max_native_fds = 256",
		"loglevel = ERROR",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(cfgFile, []byte(content), 0644))

	cfg, err := config.Load(cfgFile, nil)
	require.NoError(t, err)

	return &testEnv{
		cfg:   cfg,
		comm:  comm.New(cfg),
		files: NewOpenFiles(cfg),
		raids: raids,
		user:  u.Username,
	}
}

// backing returns the physical path of a module-relative file on the
// first raid.
func (e *testEnv) backing(mod, sub string) string {
	return filepath.Join(e.raids[0], mod, e.user, sub)
}

// popEvent drains the next queued line for the daemon.
func (e *testEnv) popEvent(t *testing.T) string {
	t.Helper()
	line, ok := e.comm.Queue().Pop()
	require.True(t, ok, "expected a queued event")
	return strings.TrimRight(line, "\n")
}

// noEvent asserts the queue is drained.
func (e *testEnv) noEvent(t *testing.T) {
	t.Helper()
	line, ok := e.comm.Queue().Pop()
	require.False(t, ok, "unexpected event: %s", line)
}
