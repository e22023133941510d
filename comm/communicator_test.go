package comm

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stustanet/mammutfs/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	u, err := user.Current()
	require.NoError(t, err)
	dir := t.TempDir()
	content := strings.Join([]string{
		"raids = /srv/raid0",
		"username = " + u.Username,
		"mountpoint = " + filepath.Join(dir, "mnt"),
		"daemonize = false",
		"truncate_maxsize = 1048576",
		"anon_user_name = " + u.Username,
		"anon_mapping_file = " + filepath.Join(dir, "anonmap"),
		"daemon_socket = " + filepath.Join(dir, "mammut.sock"),
		"modules = private",
		"max_native_fds = 64",
		"loglevel = ERROR",
		"",
	}, "\n")
	path := filepath.Join(dir, "mammutfs.cfg")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	return cfg
}

// fakeDaemon accepts one connection on the configured socket.
func fakeDaemon(t *testing.T, cfg *config.Config) (net.Listener, <-chan net.Conn) {
	t.Helper()
	socket, err := cfg.Get("daemon_socket")
	require.NoError(t, err)
	l, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			conns <- conn
		}
	}()
	return l, conns
}

func accept(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		t.Cleanup(func() { conn.Close() })
		require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("communicator did not connect")
		return nil
	}
}

func TestCommunicatorHelloAndCommands(t *testing.T) {
	cfg := testConfig(t)
	_, conns := fakeDaemon(t, cfg)

	c := New(cfg)
	c.Start()
	defer c.Close()

	conn := accept(t, conns)
	r := bufio.NewReader(conn)

	hello, err := r.ReadString('\n')
	require.NoError(t, err)
	var h map[string]string
	require.NoError(t, json.Unmarshal([]byte(hello), &h))
	assert.Equal(t, "hello", h["op"])
	assert.Equal(t, cfg.Username, h["user"])
	assert.Equal(t, cfg.Mountpoint, h["mountpoint"])

	// USER answers with the owning username
	_, err = conn.Write([]byte("user\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"success","response":"`+cfg.Username+`"}`, line)

	// CONFIG reads a key
	_, err = conn.Write([]byte("CONFIG:loglevel\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"success","response":{"value":"ERROR"}}`, line)

	// SETCONFIG only works for live keys
	_, err = conn.Write([]byte("SETCONFIG:loglevel=INFO\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"state":"success"`)
	v, err := cfg.Get("loglevel")
	require.NoError(t, err)
	assert.Equal(t, "INFO", v)

	_, err = conn.Write([]byte("SETCONFIG:raids=/nope\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"state":"error"`)

	// unknown commands are reported
	_, err = conn.Write([]byte("BOGUS\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "unknown command")

	// HELP lists the built-ins
	_, err = conn.Write([]byte("HELP\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"HELP"`)
	assert.Contains(t, line, `"SETCONFIG"`)
}

func TestCommunicatorQueuedEventsSurviveLateDaemon(t *testing.T) {
	cfg := testConfig(t)

	c := New(cfg)
	c.Notify("MKDIR", "public", "/public/foo", "")
	c.Start()
	defer c.Close()

	// let the communicator fail against the missing socket first
	time.Sleep(50 * time.Millisecond)
	_, conns := fakeDaemon(t, cfg)
	conn := accept(t, conns)
	r := bufio.NewReader(conn)

	hello, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, hello, `"op":"hello"`)

	// the queued event is the first frame after the hello
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"MKDIR","module":"public","path":"/public/foo"}`, line)
}

func TestCommunicatorRegisteredCommand(t *testing.T) {
	cfg := testConfig(t)
	_, conns := fakeDaemon(t, cfg)

	c := New(cfg)
	c.RegisterCommand("private_raid", "", func(string) (string, error) {
		return `"/srv/raid0/private/user"`, nil
	})
	c.Start()
	defer c.Close()

	conn := accept(t, conns)
	r := bufio.NewReader(conn)
	_, err := r.ReadString('\n') // hello
	require.NoError(t, err)

	_, err = conn.Write([]byte("PRIVATE_RAID\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"success","response":"/srv/raid0/private/user"}`, line)
}
