package module

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/stustanet/mammutfs/mammut"
)

func TestAuthkeysSingleFileOnly(t *testing.T) {
	env := newTestEnv(t, "authkeys")
	ak := NewAuthkeys(env.cfg, env.comm, env.files)

	phys, err := ak.Translate("/authorized_keys")
	require.NoError(t, err)
	assert.Equal(t, env.backing("authkeys", "authorized_keys"), phys)
	// the file is created on first touch
	_, err = os.Stat(phys)
	assert.NoError(t, err)

	_, err = ak.Translate("/other_file")
	assert.ErrorIs(t, err, mammut.ErrNotFound)
	_, err = ak.Translate("/sub/dir")
	assert.ErrorIs(t, err, mammut.ErrNotFound)

	assert.ErrorIs(t, ak.Mkdir("/d", 0755), mammut.ErrNotPermitted)
	assert.ErrorIs(t, ak.Rmdir("/d"), mammut.ErrNotPermitted)
	assert.ErrorIs(t, ak.Chmod("/authorized_keys", 0600), mammut.ErrNotPermitted)
	assert.ErrorIs(t, ak.Rename("", "/x", "/authkeys/authorized_keys", "/authkeys/x"), mammut.ErrNotPermitted)
	_, err = ak.Create("/second", 0600, unix.O_WRONLY)
	assert.ErrorIs(t, err, mammut.ErrNotPermitted)

	// editing and removing the one file is allowed
	fh, err := ak.Open("/authorized_keys", unix.O_WRONLY)
	require.NoError(t, err)
	_, err = ak.Write("/authorized_keys", fh, []byte("ssh-ed25519 AAAA...\n"), 0)
	require.NoError(t, err)
	require.NoError(t, ak.Release("/authorized_keys", fh))
	require.NoError(t, ak.Unlink("/authorized_keys"))
}

func TestAuthkeysReaddir(t *testing.T) {
	env := newTestEnv(t, "authkeys")
	ak := NewAuthkeys(env.cfg, env.comm, env.files)

	entries, err := ak.Readdir("/", 0)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{".", "..", "authorized_keys"}, names)
}

func TestControlDefaultTemplate(t *testing.T) {
	env := newTestEnv(t, "control")
	ctl := NewControl(env.cfg, env.comm, env.files)

	phys, err := ctl.Translate("/" + controlFileName)
	require.NoError(t, err)
	content, err := os.ReadFile(phys)
	require.NoError(t, err)
	assert.Contains(t, string(content), "displayname="+env.user)
	assert.Equal(t, env.user, ctl.Displayname())
}

func TestControlEmptyFileRestoresDefault(t *testing.T) {
	env := newTestEnv(t, "control")
	ctl := NewControl(env.cfg, env.comm, env.files)

	fh, err := ctl.Open("/"+controlFileName, unix.O_WRONLY)
	require.NoError(t, err)
	phys, err := ctl.Translate("/" + controlFileName)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(phys, 0))
	require.NoError(t, ctl.Release("/"+controlFileName, fh))

	content, err := os.ReadFile(phys)
	require.NoError(t, err)
	assert.Contains(t, string(content), "displayname="+env.user)
}

func TestControlReparseAndNamechange(t *testing.T) {
	env := newTestEnv(t, "control")
	ctl := NewControl(env.cfg, env.comm, env.files)
	phys, err := ctl.Translate("/" + controlFileName)
	require.NoError(t, err)

	write := func(content string) {
		fh, err := ctl.Open("/"+controlFileName, unix.O_WRONLY)
		require.NoError(t, err)
		_, err = ctl.Write("/"+controlFileName, fh, []byte(content), 0)
		require.NoError(t, err)
		require.NoError(t, os.Truncate(phys, int64(len(content))))
		require.NoError(t, ctl.Release("/"+controlFileName, fh))
	}

	write("displayname=fancyname\n")
	assert.Equal(t, "fancyname", ctl.Displayname())
	assert.JSONEq(t,
		`{"event":"namechange","source":"`+env.user+`","dest":"fancyname"}`,
		strings.TrimSpace(env.popEvent(t)))

	// invalid lines are preserved behind an error marker
	write("displayname=fancyname\nthis line is broken\n")
	content, err := os.ReadFile(phys)
	require.NoError(t, err)
	assert.Contains(t, string(content), "# ERROR: The next line is invalid and will be ignored")
	assert.Contains(t, string(content), "# this line is broken")
	assert.Equal(t, "fancyname", ctl.Displayname())
	env.noEvent(t)

	// a file without displayname gets one appended
	write("# nothing here\n")
	content, err = os.ReadFile(phys)
	require.NoError(t, err)
	assert.Contains(t, string(content), "displayname="+env.user)
	assert.JSONEq(t,
		`{"event":"namechange","source":"fancyname","dest":"`+env.user+`"}`,
		strings.TrimSpace(env.popEvent(t)))
}
