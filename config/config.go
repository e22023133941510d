// Package config implements the frozen key/value store backing a
// mammutfs mount. Values come from a goconfig-style file with
// command-line overrides on top; a small set of keys is "live" and may
// be rewritten at runtime through the control socket, notifying
// subscribers on every write.
package config

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"
	"sync"

	"github.com/Unknwon/goconfig"

	"github.com/stustanet/mammutfs/mammut"
)

// Mandatory enumerates the keys that must resolve at startup. A
// missing key refuses the mount.
var Mandatory = []string{
	"raids",
	"username",
	"mountpoint",
	"daemonize",
	"truncate_maxsize",
	"anon_user_name",
	"anon_mapping_file",
	"daemon_socket",
	"modules",
	"max_native_fds",
	"loglevel",
}

// liveKeys may be overwritten at runtime via SETCONFIG.
var liveKeys = map[string]bool{
	"loglevel":       true,
	"max_native_fds": true,
	"anon_user_name": true,
}

// Config is shared by every subsystem. The file and command-line
// layers are immutable after Load; the manvalues overlay is replaced
// wholesale on each write so readers never observe a shrinking map.
type Config struct {
	file      *goconfig.ConfigFile
	overrides map[string]string // command line, frozen at startup

	mu        sync.RWMutex
	manvalues map[string]string   // live overlay, copy-and-publish
	subs      map[string][]func() // live key change subscribers

	// Identities resolved once at startup (anon side re-resolved when
	// anon_user_name changes).
	Raids      []string
	Username   string
	Mountpoint string
	UserUID    uint32
	UserGID    uint32
	AnonUID    uint32
	AnonGID    uint32
}

// Load reads the config file and applies command-line overrides. All
// Mandatory keys are resolved once so startup fails early on a broken
// config.
func Load(path string, overrides map[string]string) (*Config, error) {
	file, err := goconfig.LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	c := &Config{
		file:      file,
		overrides: overrides,
		manvalues: map[string]string{},
		subs:      map[string][]func(){},
	}
	for _, key := range Mandatory {
		if _, err := c.Get(key); err != nil {
			return nil, err
		}
	}
	c.Raids = c.GetList("raids")
	if len(c.Raids) == 0 {
		return nil, fmt.Errorf("config: raids is empty")
	}
	c.Username, _ = c.Get("username")
	c.Mountpoint, _ = c.Get("mountpoint")
	if c.UserUID, c.UserGID, err = lookupUser(c.Username); err != nil {
		return nil, err
	}
	if err := c.updateAnonUser(); err != nil {
		return nil, err
	}
	c.Subscribe("anon_user_name", func() {
		if err := c.updateAnonUser(); err != nil {
			mammut.Errorf("config", "%v", err)
		}
	})
	return c, nil
}

func lookupUser(name string) (uid, gid uint32, err error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, fmt.Errorf("config: unknown user %q: %w", name, err)
	}
	u64, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	g64, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(u64), uint32(g64), nil
}

func (c *Config) updateAnonUser() error {
	name, _ := c.Get("anon_user_name")
	uid, gid, err := lookupUser(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.AnonUID, c.AnonGID = uid, gid
	c.mu.Unlock()
	mammut.Infof("config", "anonymous user %s uid %d gid %d", name, uid, gid)
	return nil
}

// AnonIDs returns the uid/gid files are attributed to in anonymised
// views.
func (c *Config) AnonIDs() (uint32, uint32) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AnonUID, c.AnonGID
}

// Get looks a key up through the three layers: live overlay, command
// line, file.
func (c *Config) Get(key string) (string, error) {
	c.mu.RLock()
	v, ok := c.manvalues[key]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}
	if v, ok := c.overrides[key]; ok {
		return v, nil
	}
	v, err := c.file.GetValue("", key)
	if err != nil {
		return "", fmt.Errorf("config: missing key %q", key)
	}
	return v, nil
}

// GetInt64 reads key as a decimal integer.
func (c *Config) GetInt64(key string) (int64, error) {
	s, err := c.Get(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: key %q: %w", key, err)
	}
	return n, nil
}

// GetBool reads key as a boolean.
func (c *Config) GetBool(key string) (bool, error) {
	s, err := c.Get(key)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("config: key %q: %w", key, err)
	}
	return b, nil
}

// GetList splits key on the separators the config format allows
// between list entries.
func (c *Config) GetList(key string) []string {
	s, err := c.Get(key)
	if err != nil {
		return nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == ':' || r == ';'
	})
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// IsLive reports whether key may be rewritten at runtime.
func IsLive(key string) bool {
	return liveKeys[key]
}

// Set writes a live key and notifies its subscribers. Writing any
// other key is refused.
func (c *Config) Set(key, value string) error {
	if !liveKeys[key] {
		return fmt.Errorf("config: key %q is not changeable at runtime", key)
	}
	c.mu.Lock()
	next := make(map[string]string, len(c.manvalues)+1)
	for k, v := range c.manvalues {
		next[k] = v
	}
	next[key] = value
	c.manvalues = next
	subs := c.subs[key]
	c.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
	return nil
}

// Subscribe registers fn to run after every write of a live key.
func (c *Config) Subscribe(key string, fn func()) {
	c.mu.Lock()
	c.subs[key] = append(c.subs[key], fn)
	c.mu.Unlock()
}
