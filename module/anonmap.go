package module

import (
	"bufio"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stustanet/mammutfs/mammut"
)

// anonKeyPrefix is mandatory for export names in the mapping file.
const anonKeyPrefix = "a_"

type anonSnapshot struct {
	keys   []string // insertion order
	m      map[string]string
	mtime  time.Time
	loaded bool
}

// AnonMap resolves anonymous export names to their backing paths. The
// lister module owns it; the anonym module holds a read-only view.
// Readers get an immutable snapshot; reloads publish a new one.
type AnonMap struct {
	path string
	mu   sync.Mutex   // serialises reloads
	snap atomic.Value // *anonSnapshot
}

// NewAnonMap sets up a map backed by the given mapping file. Nothing
// is read until the first use.
func NewAnonMap(path string) *AnonMap {
	a := &AnonMap{path: path}
	a.snap.Store(&anonSnapshot{m: map[string]string{}})
	return a
}

func (a *AnonMap) snapshot() *anonSnapshot {
	return a.snap.Load().(*anonSnapshot)
}

// ensure loads the file on first use.
func (a *AnonMap) ensure() *anonSnapshot {
	s := a.snapshot()
	if s.loaded {
		return s
	}
	if err := a.Reload(); err != nil {
		mammut.Warnf("anonmap", "%v", err)
	}
	return a.snapshot()
}

// Lookup resolves one export name. On a miss the file's modification
// time is checked and a stale snapshot reloaded before giving up.
func (a *AnonMap) Lookup(name string) (string, bool) {
	s := a.ensure()
	if v, ok := s.m[name]; ok {
		return v, true
	}
	if st, err := os.Stat(a.path); err == nil && st.ModTime().After(s.mtime) {
		if err := a.Reload(); err != nil {
			mammut.Warnf("anonmap", "%v", err)
		}
		s = a.snapshot()
		v, ok := s.m[name]
		return v, ok
	}
	return "", false
}

// Keys returns the export names in insertion order.
func (a *AnonMap) Keys() []string {
	return a.ensure().keys
}

// Invalidate drops the snapshot; the next use reloads.
func (a *AnonMap) Invalidate() {
	a.mu.Lock()
	a.snap.Store(&anonSnapshot{m: map[string]string{}})
	a.mu.Unlock()
}

// Reload parses the mapping file and publishes a fresh snapshot. A
// missing file is an empty map.
func (a *AnonMap) Reload() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := &anonSnapshot{m: map[string]string{}, loaded: true}
	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			a.snap.Store(next)
			return nil
		}
		return err
	}
	defer f.Close()
	if st, err := f.Stat(); err == nil {
		next.mtime = st.ModTime()
	}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			mammut.Warnf("anonmap", "skipping invalid line: %q", line)
			continue
		}
		key, value := line[:i], line[i+1:]
		if !strings.HasPrefix(key, anonKeyPrefix) {
			mammut.Warnf("anonmap", "skipping non-anonymous key: %q", key)
			continue
		}
		if _, dup := next.m[key]; !dup {
			next.keys = append(next.keys, key)
		}
		next.m[key] = value
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	mammut.Infof("anonmap", "loaded %d exports", len(next.keys))
	a.snap.Store(next)
	return nil
}
