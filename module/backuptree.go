package module

import (
	"os"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/stustanet/mammutfs/comm"
	"github.com/stustanet/mammutfs/config"
	"github.com/stustanet/mammutfs/mammut"
)

const (
	// backupTreeTTL bounds how long the userid mapping is served
	// without rescanning the raids.
	backupTreeTTL = 5 * time.Minute

	backupMappingKey = "mapping"
)

// BackupTree exposes every user's backup subtree under /<userid>/...
// The userid to raid-path mapping is rebuilt lazily from a scan of
// <raid>/backup/* across all raids.
type BackupTree struct {
	*Base
	cache *gocache.Cache
}

// NewBackupTree builds the all-backup-tree module and its
// invalidation command.
func NewBackupTree(cfg *config.Config, c *comm.Communicator, files *OpenFiles) *BackupTree {
	t := &BackupTree{
		Base:  New("all-backup-tree", cfg, c, files),
		cache: gocache.New(backupTreeTTL, 2*backupTreeTTL),
	}
	t.SetTranslator(t.Translate)
	if c != nil {
		c.RegisterCommand("BACKUPTREE_INVALIDATE", "drop the backup tree mapping", func(string) (string, error) {
			t.cache.Delete(backupMappingKey)
			return "", nil
		})
	}
	return t
}

// mapping returns the current userid mapping, rescanning when the
// cached one expired or was invalidated.
func (t *BackupTree) mapping() map[string]string {
	if v, ok := t.cache.Get(backupMappingKey); ok {
		return v.(map[string]string)
	}
	mammut.Infof(t, "scanning backup directories")
	m := map[string]string{}
	for _, raid := range t.cfg.Raids {
		dir := raid + "/backup"
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				mammut.Errorf(t, "cannot scan %s: %v", dir, err)
			}
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				mammut.Errorf(t, "skipping non-directory %s/%s", dir, e.Name())
				continue
			}
			m[e.Name()] = dir + "/" + e.Name()
		}
	}
	t.cache.SetDefault(backupMappingKey, m)
	return m
}

// Translate resolves the first segment as a userid. The virtual root
// answers with the first raid so statfs keeps working.
func (t *BackupTree) Translate(path string) (string, error) {
	if path == "/" {
		return t.cfg.Raids[0], nil
	}
	rest := strings.TrimPrefix(path, "/")
	userid, sub := rest, ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		userid, sub = rest[:i], rest[i:]
	}
	base, ok := t.mapping()[userid]
	if !ok {
		return "", mammut.ErrNotFound
	}
	return base + sub, nil
}

// Opendir hands out a virtual handle for the root.
func (t *BackupTree) Opendir(path string) (uint64, error) {
	if path == "/" {
		return t.files.Insert(&OpenFile{Path: path, Type: TypeVirtual}), nil
	}
	return t.Base.Opendir(path)
}

// Readdir lists every known userid at the root.
func (t *BackupTree) Readdir(path string, fh uint64) ([]Dirent, error) {
	if path != "/" {
		return t.Base.Readdir(path, fh)
	}
	mammut.Tracef(t, "readdir: %s", path)
	m := t.mapping()
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := []Dirent{{Name: ".", Dir: true}, {Name: "..", Dir: true}}
	for _, id := range ids {
		out = append(out, Dirent{Name: id, Dir: true})
	}
	return out, nil
}
