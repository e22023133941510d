package module

import (
	"strings"

	"golang.org/x/sys/unix"

	"github.com/stustanet/mammutfs/comm"
	"github.com/stustanet/mammutfs/config"
	"github.com/stustanet/mammutfs/mammut"
)

const (
	// listerCoreName is the synthetic diagnostic entry in the shared
	// listing root.
	listerCoreName = "core"
	// listerCoreSize is the advertised size of the core entry.
	listerCoreSize = int64(1) << 62
)

// Lister is the shared listing of anonymous exports: a virtual root
// whose entries resolve through the anonymous map into other users'
// published directories. All entries appear owned by the anonymous
// user.
type Lister struct {
	*Base
	anon *AnonMap
}

// NewLister builds the lister and its cache-control commands.
func NewLister(cfg *config.Config, c *comm.Communicator, files *OpenFiles) *Lister {
	mapping, _ := cfg.Get("anon_mapping_file")
	l := &Lister{
		Base: New("lister", cfg, c, files),
		anon: NewAnonMap(mapping),
	}
	l.SetTranslator(l.Translate)
	if c != nil {
		c.RegisterCommand("CLEARCACHE", "drop the anonymous map", func(string) (string, error) {
			l.anon.Invalidate()
			return "", nil
		})
		c.RegisterCommand("FORCE-RELOAD", "reload the anonymous map", func(string) (string, error) {
			if err := l.anon.Reload(); err != nil {
				return "", err
			}
			return "", nil
		})
	}
	return l
}

// AnonView hands the map to the anonym module as a read-only view.
func (l *Lister) AnonView() *AnonMap {
	return l.anon
}

// VisibleInRoot hides the listing from the mount root.
func (l *Lister) VisibleInRoot() bool { return false }

// Translate resolves the first segment through the anonymous map; the
// root itself is virtual.
func (l *Lister) Translate(path string) (string, error) {
	if path == "/" {
		return "", nil
	}
	rest := strings.TrimPrefix(path, "/")
	name, sub := rest, ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		name, sub = rest[:i], rest[i:]
	}
	target, ok := l.anon.Lookup(name)
	if !ok {
		return "", mammut.ErrNotFound
	}
	phys, err := l.resolveTarget(target)
	if err != nil {
		return "", err
	}
	return phys + sub, nil
}

// resolveTarget turns a mapping value into a backing path. Absolute
// values are used as-is; relative ones are probed across the raids.
func (l *Lister) resolveTarget(target string) (string, error) {
	if strings.HasPrefix(target, "/") {
		return target, nil
	}
	for _, raid := range l.cfg.Raids {
		candidate := raid + "/" + target
		var st unix.Stat_t
		if err := unix.Stat(candidate, &st); err == nil {
			return candidate, nil
		}
	}
	return "", mammut.ErrNotFound
}

// Getattr serves the virtual root and core entries and rewrites all
// ownership to the anonymous user.
func (l *Lister) Getattr(path string, st *unix.Stat_t) error {
	uid, gid := l.cfg.AnonIDs()
	switch path {
	case "/":
		l.rootAttr(st)
	case "/" + listerCoreName:
		*st = unix.Stat_t{}
		st.Ino = 2
		st.Mode = unix.S_IFREG | 0555
		st.Nlink = 1
		st.Size = listerCoreSize
	default:
		if err := l.Base.Getattr(path, st); err != nil {
			return err
		}
	}
	st.Uid = uid
	st.Gid = gid
	return nil
}

// Mkdir is refused at the root; deeper paths pass through with the
// published mode bits.
func (l *Lister) Mkdir(path string, mode uint32) error {
	if path == "/" {
		return mammut.ErrNotPermitted
	}
	return l.Base.Mkdir(path, mode&0770|publicDirBits)
}

// Open hands out a virtual handle for core, everything else passes
// through.
func (l *Lister) Open(path string, flags int) (uint64, error) {
	if path == "/"+listerCoreName {
		return l.files.Insert(&OpenFile{Path: path, Type: TypeVirtual}), nil
	}
	return l.Base.Open(path, flags)
}

// Read serves zero-filled bytes for core and delegates otherwise.
func (l *Lister) Read(path string, fh uint64, dest []byte, off int64) (int, error) {
	if path == "/"+listerCoreName {
		for i := range dest {
			dest[i] = 0
		}
		return len(dest), nil
	}
	return l.Base.Read(path, fh, dest, off)
}

// Opendir hands out a virtual handle for the root.
func (l *Lister) Opendir(path string) (uint64, error) {
	if path == "/" {
		return l.files.Insert(&OpenFile{Path: path, Type: TypeVirtual}), nil
	}
	return l.Base.Opendir(path)
}

// Readdir lists core and the export names in insertion order at the
// root.
func (l *Lister) Readdir(path string, fh uint64) ([]Dirent, error) {
	if path != "/" {
		return l.Base.Readdir(path, fh)
	}
	mammut.Tracef(l, "readdir: %s", path)
	out := []Dirent{
		{Name: ".", Dir: true},
		{Name: "..", Dir: true},
		{Name: listerCoreName, Dir: false},
	}
	for _, key := range l.anon.Keys() {
		out = append(out, Dirent{Name: key, Dir: true})
	}
	return out, nil
}

// Statfs reports the first raid's statistics; the root has no backing
// path of its own.
func (l *Lister) Statfs(path string, st *unix.Statfs_t) error {
	if path == "/" {
		return unix.Statfs(l.cfg.Raids[0], st)
	}
	return l.Base.Statfs(path, st)
}
