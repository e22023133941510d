package module

import (
	"golang.org/x/sys/unix"

	"github.com/stustanet/mammutfs/comm"
	"github.com/stustanet/mammutfs/config"
	"github.com/stustanet/mammutfs/mammut"
)

// Default serves the mount root: a synthetic directory listing the
// active modules. It has no backing location of its own.
type Default struct {
	*Base
	res *Resolver
}

// NewDefault builds the root module.
func NewDefault(cfg *config.Config, c *comm.Communicator, files *OpenFiles, res *Resolver) *Default {
	d := &Default{Base: New("default", cfg, c, files), res: res}
	d.SetTranslator(d.Translate)
	return d
}

// VisibleInRoot hides the root from its own listing.
func (d *Default) VisibleInRoot() bool { return false }

// Translate always fails: nothing under the root maps to a backing
// path.
func (d *Default) Translate(path string) (string, error) {
	mammut.Tracef(d, "translate called on the root module: %s", path)
	return "", mammut.ErrNotSupported
}

// Getattr serves the fixed root directory. The owner is root so
// chroot-based clients (ftp and friends) accept the directory.
func (d *Default) Getattr(path string, st *unix.Stat_t) error {
	if path != "/" {
		return mammut.ErrNotFound
	}
	d.rootAttr(st)
	st.Uid = 0
	st.Gid = 0
	return nil
}

// Access permits everything but writes.
func (d *Default) Access(path string, mask uint32) error {
	if mask&unix.W_OK != 0 {
		return mammut.ErrNotPermitted
	}
	return nil
}

// Opendir hands out a virtual handle for the root.
func (d *Default) Opendir(path string) (uint64, error) {
	mammut.Tracef(d, "opendir: %s", path)
	if path != "/" {
		return 0, mammut.ErrNotFound
	}
	return d.files.Insert(&OpenFile{Path: path, Type: TypeVirtual}), nil
}

// Readdir lists the modules visible in the root.
func (d *Default) Readdir(path string, fh uint64) ([]Dirent, error) {
	mammut.Tracef(d, "readdir: %s", path)
	if path != "/" {
		return nil, mammut.ErrNotFound
	}
	out := []Dirent{{Name: ".", Dir: true}, {Name: "..", Dir: true}}
	for _, m := range d.res.Active() {
		if m.VisibleInRoot() {
			out = append(out, Dirent{Name: m.Name(), Dir: true})
		}
	}
	return out, nil
}

// Statfs answers with the first raid's filesystem statistics.
func (d *Default) Statfs(path string, st *unix.Statfs_t) error {
	mammut.Tracef(d, "statfs: %s", path)
	if err := unix.Statfs(d.cfg.Raids[0], st); err != nil {
		return err
	}
	return nil
}
