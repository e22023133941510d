package module

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/stustanet/mammutfs/comm"
	"github.com/stustanet/mammutfs/config"
	"github.com/stustanet/mammutfs/mammut"
)

// Mode bits every published object keeps: directories stay
// world-traversable, files world-readable.
const (
	publicDirBits  = 0005
	publicFileBits = 0004
)

// Public is the publication module: passthrough with o+rX forced onto
// everything and change events for the daemon.
type Public struct {
	*Base
}

// NewPublic builds the public module.
func NewPublic(cfg *config.Config, c *comm.Communicator, files *OpenFiles) *Public {
	return &Public{Base: New("public", cfg, c, files)}
}

func (p *Public) notify(op, path string) {
	if p.comm != nil {
		p.comm.Notify(op, p.name, p.virtual(path), "")
	}
}

// Mkdir forces world-traversal onto new directories and reports them.
func (p *Public) Mkdir(path string, mode uint32) error {
	if err := p.Base.Mkdir(path, mode&0770|publicDirBits); err != nil {
		return err
	}
	p.notify("MKDIR", path)
	return nil
}

// Unlink removes and reports.
func (p *Public) Unlink(path string) error {
	if err := p.Base.Unlink(path); err != nil {
		return err
	}
	p.notify("UNLINK", path)
	return nil
}

// Rmdir removes and reports.
func (p *Public) Rmdir(path string) error {
	if err := p.Base.Rmdir(path); err != nil {
		return err
	}
	p.notify("RMDIR", path)
	return nil
}

// Rename moves into the module, republishes the moved tree when it
// came from elsewhere, and reports both names.
func (p *Public) Rename(oldPhys, path, oldVirt, newVirt string) error {
	if err := p.Base.Rename(oldPhys, path, oldVirt, newVirt); err != nil {
		return err
	}
	if !strings.HasPrefix(oldVirt, "/"+p.name+"/") {
		if translated, err := p.translate(path); err == nil {
			p.publishTree(translated)
		}
	}
	if p.comm != nil {
		p.comm.Notify("RENAME", p.name, oldVirt, newVirt)
	}
	return nil
}

// publishTree re-applies the public mode bits to a tree that moved in
// from a module without them.
func (p *Public) publishTree(root string) {
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		bits := uint32(publicFileBits)
		if info.IsDir() {
			bits = publicDirBits
		}
		mode := uint32(info.Mode().Perm()) | bits
		if err := unix.Chmod(path, mode); err != nil {
			mammut.Warnf(p, "publish: chmod failed: %s", path)
		}
		return nil
	})
	if err != nil {
		mammut.Warnf(p, "publish: %v", err)
	}
}

// Chmod keeps the public bits while letting the user set the rest.
func (p *Public) Chmod(path string, mode uint32) error {
	translated, err := p.translate(path)
	if err != nil {
		return err
	}
	var st unix.Stat_t
	if err := unix.Stat(translated, &st); err != nil {
		return &os.PathError{Op: "stat", Path: translated, Err: err}
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		mode |= publicDirBits
	} else {
		mode |= publicFileBits
	}
	return p.Base.Chmod(path, mode)
}

// Truncate resizes and reports.
func (p *Public) Truncate(path string, size int64) error {
	if err := p.Base.Truncate(path, size); err != nil {
		return err
	}
	p.notify("TRUNCATE", path)
	return nil
}

// Create forces world-read onto new files and reports them.
func (p *Public) Create(path string, mode uint32, flags int) (uint64, error) {
	fh, err := p.Base.Create(path, mode|publicFileBits, flags)
	if err != nil {
		return 0, err
	}
	p.notify("CREATE", path)
	return fh, nil
}

// Release closes the handle; a file that was created or written
// through this handle is reported as CHANGED so the daemon can
// reindex it.
func (p *Public) Release(path string, fh uint64) error {
	changed, err := p.files.Release(fh)
	if err != nil {
		return err
	}
	if changed {
		p.notify("CHANGED", path)
	}
	return nil
}
