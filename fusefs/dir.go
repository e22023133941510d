package fusefs

import (
	"context"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"golang.org/x/sys/unix"

	"github.com/stustanet/mammutfs/mammut"
	"github.com/stustanet/mammutfs/module"
)

// Dir is a directory node carrying its virtual path.
type Dir struct {
	fsys  *FS
	vpath string
}

// Check interfaces satisfied
var (
	_ fusefs.Node               = (*Dir)(nil)
	_ fusefs.NodeStringLookuper = (*Dir)(nil)
	_ fusefs.NodeMkdirer        = (*Dir)(nil)
	_ fusefs.NodeCreater        = (*Dir)(nil)
	_ fusefs.NodeRemover        = (*Dir)(nil)
	_ fusefs.NodeRenamer        = (*Dir)(nil)
	_ fusefs.NodeOpener         = (*Dir)(nil)
	_ fusefs.NodeSetattrer      = (*Dir)(nil)
	_ fusefs.NodeAccesser       = (*Dir)(nil)
	_ fusefs.NodeSymlinker      = (*Dir)(nil)
	_ fusefs.NodeLinker         = (*Dir)(nil)
	_ fusefs.NodeMknoder        = (*Dir)(nil)
)

// Attr fills the directory attributes.
func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {
	m, sub, err := d.fsys.res.Resolve(d.vpath)
	if err != nil {
		return errno(err)
	}
	var st unix.Stat_t
	if err := m.Getattr(sub, &st); err != nil {
		return errno(err)
	}
	statToAttr(&st, a)
	return nil
}

// Lookup resolves one child name into a node.
func (d *Dir) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	child := join(d.vpath, name)
	m, sub, err := d.fsys.res.Resolve(child)
	if err != nil {
		return nil, errno(err)
	}
	var st unix.Stat_t
	if err := m.Getattr(sub, &st); err != nil {
		return nil, errno(err)
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return &Dir{fsys: d.fsys, vpath: child}, nil
	}
	return &File{fsys: d.fsys, vpath: child}, nil
}

// Mkdir creates a directory through the module's policy.
func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	child := join(d.vpath, req.Name)
	m, sub, err := d.fsys.res.Resolve(child)
	if err != nil {
		return nil, errno(err)
	}
	if err := m.Mkdir(sub, sysMode(req.Mode)); err != nil {
		return nil, errno(err)
	}
	return &Dir{fsys: d.fsys, vpath: child}, nil
}

// Create makes and opens a file.
func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	child := join(d.vpath, req.Name)
	m, sub, err := d.fsys.res.Resolve(child)
	if err != nil {
		return nil, nil, errno(err)
	}
	fh, err := m.Create(sub, sysMode(req.Mode), int(req.Flags))
	if err != nil {
		return nil, nil, errno(err)
	}
	node := &File{fsys: d.fsys, vpath: child}
	return node, &FileHandle{mod: m, sub: sub, fh: fh}, nil
}

// Remove unlinks a file or removes a directory.
func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	child := join(d.vpath, req.Name)
	m, sub, err := d.fsys.res.Resolve(child)
	if err != nil {
		return errno(err)
	}
	if req.Dir {
		return errno(m.Rmdir(sub))
	}
	return errno(m.Unlink(sub))
}

// Rename hands the move to the resolver so source and target module
// policies both apply.
func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	target, ok := newDir.(*Dir)
	if !ok {
		return errno(mammut.ErrInvalidArgument)
	}
	oldVirt := join(d.vpath, req.OldName)
	newVirt := join(target.vpath, req.NewName)
	return errno(d.fsys.res.Rename(oldVirt, newVirt))
}

// Open opens the directory for listing.
func (d *Dir) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	m, sub, err := d.fsys.res.Resolve(d.vpath)
	if err != nil {
		return nil, errno(err)
	}
	fh, err := m.Opendir(sub)
	if err != nil {
		return nil, errno(err)
	}
	return &DirHandle{mod: m, sub: sub, fh: fh}, nil
}

// Setattr applies chmod/truncate/utimens; ownership changes are
// refused by the modules.
func (d *Dir) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	m, sub, err := d.fsys.res.Resolve(d.vpath)
	if err != nil {
		return errno(err)
	}
	if err := applySetattr(m, sub, req); err != nil {
		return err
	}
	var st unix.Stat_t
	if err := m.Getattr(sub, &st); err != nil {
		return errno(err)
	}
	statToAttr(&st, &resp.Attr)
	return nil
}

// Access checks the mask against the module.
func (d *Dir) Access(ctx context.Context, req *fuse.AccessRequest) error {
	m, sub, err := d.fsys.res.Resolve(d.vpath)
	if err != nil {
		return errno(err)
	}
	return errno(m.Access(sub, req.Mask))
}

// Fsync maps to fsyncdir, a no-op in every module.
func (d *Dir) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	m, sub, err := d.fsys.res.Resolve(d.vpath)
	if err != nil {
		return errno(err)
	}
	return errno(m.Fsyncdir(sub, 0, req.Flags&1 != 0))
}

// Symlink is never supported.
func (d *Dir) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fusefs.Node, error) {
	return nil, errno(mammut.ErrNotSupported)
}

// Link is never supported.
func (d *Dir) Link(ctx context.Context, req *fuse.LinkRequest, old fusefs.Node) (fusefs.Node, error) {
	return nil, errno(mammut.ErrNotSupported)
}

// Mknod is never supported.
func (d *Dir) Mknod(ctx context.Context, req *fuse.MknodRequest) (fusefs.Node, error) {
	return nil, errno(mammut.ErrNotSupported)
}

// DirHandle is one open directory.
type DirHandle struct {
	mod module.Module
	sub string
	fh  uint64
}

// Check interfaces satisfied
var (
	_ fusefs.HandleReadDirAller = (*DirHandle)(nil)
	_ fusefs.HandleReleaser     = (*DirHandle)(nil)
)

// ReadDirAll enumerates the directory.
func (h *DirHandle) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	entries, err := h.mod.Readdir(h.sub, h.fh)
	if err != nil {
		return nil, errno(err)
	}
	out := make([]fuse.Dirent, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		dt := fuse.DT_File
		if e.Dir {
			dt = fuse.DT_Dir
		}
		out = append(out, fuse.Dirent{
			Inode: fusefs.GenerateDynamicInode(1, e.Name),
			Type:  dt,
			Name:  e.Name,
		})
	}
	return out, nil
}

// Release closes the directory handle.
func (h *DirHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return errno(h.mod.Releasedir(h.sub, h.fh))
}
