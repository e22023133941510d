package fusefs

import (
	"context"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"golang.org/x/sys/unix"

	"github.com/stustanet/mammutfs/mammut"
	"github.com/stustanet/mammutfs/module"
)

// File is a regular-file node carrying its virtual path.
type File struct {
	fsys  *FS
	vpath string
}

// Check interfaces satisfied
var (
	_ fusefs.Node              = (*File)(nil)
	_ fusefs.NodeOpener        = (*File)(nil)
	_ fusefs.NodeFsyncer       = (*File)(nil)
	_ fusefs.NodeSetattrer     = (*File)(nil)
	_ fusefs.NodeAccesser      = (*File)(nil)
	_ fusefs.NodeReadlinker    = (*File)(nil)
	_ fusefs.NodeGetxattrer    = (*File)(nil)
	_ fusefs.NodeSetxattrer    = (*File)(nil)
	_ fusefs.NodeListxattrer   = (*File)(nil)
	_ fusefs.NodeRemovexattrer = (*File)(nil)
)

// Attr fills the file attributes.
func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {
	m, sub, err := f.fsys.res.Resolve(f.vpath)
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

// Open opens the file and hands out a handle bound to the registry
// identifier.
func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	m, sub, err := f.fsys.res.Resolve(f.vpath)
	if err != nil {
		return nil, errno(err)
	}
	fh, err := m.Open(sub, int(req.Flags))
	if err != nil {
		return nil, errno(err)
	}
	return &FileHandle{mod: m, sub: sub, fh: fh}, nil
}

// Setattr applies chmod/truncate/utimens.
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	m, sub, err := f.fsys.res.Resolve(f.vpath)
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
func (f *File) Access(ctx context.Context, req *fuse.AccessRequest) error {
	m, sub, err := f.fsys.res.Resolve(f.vpath)
	if err != nil {
		return errno(err)
	}
	return errno(m.Access(sub, req.Mask))
}

// Readlink is never supported.
func (f *File) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	return "", errno(mammut.ErrNotSupported)
}

// Getxattr is never supported.
func (f *File) Getxattr(ctx context.Context, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	return errno(mammut.ErrNotSupported)
}

// Setxattr is never supported.
func (f *File) Setxattr(ctx context.Context, req *fuse.SetxattrRequest) error {
	return errno(mammut.ErrNotSupported)
}

// Listxattr is never supported.
func (f *File) Listxattr(ctx context.Context, req *fuse.ListxattrRequest, resp *fuse.ListxattrResponse) error {
	return errno(mammut.ErrNotSupported)
}

// Removexattr is never supported.
func (f *File) Removexattr(ctx context.Context, req *fuse.RemovexattrRequest) error {
	return errno(mammut.ErrNotSupported)
}

// applySetattr maps one setattr request onto module operations.
func applySetattr(m module.Module, sub string, req *fuse.SetattrRequest) error {
	if req.Valid.Mode() {
		if err := m.Chmod(sub, sysMode(req.Mode)); err != nil {
			return errno(err)
		}
	}
	if req.Valid.Uid() || req.Valid.Gid() {
		if err := m.Chown(sub, req.Uid, req.Gid); err != nil {
			return errno(err)
		}
	}
	if req.Valid.Size() {
		if err := m.Truncate(sub, int64(req.Size)); err != nil {
			return errno(err)
		}
	}
	if req.Valid.Atime() || req.Valid.Mtime() {
		if err := m.Utimens(sub, req.Atime, req.Mtime); err != nil {
			return errno(err)
		}
	}
	return nil
}

// FileHandle is one open file.
type FileHandle struct {
	mod module.Module
	sub string
	fh  uint64
}

// Check interfaces satisfied
var (
	_ fusefs.HandleReader   = (*FileHandle)(nil)
	_ fusefs.HandleWriter   = (*FileHandle)(nil)
	_ fusefs.HandleFlusher  = (*FileHandle)(nil)
	_ fusefs.HandleReleaser = (*FileHandle)(nil)
)

// Read delegates to the module with an explicit offset.
func (h *FileHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	n, err := h.mod.Read(h.sub, h.fh, buf, req.Offset)
	if err != nil {
		return errno(err)
	}
	resp.Data = buf[:n]
	return nil
}

// Write delegates to the module with an explicit offset.
func (h *FileHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	n, err := h.mod.Write(h.sub, h.fh, req.Data, req.Offset)
	if err != nil {
		return errno(err)
	}
	resp.Size = n
	return nil
}

// Flush is forwarded; modules treat it as a no-op.
func (h *FileHandle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	return errno(h.mod.Flush(h.sub, h.fh))
}

// Release closes the handle; publication modules emit their CHANGED
// event here.
func (h *FileHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return errno(h.mod.Release(h.sub, h.fh))
}

// Fsync flushes the backing file. The kernel addresses the node, so a
// transient handle stands in for the open one.
func (f *File) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	m, sub, err := f.fsys.res.Resolve(f.vpath)
	if err != nil {
		return errno(err)
	}
	fh, err := m.Open(sub, unix.O_RDONLY)
	if err != nil {
		return errno(err)
	}
	defer m.Release(sub, fh)
	return errno(m.Fsync(sub, fh, req.Flags&1 != 0))
}
