// Package fusefs binds the module layer to the kernel through
// bazil.org/fuse: nodes carry virtual paths, handles carry open-file
// registry identifiers, and every callback reduces to one Module
// operation.
package fusefs

import (
	"context"
	"os"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"golang.org/x/sys/unix"

	"github.com/stustanet/mammutfs/config"
	"github.com/stustanet/mammutfs/mammut"
	"github.com/stustanet/mammutfs/module"
)

// attrValidity is how long the kernel may cache attributes.
const attrValidity = time.Second

// FS is the mounted filesystem.
type FS struct {
	res *module.Resolver
	cfg *config.Config
}

// New builds the filesystem around a finished resolver.
func New(res *module.Resolver, cfg *config.Config) *FS {
	return &FS{res: res, cfg: cfg}
}

// Mount attaches the filesystem and serves kernel requests until the
// mountpoint is unmounted.
func Mount(res *module.Resolver, cfg *config.Config) error {
	conn, err := fuse.Mount(cfg.Mountpoint,
		fuse.FSName("mammutfs"),
		fuse.Subtype("mammutfs"),
		fuse.AllowOther(),
		fuse.DefaultPermissions(),
		fuse.MaxReadahead(128*1024),
	)
	if err != nil {
		return err
	}
	defer conn.Close()
	mammut.Infof("fuse", "mounted on %s", cfg.Mountpoint)
	return fusefs.Serve(conn, New(res, cfg))
}

// Unmount detaches the filesystem, used by the signal handler.
func Unmount(cfg *config.Config) error {
	return fuse.Unmount(cfg.Mountpoint)
}

// Root returns the mount root.
func (f *FS) Root() (fusefs.Node, error) {
	return &Dir{fsys: f, vpath: "/"}, nil
}

// Statfs reports the statistics of the module serving the mount root.
func (f *FS) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	m, sub, err := f.res.Resolve("/")
	if err != nil {
		return errno(err)
	}
	var st unix.Statfs_t
	if err := m.Statfs(sub, &st); err != nil {
		return errno(err)
	}
	resp.Blocks = st.Blocks
	resp.Bfree = st.Bfree
	resp.Bavail = st.Bavail
	resp.Files = st.Files
	resp.Ffree = st.Ffree
	resp.Bsize = uint32(st.Bsize)
	resp.Namelen = uint32(st.Namelen)
	resp.Frsize = uint32(st.Frsize)
	return nil
}

// errno flattens module errors into the kernel convention.
func errno(err error) error {
	if err == nil {
		return nil
	}
	return fuse.Errno(mammut.Errno(err))
}

// fileMode converts a raw stat mode into an os.FileMode.
func fileMode(mode uint32) os.FileMode {
	fm := os.FileMode(mode & 0777)
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		fm |= os.ModeDir
	case unix.S_IFLNK:
		fm |= os.ModeSymlink
	case unix.S_IFBLK:
		fm |= os.ModeDevice
	case unix.S_IFCHR:
		fm |= os.ModeDevice | os.ModeCharDevice
	case unix.S_IFIFO:
		fm |= os.ModeNamedPipe
	case unix.S_IFSOCK:
		fm |= os.ModeSocket
	}
	if mode&unix.S_ISUID != 0 {
		fm |= os.ModeSetuid
	}
	if mode&unix.S_ISGID != 0 {
		fm |= os.ModeSetgid
	}
	if mode&unix.S_ISVTX != 0 {
		fm |= os.ModeSticky
	}
	return fm
}

// sysMode converts an os.FileMode back into raw permission bits.
func sysMode(m os.FileMode) uint32 {
	mode := uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		mode |= unix.S_ISUID
	}
	if m&os.ModeSetgid != 0 {
		mode |= unix.S_ISGID
	}
	if m&os.ModeSticky != 0 {
		mode |= unix.S_ISVTX
	}
	return mode
}

// statToAttr fills a fuse attribute block from a stat result.
func statToAttr(st *unix.Stat_t, a *fuse.Attr) {
	a.Valid = attrValidity
	a.Inode = st.Ino
	a.Size = uint64(st.Size)
	a.Blocks = uint64(st.Blocks)
	a.Atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	a.Mtime = time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
	a.Ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	a.Mode = fileMode(uint32(st.Mode))
	a.Nlink = uint32(st.Nlink)
	a.Uid = st.Uid
	a.Gid = st.Gid
	a.BlockSize = uint32(st.Blksize)
}

// join extends a virtual path by one name.
func join(vpath, name string) string {
	if vpath == "/" {
		return "/" + name
	}
	return vpath + "/" + name
}
