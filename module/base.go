package module

import (
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stustanet/mammutfs/comm"
	"github.com/stustanet/mammutfs/config"
	"github.com/stustanet/mammutfs/mammut"
)

// Base carries the passthrough behaviour shared by every module
// variant. Variants embed it and override the handful of operations
// their policy touches; operations that need the variant's path
// translation go through the translate hook installed with
// SetTranslator.
type Base struct {
	name  string
	cfg   *config.Config
	comm  *comm.Communicator
	files *OpenFiles

	translate   func(path string) (string, error)
	truncateMax int64

	raidMu sync.Mutex
	raid   string // memoised <raid>/<name>/<user>, "" until located
}

// New builds the passthrough for a named module and registers its
// <name>_raid command.
func New(name string, cfg *config.Config, c *comm.Communicator, files *OpenFiles) *Base {
	b := &Base{
		name:  name,
		cfg:   cfg,
		comm:  c,
		files: files,
	}
	b.translate = b.Passthrough
	b.truncateMax, _ = cfg.GetInt64("truncate_maxsize")
	if c != nil {
		c.RegisterCommand(name+"_raid", "get the module's identified raid", func(string) (string, error) {
			p, err := b.findRaid()
			if err != nil {
				return strconv.Quote(""), nil
			}
			return strconv.Quote(p), nil
		})
	}
	return b
}

// SetTranslator installs the variant's Translate so the shared
// operations resolve paths through the variant's policy.
func (b *Base) SetTranslator(fn func(path string) (string, error)) {
	b.translate = fn
}

// Name returns the module name.
func (b *Base) Name() string { return b.name }

// String implements the log-prefix convention.
func (b *Base) String() string { return b.name }

// VisibleInRoot reports whether the module is listed in the mount
// root.
func (b *Base) VisibleInRoot() bool { return true }

// Translate resolves a module-relative path to its backing path.
func (b *Base) Translate(path string) (string, error) {
	return b.translate(path)
}

// Passthrough is the default translation: the module's raid location
// plus the subpath.
func (b *Base) Passthrough(path string) (string, error) {
	raid, err := b.findRaid()
	if err != nil {
		return "", err
	}
	if path == "/" {
		return raid, nil
	}
	return raid + path, nil
}

// virtual rebuilds the mount-wide path of a module-relative one, as
// used in event messages.
func (b *Base) virtual(path string) string {
	if path == "/" {
		return "/" + b.name
	}
	return "/" + b.name + path
}

// findRaid locates the single raid carrying this module's user
// directory. The result is memoised for the module's lifetime.
func (b *Base) findRaid() (string, error) {
	b.raidMu.Lock()
	defer b.raidMu.Unlock()
	if b.raid != "" {
		return b.raid, nil
	}
	for _, raid := range b.cfg.Raids {
		candidate := raid + "/" + b.name + "/" + b.cfg.Username
		var st unix.Stat_t
		if err := unix.Stat(candidate, &st); err == nil && st.Mode&unix.S_IFMT == unix.S_IFDIR {
			b.raid = candidate
			return b.raid, nil
		}
	}
	mammut.Errorf(b, "could not find raid for user %s", b.cfg.Username)
	return "", mammut.ErrNotFound
}

// rootAttr synthesises the directory entry reported for a module
// root, owned by the running user.
func (b *Base) rootAttr(st *unix.Stat_t) {
	*st = unix.Stat_t{}
	st.Ino = 1
	st.Mode = unix.S_IFDIR | 0755
	st.Nlink = 1
	st.Uid = b.cfg.UserUID
	st.Gid = b.cfg.UserGID
}

// Getattr stats the backing path; the module root is synthesised.
func (b *Base) Getattr(path string, st *unix.Stat_t) error {
	if path == "/" {
		b.rootAttr(st)
		return nil
	}
	translated, err := b.translate(path)
	if err != nil {
		return err
	}
	if err := unix.Lstat(translated, st); err != nil {
		if err != unix.ENOENT {
			mammut.Warnf(b, "getattr: lstat failed: %s", translated)
		}
		return &os.PathError{Op: "lstat", Path: translated, Err: err}
	}
	return nil
}

// Readlink is refused: symlinks are never followed out of a module.
func (b *Base) Readlink(path string) (string, error) {
	mammut.Tracef(b, "readlink: %s", path)
	return "", mammut.ErrNotSupported
}

// Mknod is refused.
func (b *Base) Mknod(path string, mode uint32, dev uint64) error {
	mammut.Tracef(b, "mknod: %s", path)
	return mammut.ErrNotSupported
}

// Mkdir creates a directory under the backing path.
func (b *Base) Mkdir(path string, mode uint32) error {
	mammut.Tracef(b, "mkdir: %s", path)
	translated, err := b.translate(path)
	if err != nil {
		return err
	}
	if err := unix.Mkdir(translated, mode); err != nil {
		mammut.Warnf(b, "mkdir failed: %s", translated)
		return &os.PathError{Op: "mkdir", Path: translated, Err: err}
	}
	return nil
}

// Unlink removes a file.
func (b *Base) Unlink(path string) error {
	mammut.Tracef(b, "unlink: %s", path)
	translated, err := b.translate(path)
	if err != nil {
		return err
	}
	if err := unix.Unlink(translated); err != nil {
		mammut.Warnf(b, "unlink failed: %s", translated)
		return &os.PathError{Op: "unlink", Path: translated, Err: err}
	}
	return nil
}

// Rmdir removes a directory.
func (b *Base) Rmdir(path string) error {
	mammut.Tracef(b, "rmdir: %s", path)
	translated, err := b.translate(path)
	if err != nil {
		return err
	}
	if err := unix.Rmdir(translated); err != nil {
		mammut.Warnf(b, "rmdir failed: %s", translated)
		return &os.PathError{Op: "rmdir", Path: translated, Err: err}
	}
	return nil
}

// Symlink is refused.
func (b *Base) Symlink(target, path string) error {
	mammut.Tracef(b, "symlink: %s", path)
	return mammut.ErrNotSupported
}

// Rename moves the already-translated source onto path. Open handles
// survive: entries track the kernel handle, not the name.
func (b *Base) Rename(oldPhys, path, oldVirt, newVirt string) error {
	mammut.Tracef(b, "rename: %s -> %s", oldVirt, newVirt)
	translated, err := b.translate(path)
	if err != nil {
		return err
	}
	if err := os.Rename(oldPhys, translated); err != nil {
		mammut.Warnf(b, "rename failed: %s -> %s", oldPhys, translated)
		return err
	}
	return nil
}

// Link is refused.
func (b *Base) Link(target, path string) error {
	mammut.Tracef(b, "link: %s", path)
	return mammut.ErrNotSupported
}

// Chmod changes the permission bits of the backing path.
func (b *Base) Chmod(path string, mode uint32) error {
	mammut.Tracef(b, "chmod: %s", path)
	translated, err := b.translate(path)
	if err != nil {
		return err
	}
	if err := unix.Chmod(translated, mode); err != nil {
		mammut.Warnf(b, "chmod failed: %s", translated)
		return &os.PathError{Op: "chmod", Path: translated, Err: err}
	}
	return nil
}

// Chown is refused: ownership never changes through the mount.
func (b *Base) Chown(path string, uid, gid uint32) error {
	mammut.Tracef(b, "chown: %s", path)
	return mammut.ErrNotPermitted
}

// Truncate resizes the backing file. Growing a file beyond
// truncate_maxsize is refused.
func (b *Base) Truncate(path string, size int64) error {
	mammut.Tracef(b, "truncate: %s", path)
	translated, err := b.translate(path)
	if err != nil {
		return err
	}
	if size > b.truncateMax {
		var st unix.Stat_t
		if err := unix.Stat(translated, &st); err != nil {
			return &os.PathError{Op: "stat", Path: translated, Err: err}
		}
		if st.Size < size {
			return mammut.ErrNotPermitted
		}
	}
	if err := unix.Truncate(translated, size); err != nil {
		mammut.Warnf(b, "truncate failed: %s", translated)
		return &os.PathError{Op: "truncate", Path: translated, Err: err}
	}
	return nil
}

// Open opens the backing file, never following symlinks, and records
// the entry.
func (b *Base) Open(path string, flags int) (uint64, error) {
	mammut.Tracef(b, "open: %s", path)
	translated, err := b.translate(path)
	if err != nil {
		return 0, err
	}
	fd, err := unix.Open(translated, flags|unix.O_NOFOLLOW, 0)
	if err != nil {
		mammut.Warnf(b, "open failed: %s", translated)
		return 0, &os.PathError{Op: "open", Path: translated, Err: err}
	}
	return b.files.Insert(&OpenFile{
		Path:  translated,
		Type:  TypeFile,
		Flags: flags,
		open:  true,
		fd:    fd,
	}), nil
}

// Create makes the backing file with the caller's mode and records
// the entry with the dirty bit already set.
func (b *Base) Create(path string, mode uint32, flags int) (uint64, error) {
	mammut.Tracef(b, "create: %s", path)
	translated, err := b.translate(path)
	if err != nil {
		return 0, err
	}
	fd, err := unix.Open(translated, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC|unix.O_NOFOLLOW, mode)
	if err != nil {
		mammut.Warnf(b, "create failed: %s", translated)
		return 0, &os.PathError{Op: "create", Path: translated, Err: err}
	}
	return b.files.Insert(&OpenFile{
		Path:    translated,
		Type:    TypeFile,
		Flags:   unix.O_WRONLY | unix.O_APPEND,
		open:    true,
		fd:      fd,
		changed: true,
	}), nil
}

// Read fills dest from the recorded handle at off.
func (b *Base) Read(path string, fh uint64, dest []byte, off int64) (int, error) {
	h, err := b.files.Acquire(fh)
	if err != nil {
		return 0, err
	}
	defer h.Close()
	fd, err := h.Fd()
	if err != nil {
		return 0, err
	}
	n, err := unix.Pread(fd, dest, off)
	if err != nil {
		mammut.Warnf(b, "read failed: %s", h.Entry().Path)
		return 0, &os.PathError{Op: "read", Path: h.Entry().Path, Err: err}
	}
	return n, nil
}

// Write stores data at off through the recorded handle and sets the
// dirty bit on success.
func (b *Base) Write(path string, fh uint64, data []byte, off int64) (int, error) {
	h, err := b.files.Acquire(fh)
	if err != nil {
		return 0, err
	}
	defer h.Close()
	fd, err := h.Fd()
	if err != nil {
		return 0, err
	}
	n, err := unix.Pwrite(fd, data, off)
	if err != nil {
		mammut.Warnf(b, "write failed: %s", h.Entry().Path)
		return 0, &os.PathError{Op: "write", Path: h.Entry().Path, Err: err}
	}
	if n > 0 {
		h.MarkChanged()
	}
	return n, nil
}

// Statfs reports the backing filesystem's statistics.
func (b *Base) Statfs(path string, st *unix.Statfs_t) error {
	mammut.Tracef(b, "statfs: %s", path)
	translated, err := b.translate(path)
	if err != nil {
		return err
	}
	if err := unix.Statfs(translated, st); err != nil {
		return &os.PathError{Op: "statfs", Path: translated, Err: err}
	}
	return nil
}

// Flush is a no-op; writes go straight to the backing file.
func (b *Base) Flush(path string, fh uint64) error {
	return nil
}

// Release closes the native handle and drops the entry.
func (b *Base) Release(path string, fh uint64) error {
	mammut.Tracef(b, "release: %s", path)
	_, err := b.files.Release(fh)
	return err
}

// Fsync flushes the backing file to disk.
func (b *Base) Fsync(path string, fh uint64, datasync bool) error {
	mammut.Tracef(b, "fsync: %s", path)
	h, err := b.files.Acquire(fh)
	if err != nil {
		return err
	}
	defer h.Close()
	fd, err := h.Fd()
	if err != nil {
		return err
	}
	if datasync {
		return unix.Fdatasync(fd)
	}
	return unix.Fsync(fd)
}

// Setxattr is refused: extended attributes never cross the mount.
func (b *Base) Setxattr(path, name string, value []byte, flags int) error {
	mammut.Tracef(b, "setxattr: %s", path)
	return mammut.ErrNotSupported
}

// Getxattr is refused.
func (b *Base) Getxattr(path, name string) ([]byte, error) {
	mammut.Tracef(b, "getxattr: %s", path)
	return nil, mammut.ErrNotSupported
}

// Listxattr is refused.
func (b *Base) Listxattr(path string) ([]string, error) {
	mammut.Tracef(b, "listxattr: %s", path)
	return nil, mammut.ErrNotSupported
}

// Removexattr is refused.
func (b *Base) Removexattr(path, name string) error {
	mammut.Tracef(b, "removexattr: %s", path)
	return mammut.ErrNotSupported
}

// Opendir opens the backing directory and records the entry.
func (b *Base) Opendir(path string) (uint64, error) {
	mammut.Tracef(b, "opendir: %s", path)
	translated, err := b.translate(path)
	if err != nil {
		return 0, err
	}
	d, err := os.OpenFile(translated, os.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
	if err != nil {
		mammut.Warnf(b, "opendir failed: %s", translated)
		return 0, err
	}
	return b.files.Insert(&OpenFile{
		Path: translated,
		Type: TypeDir,
		open: true,
		dir:  d,
	}), nil
}

// Readdir enumerates the directory behind the handle.
func (b *Base) Readdir(path string, fh uint64) ([]Dirent, error) {
	mammut.Tracef(b, "readdir: %s", path)
	h, err := b.files.Acquire(fh)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	d, err := h.Dir()
	if err != nil {
		return nil, err
	}
	if _, err := d.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	entries, err := d.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	out := make([]Dirent, 0, len(entries)+2)
	out = append(out, Dirent{Name: ".", Dir: true}, Dirent{Name: "..", Dir: true})
	for _, e := range entries {
		out = append(out, Dirent{Name: e.Name(), Dir: e.IsDir()})
	}
	return out, nil
}

// Releasedir closes the directory handle and drops the entry.
func (b *Base) Releasedir(path string, fh uint64) error {
	mammut.Tracef(b, "releasedir: %s", path)
	_, err := b.files.Release(fh)
	return err
}

// Fsyncdir is a no-op.
func (b *Base) Fsyncdir(path string, fh uint64, datasync bool) error {
	return nil
}

// Access applies the requested mask against the backing path.
func (b *Base) Access(path string, mask uint32) error {
	mammut.Tracef(b, "access: %s", path)
	translated, err := b.translate(path)
	if err != nil {
		return err
	}
	if err := unix.Access(translated, mask); err != nil {
		return &os.PathError{Op: "access", Path: translated, Err: err}
	}
	return nil
}

// Utimens updates access and modification times.
func (b *Base) Utimens(path string, atime, mtime time.Time) error {
	mammut.Tracef(b, "utimens: %s", path)
	translated, err := b.translate(path)
	if err != nil {
		return err
	}
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, translated, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		mammut.Warnf(b, "utimens failed: %s", translated)
		return &os.PathError{Op: "utimens", Path: translated, Err: err}
	}
	return nil
}
