// Package module implements the policy layer of mammutfs: the Module
// contract mirroring the kernel filesystem operations, a passthrough
// base every variant composes with, the resolver that picks a module
// for each virtual path, the open-file registry and the anonymous
// export map.
package module

import (
	"time"

	"golang.org/x/sys/unix"
)

// Dirent is one directory entry handed to the kernel glue.
type Dirent struct {
	Name string
	Dir  bool
}

// Module is the view API of one top-level directory in the mount.
// Paths are module-relative and always start with "/"; handles are
// registry identifiers issued by Open/Create/Opendir.
type Module interface {
	Name() string
	VisibleInRoot() bool

	// Translate yields the backing path for a module-relative path.
	Translate(path string) (string, error)

	Getattr(path string, st *unix.Stat_t) error
	Readlink(path string) (string, error)
	Mknod(path string, mode uint32, dev uint64) error
	Mkdir(path string, mode uint32) error
	Unlink(path string) error
	Rmdir(path string) error
	Symlink(target, path string) error
	// Rename moves oldPhys (already translated by the source module)
	// to path. The virtual paths ride along for events and policy.
	Rename(oldPhys, path, oldVirt, newVirt string) error
	Link(target, path string) error
	Chmod(path string, mode uint32) error
	Chown(path string, uid, gid uint32) error
	Truncate(path string, size int64) error
	Open(path string, flags int) (uint64, error)
	Read(path string, fh uint64, dest []byte, off int64) (int, error)
	Write(path string, fh uint64, data []byte, off int64) (int, error)
	Statfs(path string, st *unix.Statfs_t) error
	Flush(path string, fh uint64) error
	Release(path string, fh uint64) error
	Fsync(path string, fh uint64, datasync bool) error
	Setxattr(path, name string, value []byte, flags int) error
	Getxattr(path, name string) ([]byte, error)
	Listxattr(path string) ([]string, error)
	Removexattr(path, name string) error
	Opendir(path string) (uint64, error)
	Readdir(path string, fh uint64) ([]Dirent, error)
	Releasedir(path string, fh uint64) error
	Fsyncdir(path string, fh uint64, datasync bool) error
	Access(path string, mask uint32) error
	Create(path string, mode uint32, flags int) (uint64, error)
	Utimens(path string, atime, mtime time.Time) error
}
