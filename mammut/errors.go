// Package mammut holds the pieces every mammutfs package shares: the
// error kinds handed back across the kernel boundary and the logging
// helpers.
package mammut

import (
	"errors"
	"os"
	"syscall"
)

// Error kinds returned to the kernel interface. Policy code returns
// these; backing I/O errors keep their original errno.
var (
	ErrNotFound        = errors.New("not found")
	ErrNotPermitted    = errors.New("operation not permitted")
	ErrNotSupported    = errors.New("operation not supported")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoMemory        = errors.New("out of memory")
	ErrIO              = errors.New("input/output error")
	ErrBusy            = errors.New("device or resource busy")
)

// Errno flattens err into the errno delivered to the kernel. Backing
// call errors (*os.PathError, syscall.Errno) propagate unchanged;
// anything unrecognised becomes EIO.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, ErrNotPermitted):
		return syscall.EPERM
	case errors.Is(err, ErrNotSupported):
		return syscall.ENOTSUP
	case errors.Is(err, ErrInvalidArgument):
		return syscall.EINVAL
	case errors.Is(err, ErrNoMemory):
		return syscall.ENOMEM
	case errors.Is(err, ErrBusy):
		return syscall.EBUSY
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if errors.Is(err, os.ErrPermission) {
		return syscall.EACCES
	}
	return syscall.EIO
}
