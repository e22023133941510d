package mammut

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrno(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want syscall.Errno
	}{
		{ErrNotFound, syscall.ENOENT},
		{ErrNotPermitted, syscall.EPERM},
		{ErrNotSupported, syscall.ENOTSUP},
		{ErrInvalidArgument, syscall.EINVAL},
		{ErrNoMemory, syscall.ENOMEM},
		{ErrIO, syscall.EIO},
		{ErrBusy, syscall.EBUSY},
		{fmt.Errorf("mkdir: %w", ErrNotPermitted), syscall.EPERM},
		{&os.PathError{Op: "open", Path: "/x", Err: syscall.EACCES}, syscall.EACCES},
		{syscall.ENOSPC, syscall.ENOSPC},
		{os.ErrNotExist, syscall.ENOENT},
		{errors.New("anything else"), syscall.EIO},
	} {
		assert.Equal(t, tc.want, Errno(tc.err), "%v", tc.err)
	}
	assert.EqualValues(t, 0, Errno(nil))
}

func TestParseLogLevel(t *testing.T) {
	for name, want := range map[string]LogLevel{
		"TRACE": LogTrace,
		"INFO":  LogInfo,
		"WARN":  LogWarn,
		"ERROR": LogError,
		"error": LogError,
	} {
		got, err := ParseLogLevel(name)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLogLevel("LOUD")
	assert.Error(t, err)
}

func TestLogLevelFilter(t *testing.T) {
	SetLogLevel(LogWarn)
	defer SetLogLevel(LogInfo)
	assert.Equal(t, LogWarn, GetLogLevel())
	// filtered levels must not panic with a nil prefix object
	Tracef(nil, "dropped %d", 1)
	Errorf("test", "kept %d", 1)
}
