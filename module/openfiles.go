package module

import (
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/stustanet/mammutfs/config"
	"github.com/stustanet/mammutfs/mammut"
)

// FileType tags what an open-file entry is backed by.
type FileType int

// Open-file entry kinds.
const (
	TypeFile FileType = iota
	TypeDir
	TypeVirtual // synthesised directory or file, no native handle
)

// OpenFile is one entry of the registry: a handle given out to the
// kernel together with the state needed to re-materialise the native
// descriptor on demand.
type OpenFile struct {
	Path  string // backing path, used for reopening
	Type  FileType
	Flags int // flags from the original open

	mu      sync.Mutex // serialises access per entry
	open    bool
	changed bool
	fd      int      // native descriptor (TypeFile)
	dir     *os.File // directory stream (TypeDir)
}

// OpenFiles is the process-wide table of handles. When the table holds
// more entries than max_native_fds allows, scoped accesses close their
// descriptor again on exit and reopen on the next use. Every entry
// counts towards the limit, including virtual entries and entries
// whose descriptor is currently closed.
type OpenFiles struct {
	mu        sync.Mutex
	next      uint64
	table     map[uint64]*OpenFile
	maxNative int64
}

// NewOpenFiles builds the registry and wires the max_native_fds live
// key.
func NewOpenFiles(cfg *config.Config) *OpenFiles {
	r := &OpenFiles{table: map[uint64]*OpenFile{}}
	update := func() {
		n, err := cfg.GetInt64("max_native_fds")
		if err != nil {
			mammut.Errorf("openfiles", "%v", err)
			return
		}
		atomic.StoreInt64(&r.maxNative, n)
	}
	update()
	cfg.Subscribe("max_native_fds", update)
	return r
}

// Insert registers a new entry and returns its handle. Handles are
// unique for the life of the process.
func (r *OpenFiles) Insert(of *OpenFile) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	fh := r.next
	r.table[fh] = of
	return fh
}

// Len reports the number of live entries.
func (r *OpenFiles) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}

// Changed reports the entry's dirty bit.
func (r *OpenFiles) Changed(fh uint64) bool {
	r.mu.Lock()
	of, ok := r.table[fh]
	r.mu.Unlock()
	if !ok {
		return false
	}
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.changed
}

// Acquire locks the entry for one scoped access. The returned handle
// must be Closed; it decides on entry whether the native descriptor
// has to be given up again when the scope ends.
func (r *OpenFiles) Acquire(fh uint64) (*Handle, error) {
	r.mu.Lock()
	of, ok := r.table[fh]
	over := int64(len(r.table)) > atomic.LoadInt64(&r.maxNative)
	r.mu.Unlock()
	if !ok {
		return nil, mammut.ErrInvalidArgument
	}
	of.mu.Lock()
	return &Handle{of: of, shouldClose: over}, nil
}

// Release closes the entry's native handle and drops it from the
// table. It reports the entry's dirty bit, which Create sets and a
// successful write sets.
func (r *OpenFiles) Release(fh uint64) (changed bool, err error) {
	r.mu.Lock()
	of, ok := r.table[fh]
	delete(r.table, fh)
	r.mu.Unlock()
	if !ok {
		return false, mammut.ErrInvalidArgument
	}
	of.mu.Lock()
	defer of.mu.Unlock()
	changed = of.changed
	if of.open {
		err = of.close()
	}
	return changed, err
}

func (of *OpenFile) close() error {
	of.open = false
	switch of.Type {
	case TypeFile:
		fd := of.fd
		of.fd = -1
		return unix.Close(fd)
	case TypeDir:
		d := of.dir
		of.dir = nil
		return d.Close()
	}
	return nil
}

// Handle is one scoped access to an entry. It holds the per-entry
// lock from Acquire until Close.
type Handle struct {
	of          *OpenFile
	shouldClose bool
}

// Entry exposes the locked entry.
func (h *Handle) Entry() *OpenFile {
	return h.of
}

// Fd materialises the native file descriptor, reopening the backing
// file when a previous scope had to give it up. Reopening keeps the
// recorded access mode and adds O_APPEND|O_NOFOLLOW; positions come
// from the explicit offsets of read/write.
func (h *Handle) Fd() (int, error) {
	of := h.of
	if of.Type != TypeFile {
		return -1, mammut.ErrInvalidArgument
	}
	if !of.open {
		flags := (of.Flags & unix.O_ACCMODE) | unix.O_NOFOLLOW | unix.O_APPEND
		fd, err := unix.Open(of.Path, flags, 0)
		if err != nil {
			return -1, &os.PathError{Op: "open", Path: of.Path, Err: err}
		}
		of.fd = fd
		of.open = true
	}
	return of.fd, nil
}

// Dir materialises the directory stream.
func (h *Handle) Dir() (*os.File, error) {
	of := h.of
	if of.Type != TypeDir {
		return nil, mammut.ErrInvalidArgument
	}
	if !of.open {
		d, err := os.OpenFile(of.Path, os.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
		if err != nil {
			return nil, err
		}
		of.dir = d
		of.open = true
	}
	return of.dir, nil
}

// MarkChanged sets the dirty bit after a successful write.
func (h *Handle) MarkChanged() {
	h.of.changed = true
}

// Close ends the scope, giving the native descriptor back when the
// registry was over its limit at Acquire time.
func (h *Handle) Close() {
	of := h.of
	if h.shouldClose && of.open {
		if err := of.close(); err != nil {
			mammut.Warnf("openfiles", "close %s: %v", of.Path, err)
		}
	}
	of.mu.Unlock()
}
