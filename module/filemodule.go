package module

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/stustanet/mammutfs/comm"
	"github.com/stustanet/mammutfs/config"
	"github.com/stustanet/mammutfs/mammut"
)

// FileBase is the shared behaviour of modules presenting exactly one
// editable file at their root. Everything that would create a second
// entry is refused; hooks let the variant react to releases.
type FileBase struct {
	*Base
	filename    string
	allowUnlink bool
	maxSize     int64

	// onDefault rebuilds the file's default content after it was
	// released empty; nil keeps it empty.
	onDefault func()
	// onChanged runs after the file was released with writes.
	onChanged func()
}

// NewFileBase builds a single-file module around filename.
func NewFileBase(name, filename string, cfg *config.Config, c *comm.Communicator, files *OpenFiles) *FileBase {
	f := &FileBase{
		Base:     New(name, cfg, c, files),
		filename: filename,
		maxSize:  10000000,
	}
	f.SetTranslator(f.Translate)
	return f
}

// Translate accepts only the root and the single filename.
func (f *FileBase) Translate(path string) (string, error) {
	switch path {
	case "/":
		return f.Passthrough(path)
	case "/" + f.filename:
		f.ensure()
		return f.Passthrough(path)
	default:
		return "", mammut.ErrNotFound
	}
}

// ensure creates the file when it does not exist yet.
func (f *FileBase) ensure() {
	phys, err := f.Passthrough("/" + f.filename)
	if err != nil {
		return
	}
	var st unix.Stat_t
	if err := unix.Stat(phys, &st); err == nil || err != unix.ENOENT {
		return
	}
	file, err := os.OpenFile(phys, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		mammut.Warnf(f, "cannot create %s: %v", phys, err)
		return
	}
	file.Close()
	if f.onDefault != nil {
		f.onDefault()
	}
}

// Mkdir is refused.
func (f *FileBase) Mkdir(path string, mode uint32) error {
	return mammut.ErrNotPermitted
}

// Rmdir is refused.
func (f *FileBase) Rmdir(path string) error {
	return mammut.ErrNotPermitted
}

// Rename is refused.
func (f *FileBase) Rename(oldPhys, path, oldVirt, newVirt string) error {
	return mammut.ErrNotPermitted
}

// Chmod is refused.
func (f *FileBase) Chmod(path string, mode uint32) error {
	return mammut.ErrNotPermitted
}

// Unlink is only allowed when the variant tolerates it.
func (f *FileBase) Unlink(path string) error {
	if !f.allowUnlink {
		return mammut.ErrNotPermitted
	}
	return f.Base.Unlink(path)
}

// Truncate is capped so an editor cannot blow the file up.
func (f *FileBase) Truncate(path string, size int64) error {
	if size > f.maxSize {
		return mammut.ErrNotPermitted
	}
	return f.Base.Truncate(path, size)
}

// Create only ever touches the single file.
func (f *FileBase) Create(path string, mode uint32, flags int) (uint64, error) {
	if path != "/"+f.filename {
		return 0, mammut.ErrNotPermitted
	}
	return f.Base.Create(path, mode, flags)
}

// Readdir lists the single file.
func (f *FileBase) Readdir(path string, fh uint64) ([]Dirent, error) {
	if path != "/" {
		return nil, mammut.ErrNotFound
	}
	f.ensure()
	return []Dirent{
		{Name: ".", Dir: true},
		{Name: "..", Dir: true},
		{Name: f.filename, Dir: false},
	}, nil
}

// Release closes the file and runs the variant hooks: an empty file
// gets its default content back, a changed one is re-read.
func (f *FileBase) Release(path string, fh uint64) error {
	changed, err := f.files.Release(fh)
	if err != nil {
		return err
	}
	phys, terr := f.Translate(path)
	if terr != nil {
		return nil
	}
	var st unix.Stat_t
	if err := unix.Stat(phys, &st); err == nil && st.Size == 0 && f.onDefault != nil {
		mammut.Infof(f, "%s was emptied, restoring default content", f.filename)
		f.onDefault()
		changed = false
	}
	if changed && f.onChanged != nil {
		f.onChanged()
	}
	return nil
}
