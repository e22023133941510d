package module

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/stustanet/mammutfs/comm"
	"github.com/stustanet/mammutfs/config"
	"github.com/stustanet/mammutfs/mammut"
)

// anonSuffixFile is the sidecar inside each anonymous export holding
// the export suffix assigned by the daemon. Never visible through the
// mount.
const anonSuffixFile = ".mammut-suffix"

// Anonym publishes files under a detached identity. Behaviour is the
// public module's, with ownership rewritten to the anonymous user and
// the export sidecar kept out of reach.
type Anonym struct {
	*Public
	anon *AnonMap // read-only view owned by the lister
}

// NewAnonym builds the anonym module. anon is the lister's map,
// consulted read-only.
func NewAnonym(cfg *config.Config, c *comm.Communicator, files *OpenFiles, anon *AnonMap) *Anonym {
	a := &Anonym{
		Public: &Public{Base: New("anonym", cfg, c, files)},
		anon:   anon,
	}
	a.SetTranslator(a.Translate)
	return a
}

// Translate rejects any path touching the sidecar file.
func (a *Anonym) Translate(path string) (string, error) {
	for _, seg := range strings.Split(path, "/") {
		if seg == anonSuffixFile {
			return "", mammut.ErrNotFound
		}
	}
	return a.Passthrough(path)
}

// Getattr reports everything as owned by the anonymous user.
func (a *Anonym) Getattr(path string, st *unix.Stat_t) error {
	if err := a.Base.Getattr(path, st); err != nil {
		return err
	}
	st.Uid, st.Gid = a.cfg.AnonIDs()
	return nil
}

// Readdir hides the sidecar from listings.
func (a *Anonym) Readdir(path string, fh uint64) ([]Dirent, error) {
	entries, err := a.Base.Readdir(path, fh)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Name != anonSuffixFile {
			out = append(out, e)
		}
	}
	return out, nil
}

// Rmdir of a first-level export unlinks the sidecar before removing
// the directory, then reports like public.
func (a *Anonym) Rmdir(path string) error {
	if path != "/" && strings.Count(path, "/") == 1 {
		translated, err := a.Translate(path)
		if err != nil {
			return err
		}
		sidecar := translated + "/" + anonSuffixFile
		if err := unix.Unlink(sidecar); err != nil && err != unix.ENOENT {
			mammut.Warnf(a, "rmdir: unlink sidecar failed: %s", sidecar)
			return &os.PathError{Op: "unlink", Path: sidecar, Err: err}
		}
		if name := a.exportNameFor(path); name != "" {
			mammut.Tracef(a, "removed export still mapped as %s, daemon reindex pending", name)
		}
	}
	return a.Public.Rmdir(path)
}

// exportNameFor finds the export name currently mapped onto one of
// this module's first-level directories, if any.
func (a *Anonym) exportNameFor(path string) string {
	if a.anon == nil {
		return ""
	}
	dir := strings.TrimPrefix(path, "/")
	for _, key := range a.anon.Keys() {
		if v, ok := a.anon.Lookup(key); ok && strings.HasSuffix(v, "/"+dir) {
			return key
		}
	}
	return ""
}
