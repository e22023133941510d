package module

import (
	"strings"

	"github.com/stustanet/mammutfs/mammut"
)

// Resolver maps virtual paths onto modules. Modules are registered in
// a fixed order at startup and activated separately from the config's
// module list; resolution never changes after FinishActivation.
type Resolver struct {
	registered map[string]Module
	order      []string
	activated  map[string]Module
	single     Module // set in single-module mode
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		registered: map[string]Module{},
		activated:  map[string]Module{},
	}
}

// Register adds a module under its name.
func (r *Resolver) Register(m Module) {
	name := m.Name()
	if _, dup := r.registered[name]; !dup {
		r.order = append(r.order, name)
	}
	r.registered[name] = m
}

// Activate enables a registered module. Unknown names are ignored
// with a warning.
func (r *Resolver) Activate(name string) bool {
	m, ok := r.registered[name]
	if !ok {
		mammut.Warnf("resolver", "cannot activate unknown module %q", name)
		return false
	}
	r.activated[name] = m
	return true
}

// FinishActivation freezes the active set. With exactly one
// non-default module active the mount runs in single-module mode:
// every path is delivered to that module unchanged.
func (r *Resolver) FinishActivation() {
	r.single = nil
	var nonDefault []Module
	for name, m := range r.activated {
		if name != "default" {
			nonDefault = append(nonDefault, m)
		}
	}
	if len(nonDefault) == 1 {
		r.single = nonDefault[0]
		mammut.Infof("resolver", "single-module mount: %s", r.single.Name())
	}
}

// Get returns an activated module by name.
func (r *Resolver) Get(name string) Module {
	return r.activated[name]
}

// Active returns the activated modules in registration order.
func (r *Resolver) Active() []Module {
	out := make([]Module, 0, len(r.activated))
	for _, name := range r.order {
		if m, ok := r.activated[name]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Resolve splits a virtual path into its module and the
// module-relative remainder.
func (r *Resolver) Resolve(vpath string) (Module, string, error) {
	if r.single != nil {
		if vpath == "" {
			vpath = "/"
		}
		return r.single, vpath, nil
	}
	if len(vpath) <= 1 {
		if m := r.Get("default"); m != nil {
			return m, "/", nil
		}
		return nil, "", mammut.ErrNotFound
	}
	rest := strings.TrimPrefix(vpath, "/")
	name, sub := rest, "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		name, sub = rest[:i], rest[i:]
	}
	if name == "" {
		name = "default"
		sub = "/"
	}
	m := r.Get(name)
	if m == nil {
		return nil, "", mammut.ErrNotFound
	}
	return m, sub, nil
}

// Rename orchestrates a rename across modules: the source module
// translates the source, the target module performs the move and
// applies its policy.
func (r *Resolver) Rename(oldVirt, newVirt string) error {
	srcMod, srcSub, err := r.Resolve(oldVirt)
	if err != nil {
		return err
	}
	dstMod, dstSub, err := r.Resolve(newVirt)
	if err != nil {
		return err
	}
	oldPhys, err := srcMod.Translate(srcSub)
	if err != nil {
		return err
	}
	return dstMod.Rename(oldPhys, dstSub, oldVirt, newVirt)
}
