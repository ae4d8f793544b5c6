package modresolve

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// Domain is the per-option live value set: the values an option is
// currently considered able to take. It only grows during discovery, and
// always exposes its members in the stable order they were first added
// (declared defaults and declared Values first, then values crossed in
// during discovery), so callers never depend on Go's randomized map
// iteration order.
type Domain struct {
	order []any
	set   mapset.Set[any]
}

func newDomain(initial []any) *Domain {
	d := &Domain{set: mapset.NewThreadUnsafeSet[any]()}
	for _, v := range initial {
		d.add(v)
	}
	return d
}

// add extends the domain with v, reporting whether v was not already
// present.
func (d *Domain) add(v any) bool {
	if d.set.Contains(v) {
		return false
	}
	d.set.Add(v)
	d.order = append(d.order, v)
	return true
}

// Contains reports whether v is currently in the domain.
func (d *Domain) Contains(v any) bool { return d.set.Contains(v) }

// Values returns the domain's current members in stable insertion order.
// The caller must not mutate the returned slice.
func (d *Domain) Values() []any { return d.order }

// ModuleDomains holds the per-option [Domain]s for one [Module], indexed
// positionally exactly like [Module.Options].
type ModuleDomains struct {
	mod  Module
	opts []*Domain
}

func newModuleDomains(m Module) *ModuleDomains {
	opts := m.Options()
	md := &ModuleDomains{mod: m, opts: make([]*Domain, len(opts))}
	for i, o := range opts {
		md.opts[i] = newDomain(append([]any{o.Default}, o.Values...))
	}
	return md
}

// Domain returns the live value set for the option at position i.
func (md *ModuleDomains) Domain(i int) *Domain { return md.opts[i] }

// extend adds v to the option named name's domain, reporting whether it was
// new. It is the Go counterpart of the original `OptionDomain.consider`
// growth step.
func (md *ModuleDomains) extend(name string, v any) (added bool, index int) {
	i := indexOfOption(md.mod.Options(), name)
	if i < 0 {
		return false, -1
	}
	return md.opts[i].add(v), i
}
