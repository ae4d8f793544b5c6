// Package fakeregistry builds small in-memory module registries for tests,
// using the same functional-options shape the teacher's
// internal/test/fakemodule package uses to build fake Go module proxies —
// but, since this domain's modules live entirely in memory rather than on
// disk, with no file I/O at all.
package fakeregistry

import (
	"fmt"

	"github.com/rhansen/modresolve"
)

// ref is a sentinel value an [Option] can embed in place of a literal
// option value: "substitute whatever value the referencing instance itself
// took for this option". See [Ref].
type ref string

// Ref returns a placeholder usable as a [Constrains] or [Excludes] override
// value, substituted at constraint-posting time with the constraining
// instance's own concrete value for the named option.
func Ref(optionName string) any { return ref(optionName) }

type constraintSpec struct {
	target    modresolve.ModuleID
	overrides map[string]any
	enabled   bool
}

type config struct {
	opts               []modresolve.Optype
	provides           []modresolve.ModuleID
	defaultProvider    modresolve.ModuleID
	hasDefaultProvider bool
	constrains         []constraintSpec
	init               func(inst *modresolve.Instance, values ...any) error
}

// Option configures one [Module] definition.
type Option func(*config)

// Opt declares an option in the module's schema.
func Opt(name string, values []any, def any) Option {
	return func(c *config) {
		c.opts = append(c.opts, modresolve.Optype{Name: name, Values: values, Default: def})
	}
}

// Provides declares interfaces the module satisfies whenever it is
// included.
func Provides(ids ...modresolve.ModuleID) Option {
	return func(c *config) { c.provides = append(c.provides, ids...) }
}

// WithDefaultProvider declares the module to pick for this module's own
// identity when nothing else names a concrete provider.
func WithDefaultProvider(id modresolve.ModuleID) Option {
	return func(c *config) { c.defaultProvider, c.hasDefaultProvider = id, true }
}

// Constrains declares that, whenever this module is included, it requires
// target to be included too, bound to target's default option values
// overridden by overrides (which may use [Ref] to forward one of this
// module's own option values).
func Constrains(target modresolve.ModuleID, overrides map[string]any) Option {
	return func(c *config) {
		c.constrains = append(c.constrains, constraintSpec{target: target, overrides: overrides, enabled: true})
	}
}

// Excludes is the converse of [Constrains]: it requires target NOT be
// included.
func Excludes(target modresolve.ModuleID, overrides map[string]any) Option {
	return func(c *config) {
		c.constrains = append(c.constrains, constraintSpec{target: target, overrides: overrides, enabled: false})
	}
}

// WithInit overrides the module's default Init (which just posts every
// [Constrains]/[Excludes] constraint unconditionally) with custom logic,
// for tests that need conditional constraints or an [modresolve.InviableError].
func WithInit(fn func(inst *modresolve.Instance, values ...any) error) Option {
	return func(c *config) { c.init = fn }
}

// Def is one module definition produced by [Module], collected by [New].
type Def struct {
	id  modresolve.ModuleID
	cfg config
}

// Module declares one module definition with the given id and options.
func Module(id modresolve.ModuleID, opts ...Option) Def {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}
	return Def{id: id, cfg: cfg}
}

// New builds a [modresolve.Registry] from a set of module definitions.
// Constraint targets may forward-reference a definition listed later in
// defs; resolution happens lazily, the first time a module's Init runs.
func New(defs ...Def) modresolve.Registry {
	reg := modresolve.MapRegistry{}
	mods := make([]*fakeModule, len(defs))
	for i, d := range defs {
		fm := &fakeModule{id: d.id, cfg: d.cfg}
		mods[i] = fm
		reg[d.id] = fm
	}
	for _, fm := range mods {
		fm.reg = reg
	}
	return reg
}

type fakeModule struct {
	id  modresolve.ModuleID
	cfg config
	reg modresolve.Registry
}

var _ modresolve.Module = (*fakeModule)(nil)

func (fm *fakeModule) ID() modresolve.ModuleID           { return fm.id }
func (fm *fakeModule) Options() []modresolve.Optype       { return fm.cfg.opts }
func (fm *fakeModule) Provides() []modresolve.ModuleID    { return fm.cfg.provides }
func (fm *fakeModule) DefaultProvider() (modresolve.ModuleID, bool) {
	return fm.cfg.defaultProvider, fm.cfg.hasDefaultProvider
}

func (fm *fakeModule) Init(inst *modresolve.Instance, values ...any) error {
	if fm.cfg.init != nil {
		return fm.cfg.init(inst, values...)
	}
	for _, cs := range fm.cfg.constrains {
		targetMod, ok := fm.reg.Module(cs.target)
		if !ok {
			return fmt.Errorf("fakeregistry: module %v constrains unknown module %v", fm.id, cs.target)
		}
		overrides, err := fm.resolveOverrides(cs.overrides, values)
		if err != nil {
			return err
		}
		target, err := modresolve.Default(targetMod).With(overrides)
		if err != nil {
			return fmt.Errorf("fakeregistry: module %v constrains %v: %w", fm.id, cs.target, err)
		}
		inst.Constrain(target, cs.enabled)
	}
	return nil
}

func (fm *fakeModule) resolveOverrides(raw map[string]any, values []any) (map[string]any, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		r, ok := v.(ref)
		if !ok {
			out[k] = v
			continue
		}
		idx := -1
		for i, o := range fm.cfg.opts {
			if o.Name == string(r) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("fakeregistry: module %v has no option %q to reference", fm.id, r)
		}
		out[k] = values[idx]
	}
	return out, nil
}
