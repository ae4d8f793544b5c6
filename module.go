// Package modresolve resolves a configuration of modules.
//
// # Quick Start
//
//	reg := fakeregistry.New(
//		fakeregistry.Module("app",
//			fakeregistry.Constrains("net/http", nil)),
//		fakeregistry.Module("net/http",
//			fakeregistry.Opt("backend", []any{"stdlib", "fasthttp"}, "stdlib")),
//	)
//	instances, err := modresolve.Resolve(context.Background(), reg, "app")
//
// # Introduction
//
// A [Module] declares a schema of [Optype] options, a set of interfaces it
// [Module.Provides], and an [Module.Init] callback. Resolving a module
// library starting from some initial module produces one [Instance] per
// module the solver decided to include, each bound to a concrete [Optuple]
// of option values.
//
// # Terminology
//
// An "optuple" names a module together with one concrete value for each of
// its options. A "domain" is the growing set of values considered possible
// for one option of one module. An "instance" is the result of successfully
// running a module's [Module.Init] against one optuple. The [Context] drives
// discovery: it instantiates optuples, lets their init callbacks post
// further constraints, and lowers the whole picture into a [Pgraph] that
// [Solve] resolves.
package modresolve

import (
	"fmt"
	"reflect"

	"golang.org/x/mod/module"
)

// ModuleID is the stable identity of a [Module]. It has the same syntax as a
// Go import path (validated with [module.CheckImportPath]) but, unlike a Go module
// path, carries no version: this domain's notion of "which variant" is
// expressed by option values, not by semantic versions.
type ModuleID string

// Check reports whether id is syntactically valid.
func (id ModuleID) Check() error {
	if err := module.CheckImportPath(string(id)); err != nil {
		return fmt.Errorf("invalid module id %q: %w", id, err)
	}
	return nil
}

func (id ModuleID) String() string { return string(id) }

// Optype is one option in a [Module]'s schema: a name, a finite ordered set
// of permitted values, a default, and a predicate recognizing legal values.
type Optype struct {
	Name    string
	Values  []any
	Default any
	// Valid reports whether v is a legal value for this option. If nil, a
	// value is accepted when it is present in Values or has the same dynamic
	// type as a non-nil Default, so constraints can grow the domain.
	Valid func(v any) bool
}

func (o Optype) isValid(v any) bool {
	if o.Valid != nil {
		return o.Valid(v)
	}
	for _, want := range o.Values {
		if want == v {
			return true
		}
	}
	return o.Default != nil && reflect.TypeOf(v) == reflect.TypeOf(o.Default)
}

func (o Optype) indexOf(v any) int {
	for i, want := range o.Values {
		if want == v {
			return i
		}
	}
	return -1
}

// Module is a declarative unit of configuration: an identity, an ordered
// option schema, a set of provided interfaces, an optional default provider,
// and an initialization callback.
type Module interface {
	ID() ModuleID
	// Options returns the module's option schema, in stable declaration
	// order. Every [Optuple] bound to this module has exactly len(Options())
	// values, positionally matching this slice.
	Options() []Optype
	// Provides lists the interfaces (named by [ModuleID]) this module
	// satisfies when included, regardless of option values.
	Provides() []ModuleID
	// DefaultProvider names the module to select for this module's own
	// identity when it is required as an interface but the caller named no
	// concrete provider.
	DefaultProvider() (ModuleID, bool)
	// Init runs the module's initialization against a concrete optuple. It
	// may call inst.Constrain and inst.Provides any number of times. A
	// returned error matching *[InviableError] (via [errors.As]) marks the
	// instance inviable rather than failing the whole resolution; any other
	// error is fatal.
	Init(inst *Instance, values ...any) error
}

// Registry supplies [Module] definitions by [ModuleID].
type Registry interface {
	Module(id ModuleID) (Module, bool)
}

// MapRegistry is the simplest possible [Registry]: a plain map.
type MapRegistry map[ModuleID]Module

func (r MapRegistry) Module(id ModuleID) (Module, bool) {
	m, ok := r[id]
	return m, ok
}
