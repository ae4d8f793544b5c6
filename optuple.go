package modresolve

import (
	"fmt"
	"iter"
	"strings"
)

// Optuple is an immutable (module, option-values) tuple: a candidate
// instance identity. Two optuples are equal when their module and values
// are equal; Optuple is comparable only through [Optuple.Key] because
// Values is a slice. Construct one with [NewOptuple] or [Optuple.With].
type Optuple struct {
	Mod    Module
	Values []any // positionally matches Mod.Options(); never mutated after construction
}

// NewOptuple builds an optuple for m, validating that values has the right
// arity and that each value is legal for its option.
func NewOptuple(m Module, values []any) (Optuple, error) {
	opts := m.Options()
	if len(values) != len(opts) {
		return Optuple{}, fmt.Errorf("module %v: got %d option values, want %d", m.ID(), len(values), len(opts))
	}
	for i, o := range opts {
		if !o.isValid(values[i]) {
			return Optuple{}, fmt.Errorf("module %v: value %v is not legal for option %q", m.ID(), values[i], o.Name)
		}
	}
	cp := make([]any, len(values))
	copy(cp, values)
	return Optuple{Mod: m, Values: cp}, nil
}

// Default builds the optuple of m bound to every option's declared default.
func Default(m Module) Optuple {
	opts := m.Options()
	values := make([]any, len(opts))
	for i, o := range opts {
		values[i] = o.Default
	}
	return Optuple{Mod: m, Values: values}
}

// With returns a new optuple for the same module with values substituted at
// the options named by overrides.
func (t Optuple) With(overrides map[string]any) (Optuple, error) {
	values := make([]any, len(t.Values))
	copy(values, t.Values)
	opts := t.Mod.Options()
	for name, v := range overrides {
		i := indexOfOption(opts, name)
		if i < 0 {
			return Optuple{}, fmt.Errorf("module %v has no option %q", t.Mod.ID(), name)
		}
		values[i] = v
	}
	return NewOptuple(t.Mod, values)
}

// IterPairs yields (option name, value) pairs in schema order.
func (t Optuple) IterPairs() iter.Seq2[string, any] {
	opts := t.Mod.Options()
	return func(yield func(string, any) bool) {
		for i, o := range opts {
			if !yield(o.Name, t.Values[i]) {
				return
			}
		}
	}
}

// Key returns a canonical string uniquely identifying this optuple, usable
// as a map key in internal bookkeeping structures that cannot hold a slice
// directly.
func (t Optuple) Key() string {
	var b strings.Builder
	b.WriteString(string(t.Mod.ID()))
	b.WriteByte('(')
	for i, v := range t.Values {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%#v", v)
	}
	b.WriteByte(')')
	return b.String()
}

func (t Optuple) String() string {
	var b strings.Builder
	b.WriteString(string(t.Mod.ID()))
	first := true
	for name, v := range t.IterPairs() {
		if first {
			b.WriteByte('(')
			first = false
		} else {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%v", name, v)
	}
	if !first {
		b.WriteByte(')')
	}
	return b.String()
}

func indexOfOption(opts []Optype, name string) int {
	for i, o := range opts {
		if o.Name == name {
			return i
		}
	}
	return -1
}
