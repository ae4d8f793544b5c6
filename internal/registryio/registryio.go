// Package registryio loads a [modresolve.Registry] from the ambient JSON
// module-library format: a static approximation of a module's Init
// callback that can only unconditionally post a fixed list of constraints,
// enough to express the worked examples this project demonstrates without
// a general-purpose scripting layer. Grounded on the teacher's
// internal/command JSON-stream decoding idiom and its errgroup/syncmap
// concurrent-loading shape (requirementscomplete.go), simplified because
// this format has no network or subprocess round trip to batch.
package registryio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rhansen/modresolve"
	"github.com/rhansen/modresolve/internal/syncmap"
	"golang.org/x/sync/errgroup"
)

type jsonOption struct {
	Name    string `json:"name"`
	Values  []any  `json:"values"`
	Default any    `json:"default"`
}

type jsonModule struct {
	ID               string       `json:"id"`
	Options          []jsonOption `json:"options"`
	Provides         []string     `json:"provides"`
	DefaultProvider  string       `json:"defaultProvider,omitempty"`
	ConstrainsAlways []string     `json:"constrainsAlways"`
	ExcludesAlways   []string     `json:"excludesAlways,omitempty"`
}

type jsonFile struct {
	Modules []jsonModule `json:"modules"`
}

type constraintSpec struct {
	target    modresolve.ModuleID
	overrides map[string]any
	enabled   bool
}

// ref is a placeholder substituted, at Init time, with the value the
// constraining instance itself took for the named option (written "$name"
// in the JSON format).
type ref string

type registryModule struct {
	id                 modresolve.ModuleID
	opts               []modresolve.Optype
	provides           []modresolve.ModuleID
	defaultProvider    modresolve.ModuleID
	hasDefaultProvider bool
	constrains         []constraintSpec
	reg                modresolve.Registry
}

var _ modresolve.Module = (*registryModule)(nil)

func (m *registryModule) ID() modresolve.ModuleID        { return m.id }
func (m *registryModule) Options() []modresolve.Optype    { return m.opts }
func (m *registryModule) Provides() []modresolve.ModuleID { return m.provides }
func (m *registryModule) DefaultProvider() (modresolve.ModuleID, bool) {
	return m.defaultProvider, m.hasDefaultProvider
}

func (m *registryModule) Init(inst *modresolve.Instance, values ...any) error {
	for _, cs := range m.constrains {
		targetMod, ok := m.reg.Module(cs.target)
		if !ok {
			return fmt.Errorf("registryio: module %v constrains unknown module %v", m.id, cs.target)
		}
		overrides, err := m.resolveOverrides(cs.overrides, values)
		if err != nil {
			return err
		}
		target, err := modresolve.Default(targetMod).With(overrides)
		if err != nil {
			return fmt.Errorf("registryio: module %v constrains %v: %w", m.id, cs.target, err)
		}
		inst.Constrain(target, cs.enabled)
	}
	return nil
}

func (m *registryModule) resolveOverrides(raw map[string]any, values []any) (map[string]any, error) {
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
		for i, o := range m.opts {
			if o.Name == string(r) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("registryio: module %v has no option %q to reference", m.id, r)
		}
		out[k] = values[idx]
	}
	return out, nil
}

// Load parses a single JSON registry document from r.
func Load(r io.Reader) (modresolve.Registry, error) {
	var jf jsonFile
	if err := json.NewDecoder(r).Decode(&jf); err != nil {
		return nil, fmt.Errorf("registryio: decoding registry: %w", err)
	}
	mods, err := buildModules(jf.Modules)
	if err != nil {
		return nil, err
	}
	return finalize(mods), nil
}

// LoadFiles concurrently loads and merges several JSON registry files into
// one [modresolve.Registry], so a large module library can be split across
// files without serializing disk I/O.
func LoadFiles(ctx context.Context, paths []string) (modresolve.Registry, error) {
	var results syncmap.Map[string, []*registryModule]
	gr, ctx := errgroup.WithContext(ctx)
	for _, p := range paths {
		gr.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return fmt.Errorf("registryio: %w", err)
			}
			defer f.Close()
			var jf jsonFile
			if err := json.NewDecoder(f).Decode(&jf); err != nil {
				return fmt.Errorf("registryio: decoding %s: %w", p, err)
			}
			mods, err := buildModules(jf.Modules)
			if err != nil {
				return fmt.Errorf("registryio: %s: %w", p, err)
			}
			results.Store(p, mods)
			return nil
		})
	}
	if err := gr.Wait(); err != nil {
		return nil, err
	}
	var all []*registryModule
	for _, p := range paths {
		mods, _ := results.Load(p)
		all = append(all, mods...)
	}
	return finalize(all), nil
}

func finalize(mods []*registryModule) modresolve.Registry {
	reg := modresolve.MapRegistry{}
	for _, m := range mods {
		reg[m.id] = m
	}
	for _, m := range mods {
		m.reg = reg
	}
	return reg
}

func buildModules(jms []jsonModule) ([]*registryModule, error) {
	out := make([]*registryModule, 0, len(jms))
	for _, jm := range jms {
		m := &registryModule{id: modresolve.ModuleID(jm.ID)}
		for _, jo := range jm.Options {
			m.opts = append(m.opts, modresolve.Optype{Name: jo.Name, Values: jo.Values, Default: jo.Default})
		}
		for _, p := range jm.Provides {
			m.provides = append(m.provides, modresolve.ModuleID(p))
		}
		if jm.DefaultProvider != "" {
			m.defaultProvider, m.hasDefaultProvider = modresolve.ModuleID(jm.DefaultProvider), true
		}
		for _, s := range jm.ConstrainsAlways {
			cs, err := parseConstraint(s, true)
			if err != nil {
				return nil, fmt.Errorf("module %s: %w", jm.ID, err)
			}
			m.constrains = append(m.constrains, cs)
		}
		for _, s := range jm.ExcludesAlways {
			cs, err := parseConstraint(s, false)
			if err != nil {
				return nil, fmt.Errorf("module %s: %w", jm.ID, err)
			}
			m.constrains = append(m.constrains, cs)
		}
		out = append(out, m)
	}
	return out, nil
}

// parseConstraint parses a string of the form "id" or
// "id(name=value,name2=value2)" into a constraintSpec. A value beginning
// with "$" is a [ref] to the constraining module's own option.
func parseConstraint(s string, enabled bool) (constraintSpec, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return constraintSpec{target: modresolve.ModuleID(s), enabled: enabled}, nil
	}
	if !strings.HasSuffix(s, ")") {
		return constraintSpec{}, fmt.Errorf("malformed constraint %q: missing closing paren", s)
	}
	target := s[:open]
	body := s[open+1 : len(s)-1]
	overrides := map[string]any{}
	if strings.TrimSpace(body) != "" {
		for _, pair := range strings.Split(body, ",") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 {
				return constraintSpec{}, fmt.Errorf("malformed constraint %q: bad pair %q", s, pair)
			}
			k, v := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
			overrides[k] = parseConstraintValue(v)
		}
	}
	return constraintSpec{target: modresolve.ModuleID(target), overrides: overrides, enabled: enabled}, nil
}

func parseConstraintValue(v string) any {
	if strings.HasPrefix(v, "$") {
		return ref(v[1:])
	}
	if v == "true" || v == "false" {
		return v == "true"
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	return strings.Trim(v, `"`)
}
