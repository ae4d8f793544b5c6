package modresolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Resolve computes a consistent configuration rooted at initial: which
// modules are included, what option values each takes, and which provider
// satisfies each required interface. The returned map holds exactly one
// [*Instance] per module the solver selected.
func Resolve(ctx context.Context, reg Registry, initial ModuleID) (map[ModuleID]*Instance, error) {
	if err := initial.Check(); err != nil {
		return nil, err
	}
	c := NewContext(reg)
	if err := c.DiscoverAll(ctx, initial); err != nil {
		return nil, fmt.Errorf("discovering modules from %v: %w", initial, err)
	}
	c.InitPgraphDomains()
	c.InitPgraphProviders()
	c.InitPgraphConstraints()

	initLit := c.pg.ModuleAtom(initial).True()
	result, _, err := Solve(c.pg, []*Literal{initLit})
	if err != nil {
		var se *SolutionError
		if errors.As(err, &se) {
			if trunk, ok := se.Context.(*Trunk); ok {
				se.Rgraph = newRgraph(trunk)
			}
		}
		return nil, fmt.Errorf("resolving %v: %w", initial, err)
	}

	out := map[ModuleID]*Instance{}
	for _, inst := range c.instances {
		node := c.pg.OptupleNode(inst.Optuple)
		lit, ok := result[node]
		if !ok || !lit.Value {
			continue
		}
		out[inst.Optuple.Mod.ID()] = inst
		slog.DebugContext(ctx, "selected instance", "optuple", inst.Optuple.String())
	}
	return out, nil
}
