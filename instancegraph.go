package modresolve

import (
	"context"
	"iter"
	"slices"
)

// InstanceGraph is a read-only walkable view over a solved
// module-to-instance map: edges follow each instance's enabled
// constraints to whichever instance satisfies them, same as
// [dependencygraph.go] walked real Go module requirements in the teacher
// this package is adapted from.
type InstanceGraph struct {
	root      ModuleID
	instances map[ModuleID]*Instance
}

// NewInstanceGraph builds an [InstanceGraph] over a [Resolve] result.
func NewInstanceGraph(root ModuleID, instances map[ModuleID]*Instance) *InstanceGraph {
	return &InstanceGraph{root: root, instances: instances}
}

// Root returns the module the resolution started from.
func (ig *InstanceGraph) Root() ModuleID { return ig.root }

// Deps iterates the modules id's instance depends on, each paired with
// whether the edge was satisfied by interface-provider substitution rather
// than a direct module reference.
func (ig *InstanceGraph) Deps(id ModuleID) iter.Seq2[ModuleID, bool] {
	return func(yield func(ModuleID, bool) bool) {
		inst, ok := ig.instances[id]
		if !ok {
			return
		}
		for _, cons := range inst.Constraints {
			if !cons.Enabled {
				continue
			}
			providerID, viaProvider, ok := ig.resolveProvider(cons.Target.Mod.ID())
			if !ok {
				continue
			}
			if !yield(providerID, viaProvider) {
				return
			}
		}
	}
}

// resolveProvider returns the selected instance's module id satisfying
// iface: iface's own instance if it was itself selected, else the
// (deterministically, lowest-ID) selected instance that declared it via
// [Instance.Provides] or [Module.Provides].
func (ig *InstanceGraph) resolveProvider(iface ModuleID) (ModuleID, bool, bool) {
	if _, ok := ig.instances[iface]; ok {
		return iface, false, true
	}
	ids := make([]ModuleID, 0, len(ig.instances))
	for id := range ig.instances {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if slices.Contains(ig.instances[id].ProvidesIDs, iface) {
			return id, true, true
		}
	}
	return "", false, false
}

// WalkInstanceGraph walks ig starting from start, visiting each reachable
// instance exactly once and only after every predecessor edge already
// visited has completed, using the same concurrent topological walker the
// teacher uses for real Go module graphs.
func WalkInstanceGraph(ctx context.Context, ig *InstanceGraph, start ModuleID,
	nodeVisit func(ctx context.Context, m ModuleID) (bool, error),
	edgeVisit func(ctx context.Context, p, m ModuleID, viaProvider bool) error) error {
	return walkGraph(ctx, start, nodeVisit, nil, ig.Deps, edgeVisit)
}

// AllInstances enumerates every module id reachable from ig's root, in
// walk (topological) order. Call the returned error func after fully
// draining the sequence to learn whether the walk failed.
func AllInstances(ctx context.Context, ig *InstanceGraph) (iter.Seq[ModuleID], func() error) {
	return allNodes[ModuleID, *InstanceGraph, bool](ctx, ig, ig.Root(), WalkInstanceGraph)
}
