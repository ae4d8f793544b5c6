package modresolve

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// Context owns everything specific to one resolution: the module domains
// discovered so far, the instances built for each candidate optuple, the
// provider index, and the pgraph those are lowered into. A Context is used
// exactly once, by [Resolve].
type Context struct {
	reg Registry
	pg  *Pgraph

	domains map[ModuleID]*ModuleDomains
	seen    mapset.Set[ModuleID] // modules whose static declarations (Provides/DefaultProvider) were absorbed

	instances map[string]*Instance // keyed by Optuple.Key()
	optuples  map[string]Optuple

	queue  []Optuple
	queued mapset.Set[string]

	providersOf map[ModuleID]mapset.Set[ModuleID] // interface -> candidate module ids
}

// NewContext creates an empty resolution context backed by reg.
func NewContext(reg Registry) *Context {
	return &Context{
		reg:         reg,
		pg:          NewPgraph(),
		domains:     map[ModuleID]*ModuleDomains{},
		seen:        mapset.NewThreadUnsafeSet[ModuleID](),
		instances:   map[string]*Instance{},
		optuples:    map[string]Optuple{},
		queued:      mapset.NewThreadUnsafeSet[string](),
		providersOf: map[ModuleID]mapset.Set[ModuleID]{},
	}
}

// Pgraph returns the context's propositional graph, built incrementally as
// discovery proceeds and finalized by [Context.InitPgraphDomains],
// [Context.InitPgraphProviders], and [Context.InitPgraphConstraints].
func (c *Context) Pgraph() *Pgraph { return c.pg }

// Instances returns every instance built so far, keyed by optuple.
func (c *Context) Instances() map[string]*Instance { return c.instances }

// ensureModule looks up id's [Module] the first time it is referenced,
// absorbing its static declarations: its own domains (seeding discovery of
// every optuple in their initial product), the interfaces it provides, and — recursively — its
// default provider, so that a default provider is always a candidate even
// if nothing else happens to reference it directly.
func (c *Context) ensureModule(id ModuleID) (Module, error) {
	if err := id.Check(); err != nil {
		return nil, err
	}
	m, ok := c.reg.Module(id)
	if !ok {
		return nil, fmt.Errorf("unknown module %v", id)
	}
	c.addProvider(id, id) // a module always provides its own identity
	if c.seen.Contains(id) {
		return m, nil
	}
	c.seen.Add(id)

	md := newModuleDomains(m)
	c.domains[id] = md
	c.postProduct(m, md)

	for _, iface := range m.Provides() {
		c.addProvider(iface, id)
	}
	if provider, ok := m.DefaultProvider(); ok {
		if _, err := c.ensureModule(provider); err != nil {
			return nil, fmt.Errorf("module %v default provider: %w", id, err)
		}
		c.addProvider(id, provider)
		c.pg.PreferIncluded(provider)
	}
	return m, nil
}

func (c *Context) addProvider(iface, provider ModuleID) {
	s, ok := c.providersOf[iface]
	if !ok {
		s = mapset.NewThreadUnsafeSet[ModuleID]()
		c.providersOf[iface] = s
	}
	s.Add(provider)
}

// post enqueues t for instantiation, if it has not already been queued.
func (c *Context) post(t Optuple) {
	k := t.Key()
	if c.queued.Contains(k) {
		return
	}
	c.queued.Add(k)
	c.optuples[k] = t
	c.queue = append(c.queue, t)
}

// postProduct enqueues the full Cartesian product of md's current per-option
// domains, as a freshly discovered module's entire initial candidate space.
func (c *Context) postProduct(m Module, md *ModuleDomains) {
	opts := m.Options()
	values := make([]any, len(opts))
	c.product(m, md, 0, values)
}

// postDiscover enqueues the Cartesian product of newValue (at option
// position optIndex) against the *current* domains of every other option,
// mirroring the original `consider_option` growth step: only the slice
// spanned by the newly discovered value needs instantiating, not the whole
// product again.
func (c *Context) postDiscover(m Module, md *ModuleDomains, optIndex int, newValue any) {
	opts := m.Options()
	values := make([]any, len(opts))
	values[optIndex] = newValue
	c.productFixed(m, md, 0, optIndex, values)
}

func (c *Context) product(m Module, md *ModuleDomains, i int, values []any) {
	if i == len(values) {
		t, err := NewOptuple(m, values)
		if err != nil {
			panic(err) // values were drawn from the module's own domains; this cannot fail
		}
		c.post(t)
		return
	}
	for _, v := range md.Domain(i).Values() {
		values[i] = v
		c.product(m, md, i+1, values)
	}
}

func (c *Context) productFixed(m Module, md *ModuleDomains, i, fixed int, values []any) {
	if i == len(values) {
		t, err := NewOptuple(m, values)
		if err != nil {
			panic(err)
		}
		c.post(t)
		return
	}
	if i == fixed {
		c.productFixed(m, md, i+1, fixed, values)
		return
	}
	for _, v := range md.Domain(i).Values() {
		values[i] = v
		c.productFixed(m, md, i+1, fixed, values)
	}
}

// DiscoverAll drains the instantiation queue starting from root, running
// every candidate optuple's Init, extending option domains as constraints
// reference values outside the current domain (queuing the newly spanned
// product slice), and growing the provider index as new modules are
// referenced. It returns once no further optuples remain to instantiate.
func (c *Context) DiscoverAll(ctx context.Context, root ModuleID) error {
	if _, err := c.ensureModule(root); err != nil {
		return err
	}
	rootMod, _ := c.reg.Module(root)
	c.post(Default(rootMod))

	for len(c.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := c.queue[0]
		c.queue = c.queue[1:]
		k := t.Key()
		if _, done := c.instances[k]; done {
			continue
		}
		inst, err := instantiate(t)
		if err != nil {
			return fmt.Errorf("instantiating %v: %w", t, err)
		}
		c.instances[k] = inst
		slog.DebugContext(ctx, "instantiated optuple", "optuple", t.String(), "inviable", inst.inviable)

		for _, iface := range inst.ProvidesIDs {
			c.addProvider(iface, t.Mod.ID())
		}
		for _, cons := range inst.Constraints {
			if err := c.absorbConstraintTarget(cons.Target); err != nil {
				return fmt.Errorf("constraint from %v to %v: %w", t, cons.Target, err)
			}
		}
	}
	return nil
}

// absorbConstraintTarget ensures the constrained module is known, extends
// its option domains with any values the constraint names that were not
// already present, and enqueues the exact optuple so it too gets
// instantiated.
func (c *Context) absorbConstraintTarget(target Optuple) error {
	id := target.Mod.ID()
	if _, err := c.ensureModule(id); err != nil {
		return err
	}
	md := c.domains[id]
	for i, name := range indexNames(target.Mod.Options()) {
		v := target.Values[i]
		if added, idx := md.extend(name, v); added {
			c.postDiscover(target.Mod, md, idx, v)
		}
	}
	c.post(target)
	return nil
}

func indexNames(opts []Optype) []string {
	names := make([]string, len(opts))
	for i, o := range opts {
		names[i] = o.Name
	}
	return names
}

// InitPgraphDomains lowers every discovered module's option domains into
// the pgraph: for each option, exactly one of "the module is not included"
// or "the option takes value v" (for each v currently in the domain) holds.
func (c *Context) InitPgraphDomains() {
	ids := make([]ModuleID, 0, len(c.domains))
	for id := range c.domains {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		m, _ := c.reg.Module(id)
		md := c.domains[id]
		moduleAtom := c.pg.ModuleAtom(id)
		for i, o := range m.Options() {
			vals := md.Domain(i).Values()
			group := make([]*Literal, 0, len(vals)+1)
			for _, v := range vals {
				group = append(group, c.pg.OptionValueAtom(id, o.Name, v, v == o.Default).True())
			}
			group = append(group, moduleAtom.False())
			c.pg.ExactlyOne(group, WhyOptionExactlyOne)
		}
	}
}

// InitPgraphProviders lowers the provider index into the pgraph: for every
// interface actually referenced, exactly one of "the interface is not
// needed" or "candidate provider p is included" holds, for each known
// candidate p (p's own identity is always a candidate of itself).
func (c *Context) InitPgraphProviders() {
	ifaces := make([]ModuleID, 0, len(c.providersOf))
	for id := range c.providersOf {
		ifaces = append(ifaces, id)
	}
	slices.Sort(ifaces)
	for _, iface := range ifaces {
		cands := slices.Collect(mapset.Elements(c.providersOf[iface]))
		slices.Sort(cands)
		if len(cands) == 1 && cands[0] == iface {
			continue // no alternative providers: nothing to select between
		}
		ifaceAtom := c.pg.ModuleAtom(iface)
		group := make([]*Literal, 0, len(cands)+1)
		for _, cand := range cands {
			if cand == iface {
				// iface's own identity is always a trivial candidate of
				// itself; its role in this group is already carried by the
				// ifaceAtom.False() sentinel below, so it gets no separate
				// entry — adding one would put both of ifaceAtom's own
				// literals in the same exclusivity group.
				continue
			}
			candAtom := c.pg.ModuleAtom(cand)
			group = append(group, candAtom.True())
			c.pg.Implies(candAtom.True(), ifaceAtom.True(),
				&Reason{Why: WhyProviderExactlyOne, Cause: []*Literal{candAtom.True()}})
		}
		group = append(group, ifaceAtom.False())
		c.pg.ExactlyOne(group, WhyProviderExactlyOne)
	}
}

// InitPgraphConstraints lowers every instance's own optuple and posted
// constraints into the pgraph: the instance's node implies each constraint
// target's node (at the requested polarity), and an inviable instance's
// node is wired to self-contradict so the solver always excludes it.
func (c *Context) InitPgraphConstraints() {
	keys := make([]string, 0, len(c.instances))
	for k := range c.instances {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		inst := c.instances[k]
		node := c.pg.OptupleNode(inst.Optuple)
		if msg, inviable := inst.Inviable(); inviable {
			c.pg.Implies(node.t, node.f, &Reason{Why: WhyInviable, Msg: msg})
			continue
		}
		for _, cons := range inst.Constraints {
			target := c.pg.OptupleNode(cons.Target)
			targetLit := target.f
			if cons.Enabled {
				targetLit = target.t
			}
			c.pg.Implies(node.t, targetLit, &Reason{Why: WhyConstraint, Cause: []*Literal{node.t}})
		}
	}
}
