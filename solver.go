package modresolve

import (
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// SolutionState is implemented by [*Trunk] and [*Branch]: whatever
// [*SolutionError] was snapshotting at the moment it was raised.
type SolutionState interface {
	solutionState()
}

// Trunk is the accumulated, unconditional solution: every literal forced to
// hold by the initial assumptions and pure propagation, plus the live and
// dead branches considered for every node the propagation alone did not
// settle.
type Trunk struct {
	nodes    mapset.Set[*Node]
	literals mapset.Set[*Literal]
	reasons  map[*Literal]*Reason

	branchmap    map[*Literal]*Branch // generator literal -> live branch
	deadBranches map[*Literal]*Branch // generator literal -> branch ruled out

	neglefts map[*Neglast]mapset.Set[*Literal]
}

func (t *Trunk) solutionState() {}

func newTrunk() *Trunk {
	return &Trunk{
		nodes:        mapset.NewThreadUnsafeSet[*Node](),
		literals:     mapset.NewThreadUnsafeSet[*Literal](),
		reasons:      map[*Literal]*Reason{},
		branchmap:    map[*Literal]*Branch{},
		deadBranches: map[*Literal]*Branch{},
		neglefts:     map[*Neglast]mapset.Set[*Literal]{},
	}
}

func (t *Trunk) valid() bool { return t.nodes.Cardinality() == t.literals.Cardinality() }

// branchset returns the trunk's live branches in a stable, deterministic
// order (by generator literal string), never Go's randomized map order.
func (t *Trunk) branchset() []*Branch {
	lits := make([]*Literal, 0, len(t.branchmap))
	for l := range t.branchmap {
		lits = append(lits, l)
	}
	slices.SortFunc(lits, func(a, b *Literal) int { return compareStrings(a.String(), b.String()) })
	out := make([]*Branch, len(lits))
	for i, l := range lits {
		out[i] = t.branchmap[l]
	}
	return out
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Branch is a tentative extension of a [Trunk] seeded by one generator
// literal: the set of nodes/literals/reasons that literal's implication
// closure forces, relative to the trunk. A branch that reaches a
// contradiction (gen literal implies both polarities of some node) records
// that in err and is never merged into the trunk.
type Branch struct {
	trunk *Trunk
	gen   *Literal

	nodes    mapset.Set[*Node]
	literals mapset.Set[*Literal]
	reasons  map[*Literal]*Reason

	negexcls map[*Neglast]mapset.Set[*Literal]

	err         error
	initialized bool
}

func (b *Branch) solutionState() {}

func newBranch(trunk *Trunk, gen *Literal) *Branch {
	return &Branch{
		trunk:    trunk,
		gen:      gen,
		nodes:    mapset.NewThreadUnsafeSet[*Node](),
		literals: mapset.NewThreadUnsafeSet[*Literal](),
		reasons:  map[*Literal]*Reason{},
		negexcls: map[*Neglast]mapset.Set[*Literal]{},
	}
}

func (b *Branch) valid() bool {
	return b.err == nil && b.nodes.Cardinality() == b.literals.Cardinality()
}

// addLiteral folds lit (and its transitive implications, including
// neglast-forced literals) into the branch, relative to its trunk. It
// reports a contradiction by setting b.err rather than returning an error,
// matching the trunk/branch vocabulary's "a branch records its own failure"
// convention.
func (b *Branch) addLiteral(lit *Literal) {
	if b.err != nil {
		return
	}
	queue := []*Literal{lit}
	for len(queue) > 0 {
		l := queue[0]
		queue = queue[1:]
		if b.trunk.literals.Contains(l) || b.literals.Contains(l) {
			continue
		}
		if b.trunk.literals.Contains(l.Not()) || b.literals.Contains(l.Not()) {
			b.err = &SolutionError{Context: b, Cause: fmt.Errorf("%v contradicts already-settled %v", l, l.Not())}
			return
		}
		b.nodes.Add(l.Node)
		b.literals.Add(l)
		if _, ok := b.reasons[l]; !ok {
			if l == lit {
				b.reasons[l] = &Reason{Why: WhyInitial, Cause: []*Literal{b.gen}}
			}
		}
		for _, nl := range l.neglasts {
			if !slices.Contains(nl.Literals, l) {
				continue
			}
			excl := b.negexcls[nl]
			if excl == nil {
				excl = mapset.NewThreadUnsafeSet[*Literal]()
				b.negexcls[nl] = excl
			}
			excl.Add(l)
			left := b.trunk.neglefts[nl].Difference(excl)
			if left.Cardinality() == 1 {
				var remaining *Literal
				for v := range left.Iter() {
					remaining = v
				}
				forced, reason := nl.NegReasonFor(remaining)
				if !b.trunk.literals.Contains(forced) && !b.literals.Contains(forced) {
					b.reasons[forced] = reason
					queue = append(queue, forced)
				}
			}
		}
		for implied := range l.implies.Iter() {
			if reason := l.ReasonFor(implied); reason != nil {
				if _, ok := b.reasons[implied]; !ok {
					b.reasons[implied] = reason
				}
			}
			queue = append(queue, implied)
		}
	}
}

// expand runs the branch's implication closure to a fixed point. Unlike the
// reference algorithm's single shared expansion stack across all branches
// (which also detects and merges branches that turn out equivalent), this
// expands each branch independently against the trunk; two branches that
// are in fact equivalent are both kept and simply agree once merged into
// the trunk by [resolveBranches]. See DESIGN.md for why this
// simplification was chosen.
func (b *Branch) expand() {
	if b.initialized {
		return
	}
	b.addLiteral(b.gen)
	b.initialized = true
}

// createTrunk seeds a fresh trunk from initial, propagating every direct
// implication and every neglast forcing to a fixed point.
func createTrunk(pg *Pgraph, initial []*Literal) (*Trunk, error) {
	trunk := newTrunk()
	seen := map[*Neglast]bool{}
	for _, n := range pg.Nodes() {
		for _, lit := range []*Literal{n.t, n.f} {
			for _, nl := range lit.neglasts {
				if seen[nl] {
					continue
				}
				seen[nl] = true
				trunk.neglefts[nl] = mapset.NewThreadUnsafeSet(nl.Literals...)
			}
		}
	}

	var queue []*Literal
	for _, lit := range initial {
		if _, ok := trunk.reasons[lit]; !ok {
			trunk.reasons[lit] = &Reason{Why: WhyInitial}
		}
		queue = append(queue, lit)
	}

	for len(queue) > 0 {
		lit := queue[0]
		queue = queue[1:]
		if trunk.literals.Contains(lit) {
			continue
		}
		if trunk.literals.Contains(lit.Not()) {
			return nil, &SolutionError{Context: trunk, Cause: fmt.Errorf("contradiction forcing both %v and %v", lit, lit.Not())}
		}
		trunk.nodes.Add(lit.Node)
		trunk.literals.Add(lit)

		for _, nl := range lit.neglasts {
			if !slices.Contains(nl.Literals, lit) {
				continue
			}
			left := trunk.neglefts[nl]
			left.Remove(lit)
			if left.Cardinality() == 1 {
				var remaining *Literal
				for v := range left.Iter() {
					remaining = v
				}
				forced, reason := nl.NegReasonFor(remaining)
				if !trunk.literals.Contains(forced) {
					if _, ok := trunk.reasons[forced]; !ok {
						trunk.reasons[forced] = reason
					}
					queue = append(queue, forced)
				}
			}
		}
		for implied := range lit.implies.Iter() {
			if !trunk.literals.Contains(implied) {
				if _, ok := trunk.reasons[implied]; !ok {
					trunk.reasons[implied] = lit.ReasonFor(implied)
				}
				queue = append(queue, implied)
			}
		}
	}
	if !trunk.valid() {
		return nil, &SolutionError{Context: trunk, Cause: fmt.Errorf("trunk holds both literals of some node")}
	}
	return trunk, nil
}

// prepareBranches creates the two sibling branches for every node not
// already settled by the trunk, and expands them all.
func prepareBranches(trunk *Trunk, unresolved []*Node) []*Branch {
	branches := make([]*Branch, 0, 2*len(unresolved))
	for _, n := range unresolved {
		if trunk.nodes.Contains(n) {
			continue
		}
		for _, lit := range []*Literal{n.t, n.f} {
			b := newBranch(trunk, lit)
			trunk.branchmap[lit] = b
			branches = append(branches, b)
		}
	}
	expandBranches(trunk)
	return branches
}

// expandBranches runs expand on every currently live branch. Branches are
// visited in deterministic order (see [Trunk.branchset]); expanding one
// branch never mutates another, so there is no recursive stack to manage
// here (see the simplification note on [Branch.expand]).
func expandBranches(trunk *Trunk) {
	for _, b := range trunk.branchset() {
		b.expand()
	}
}

// resolveBranches repeatedly folds every branch that the trunk doesn't yet
// decide between into the trunk: an invalid branch forces its opposite
// polarity into the trunk; once all branches in a round have folded in
// (or been ruled invalid), any branch whose validity changed as a
// consequence is re-queued for another round.
func resolveBranches(trunk *Trunk, branches []*Branch) error {
	for len(branches) > 0 {
		var next []*Branch
		progressed := false
		for _, b := range branches {
			gen := b.gen
			if trunk.literals.Contains(gen) || trunk.literals.Contains(gen.Not()) {
				continue // already settled by a prior round
			}
			b.expand()
			if b.valid() {
				continue // still live; nothing to resolve yet
			}
			// This branch is inviable: force the opposite polarity into the trunk.
			opp := trunk.branchmap[gen.Not()]
			if opp == nil {
				return &SolutionError{Context: trunk, Cause: fmt.Errorf("both polarities of %v are inviable", gen.Node)}
			}
			if err := mergeBranchIntoTrunk(trunk, opp); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			break
		}
		// Re-check every branch still live; folding some branches into the
		// trunk may have settled nodes that make others newly invalid.
		for _, b := range trunk.branchset() {
			if !b.initialized {
				continue
			}
			gen := b.gen
			if trunk.literals.Contains(gen) || trunk.literals.Contains(gen.Not()) {
				continue
			}
			next = append(next, b)
		}
		branches = next
	}
	return nil
}

// mergeBranchIntoTrunk folds a resolved branch's nodes/literals/reasons
// into the trunk and retires both it and its opposite-polarity sibling from
// branchmap into deadBranches.
func mergeBranchIntoTrunk(trunk *Trunk, b *Branch) error {
	for n := range b.nodes.Iter() {
		trunk.nodes.Add(n)
	}
	for l := range b.literals.Iter() {
		if trunk.literals.Contains(l.Not()) {
			return &SolutionError{Context: trunk, Cause: fmt.Errorf("merging branch %v contradicts trunk", b.gen)}
		}
		trunk.literals.Add(l)
		if _, ok := trunk.reasons[l]; !ok {
			trunk.reasons[l] = b.reasons[l]
		}
	}
	for nl, excl := range b.negexcls {
		left, ok := trunk.neglefts[nl]
		if !ok {
			continue
		}
		trunk.neglefts[nl] = left.Difference(excl)
	}
	delete(trunk.branchmap, b.gen)
	trunk.deadBranches[b.gen.Not()] = trunk.branchmap[b.gen.Not()]
	delete(trunk.branchmap, b.gen.Not())
	return nil
}

// stepwiseResolve groups the trunk's live branches by generator literal
// level and resolves each level in
// ascending order: modules are decided first, then option values, then
// anything else, matching the reference algorithm's resolution bias. A
// literal's level also doubles as its default-commit priority: a module's
// false literal is level 1 (exclude by default) unless [Pgraph.PreferIncluded]
// lowered its true literal to level 0 (prefer to include). Once a level's
// round of forcing reaches a fixed point, any branch still undecided is
// committed as that level's default — ascending order means the
// lowest-level (highest-priority) sibling of an ambiguous pair always
// commits before its opposite's round would even run.
func stepwiseResolve(trunk *Trunk) error {
	levels := map[int][]*Branch{}
	for _, b := range trunk.branchset() {
		levels[b.gen.Level] = append(levels[b.gen.Level], b)
	}
	keys := make([]int, 0, len(levels))
	for lvl := range levels {
		keys = append(keys, lvl)
	}
	slices.Sort(keys)
	for _, lvl := range keys {
		var live []*Branch
		for _, b := range levels[lvl] {
			if _, ok := trunk.branchmap[b.gen]; ok {
				live = append(live, b)
			}
		}
		if err := resolveBranches(trunk, live); err != nil {
			return err
		}
		if err := commitLevelDefaults(trunk, live); err != nil {
			return err
		}
	}
	return nil
}

// commitLevelDefaults merges every branch in live that resolveBranches left
// undecided directly into the trunk, as the default outcome for its level.
func commitLevelDefaults(trunk *Trunk, live []*Branch) error {
	for _, b := range live {
		if _, ok := trunk.branchmap[b.gen]; !ok {
			continue // already settled (forced, or committed by an earlier sibling in this round)
		}
		if trunk.literals.Contains(b.gen) || trunk.literals.Contains(b.gen.Not()) {
			continue
		}
		if err := mergeBranchIntoTrunk(trunk, b); err != nil {
			return err
		}
	}
	return nil
}

// getTrunkSolution runs the full construction: trunk seeding, branch
// preparation, forcing already-invalid branches' opposites, level-ordered
// stepwise resolution, and a final pass resolving whatever remains.
func getTrunkSolution(pg *Pgraph, initial []*Literal) (*Trunk, error) {
	trunk, err := createTrunk(pg, initial)
	if err != nil {
		return nil, err
	}
	unresolved := make([]*Node, 0)
	for _, n := range pg.Nodes() {
		if !trunk.nodes.Contains(n) {
			unresolved = append(unresolved, n)
		}
	}
	branches := prepareBranches(trunk, unresolved)

	var invalid []*Branch
	for _, b := range branches {
		if !b.valid() {
			invalid = append(invalid, b)
		}
	}
	var forced []*Branch
	for _, b := range invalid {
		if opp := trunk.branchmap[b.gen.Not()]; opp != nil {
			forced = append(forced, opp)
		}
	}
	if err := resolveBranches(trunk, forced); err != nil {
		return nil, err
	}
	if err := stepwiseResolve(trunk); err != nil {
		return nil, err
	}
	if err := resolveBranches(trunk, trunk.branchset()); err != nil {
		return nil, err
	}
	return trunk, nil
}

// Solve resolves pg under initial assumptions, returning the total literal
// assignment (one literal per node) and the reason graph built from the
// solving process for later explanation.
func Solve(pg *Pgraph, initial []*Literal) (map[*Node]*Literal, *Rgraph, error) {
	trunk, err := getTrunkSolution(pg, initial)
	if err != nil {
		return nil, nil, err
	}
	rg := newRgraph(trunk)
	result := map[*Node]*Literal{}
	for n := range trunk.nodes.Iter() {
		result[n] = nil
	}
	for l := range trunk.literals.Iter() {
		result[l.Node] = l
	}
	for n, lit := range result {
		if lit == nil {
			return nil, rg, &SolutionError{Context: trunk, Cause: fmt.Errorf("node %v left undecided", n)}
		}
	}
	return result, rg, nil
}
