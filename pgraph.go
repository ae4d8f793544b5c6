package modresolve

import (
	"fmt"
	"iter"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// WhyTag labels the propositional construct that produced a [Reason], so
// that [Rgraph] can render an explanation without the solver core knowing
// anything about presentation.
type WhyTag int

const (
	WhyInitial WhyTag = iota
	WhyModuleImpliesOption
	WhyOptionExactlyOne
	WhyProviderExactlyOne
	WhyConstraint
	WhyInviable
	WhyForced
)

func (w WhyTag) String() string {
	switch w {
	case WhyInitial:
		return "assumed initially"
	case WhyModuleImpliesOption:
		return "module selects an option value"
	case WhyOptionExactlyOne:
		return "option takes exactly one value"
	case WhyProviderExactlyOne:
		return "interface has exactly one provider"
	case WhyConstraint:
		return "posted constraint"
	case WhyInviable:
		return "instance reported inviable"
	case WhyForced:
		return "last remaining candidate forced"
	default:
		return "unknown"
	}
}

// Reason records why one literal implies another (or, for a forced
// literal, why it had to hold), for later rendering by [Rgraph].
type Reason struct {
	Why   WhyTag
	Cause []*Literal
	Msg   string
}

func (r *Reason) String() string {
	if r.Msg != "" {
		return r.Msg
	}
	return r.Why.String()
}

// Node is a hash-consed vertex of the [Pgraph]: a boolean variable with two
// opposite-polarity [Literal]s.
type Node struct {
	Key     string
	Optuple *Optuple // non-nil only for an optuple node with its own decidable identity
	t, f    *Literal
}

// True returns this node's positive literal.
func (n *Node) True() *Literal { return n.t }

// False returns this node's negative literal.
func (n *Node) False() *Literal { return n.f }

func (n *Node) String() string { return n.Key }

// Literal is one polarity of a [Node]. Literals are hash-consed alongside
// their node: there is exactly one *Literal value per (node, polarity)
// pair, so literal identity is pointer identity.
type Literal struct {
	Node      *Node
	Value     bool
	Level     int // resolution priority, lowest first; see stepwiseResolve
	implies   mapset.Set[*Literal]
	reasonFor map[*Literal]*Reason
	neglasts  []*Neglast
}

// Not returns the opposite-polarity literal of the same node.
func (l *Literal) Not() *Literal {
	if l.Value {
		return l.Node.f
	}
	return l.Node.t
}

// Implies iterates the literals this literal directly implies.
func (l *Literal) Implies() iter.Seq[*Literal] { return mapset.Elements(l.implies) }

// ReasonFor returns why l implies other, if it does.
func (l *Literal) ReasonFor(other *Literal) *Reason { return l.reasonFor[other] }

// Neglasts returns the exactly-one groups l participates in as an excluded
// candidate. The returned slice is read-only.
func (l *Literal) Neglasts() []*Neglast { return l.neglasts }

func (l *Literal) String() string {
	if l.Value {
		return l.Node.Key
	}
	return "!" + l.Node.Key
}

// Neglast is the bookkeeping object behind an "exactly one of these" group:
// each entry of Literals is the *negative* (excluded) literal of one
// candidate. When all candidates but one have been excluded, the
// remaining candidate's positive literal is forced.
type Neglast struct {
	Literals []*Literal
	Why      WhyTag
}

// NegReasonFor returns the literal forced to hold, plus the reason citing
// every other candidate's exclusion, given that remaining is the sole
// not-yet-excluded member of the group.
func (n *Neglast) NegReasonFor(remaining *Literal) (*Literal, *Reason) {
	cause := make([]*Literal, 0, len(n.Literals)-1)
	for _, l := range n.Literals {
		if l != remaining {
			cause = append(cause, l)
		}
	}
	return remaining.Not(), &Reason{Why: WhyForced, Cause: cause}
}

// Pgraph is the hash-consed propositional graph: the set of [Node]s and the
// implication/exclusion edges wired between their literals.
type Pgraph struct {
	nodes map[string]*Node
}

func NewPgraph() *Pgraph { return &Pgraph{nodes: map[string]*Node{}} }

// Nodes iterates every node constructed so far, in a stable order (sorted
// by key) so that callers never depend on map iteration order.
func (g *Pgraph) Nodes() []*Node {
	keys := make([]string, 0, len(g.nodes))
	for k := range g.nodes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]*Node, len(keys))
	for i, k := range keys {
		out[i] = g.nodes[k]
	}
	return out
}

func (g *Pgraph) intern(key string, optuple *Optuple) *Node {
	if n, ok := g.nodes[key]; ok {
		return n
	}
	n := &Node{Key: key, Optuple: optuple}
	n.t = &Literal{Node: n, Value: true, implies: mapset.NewThreadUnsafeSet[*Literal](), reasonFor: map[*Literal]*Reason{}}
	n.f = &Literal{Node: n, Value: false, implies: mapset.NewThreadUnsafeSet[*Literal](), reasonFor: map[*Literal]*Reason{}}
	g.nodes[key] = n
	return n
}

// ModuleAtom returns the (hash-consed) node asking "is id included?". Its
// false literal defaults to a lower level than its true literal — excluding
// a module is the cheaper default when nothing forces a decision either
// way. Call [Pgraph.PreferIncluded] once a module is known to be some
// interface's default provider, which flips that bias.
func (g *Pgraph) ModuleAtom(id ModuleID) *Node {
	key := "module:" + string(id)
	_, existed := g.nodes[key]
	n := g.intern(key, nil)
	if !existed {
		n.t.Level, n.f.Level = 2, 1
	}
	return n
}

// PreferIncluded lowers id's module atom's true-literal level below its
// false-literal level, so the level-biased tie-break in the solver commits
// to including id, rather than excluding it, when nothing else decides the
// question. Used for a module that is some interface's default provider.
func (g *Pgraph) PreferIncluded(id ModuleID) {
	n := g.ModuleAtom(id)
	n.t.Level = 0
}

// OptionValueAtom returns the node asking "does id's option option take
// value v?". isDefault marks v as the option's declared default, biasing the
// level-based tie-break the same way [Pgraph.PreferIncluded] biases a
// default provider: the default value's true literal gets the lower
// (higher-priority) level, so the solver commits to the default rather than
// some other value when nothing forces a choice.
func (g *Pgraph) OptionValueAtom(id ModuleID, option string, v any, isDefault bool) *Node {
	key := fmt.Sprintf("optval:%s:%s=%#v", id, option, v)
	_, existed := g.nodes[key]
	n := g.intern(key, nil)
	if !existed {
		if isDefault {
			n.t.Level, n.f.Level = 1, 2
		} else {
			n.t.Level, n.f.Level = 2, 1
		}
	}
	return n
}

// OptupleNode returns the node asking "is exactly this optuple selected?".
// Its true literal always implies the module atom and every constituent
// option-value atom. When t's module has no options, OptupleNode is the
// module atom itself (there is nothing else to decide).
func (g *Pgraph) OptupleNode(t Optuple) *Node {
	if len(t.Values) == 0 {
		return g.ModuleAtom(t.Mod.ID())
	}
	key := "optuple:" + t.Key()
	if n, ok := g.nodes[key]; ok {
		return n
	}
	n := g.intern(key, &t)
	n.t.Level, n.f.Level = 3, 3
	modLit := g.ModuleAtom(t.Mod.ID()).True()
	g.Implies(n.t, modLit, &Reason{Why: WhyModuleImpliesOption, Cause: []*Literal{n.t}})
	for name, v := range t.IterPairs() {
		// isDefault is irrelevant here: by the time any optuple is lowered,
		// InitPgraphDomains has already interned every option-value atom
		// with its real level, so this call only ever hits the
		// already-interned branch.
		valLit := g.OptionValueAtom(t.Mod.ID(), name, v, false).True()
		g.Implies(n.t, valLit, &Reason{Why: WhyModuleImpliesOption, Cause: []*Literal{n.t}})
	}
	return n
}

// Implies records that a implies b, attributing reason, and its
// contrapositive (!b implies !a), attributing a reason citing !b itself as
// the cause.
func (g *Pgraph) Implies(a, b *Literal, reason *Reason) {
	if a.implies.Add(b) {
		a.reasonFor[b] = reason
	}
	notA, notB := a.Not(), b.Not()
	if notB.implies.Add(notA) {
		notB.reasonFor[notA] = &Reason{Why: reason.Why, Cause: []*Literal{notB}, Msg: reason.Msg}
	}
}

// Exclusive wires pairwise mutual exclusion among lits: no two can be true
// simultaneously. It does not force a last remaining literal to hold.
func (g *Pgraph) Exclusive(lits []*Literal, why WhyTag) {
	for i, a := range lits {
		for j, b := range lits {
			if i == j {
				continue
			}
			g.Implies(a, b.Not(), &Reason{Why: why, Cause: []*Literal{a}})
		}
	}
}

// ExactlyOne wires pairwise mutual exclusion among lits and additionally
// registers a [Neglast] so that once all candidates but one have been
// excluded, the solver forces the remaining candidate to hold.
func (g *Pgraph) ExactlyOne(lits []*Literal, why WhyTag) *Neglast {
	g.Exclusive(lits, why)
	neg := make([]*Literal, len(lits))
	for i, l := range lits {
		neg[i] = l.Not()
	}
	nl := &Neglast{Literals: neg, Why: why}
	for _, l := range neg {
		l.neglasts = append(l.neglasts, nl)
	}
	return nl
}
