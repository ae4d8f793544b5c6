package modresolve

import (
	"fmt"
	"slices"
	"strings"
)

// Rgraph is the post-mortem reason graph built from a solved (or failed)
// [Trunk]: a breadth-first index over [Reason.Cause] edges, used to answer
// "why does this literal hold?" with the shortest causal chain back to an
// initial assumption.
type Rgraph struct {
	trunk   *Trunk
	reasons map[*Literal]*Reason
}

func newRgraph(trunk *Trunk) *Rgraph {
	reasons := make(map[*Literal]*Reason, len(trunk.reasons))
	for l, r := range trunk.reasons {
		reasons[l] = r
	}
	return &Rgraph{trunk: trunk, reasons: reasons}
}

// Explain returns the shortest chain of reasons justifying why lit holds,
// ordered from the initiating assumption to lit itself. It returns nil if
// lit was never recorded (e.g. it never held in the trunk).
func (rg *Rgraph) Explain(lit *Literal) []*Reason {
	chain := rg.findShortestWay(lit)
	slices.Reverse(chain)
	return chain
}

// findShortestWay walks backwards from lit through Cause edges,
// breadth-first, so the first complete path found is shortest.
func (rg *Rgraph) findShortestWay(lit *Literal) []*Reason {
	type frame struct {
		lit  *Literal
		path []*Reason
	}
	visited := map[*Literal]bool{lit: true}
	queue := []frame{{lit: lit}}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		reason, ok := rg.reasons[f.lit]
		if !ok {
			continue
		}
		path := append(append([]*Reason{}, f.path...), reason)
		if reason.Why == WhyInitial || len(reason.Cause) == 0 {
			return path
		}
		for _, cause := range reason.Cause {
			if visited[cause] {
				continue
			}
			visited[cause] = true
			queue = append(queue, frame{lit: cause, path: path})
		}
	}
	return nil
}

// Render produces a human-readable explanation of every literal the trunk
// settled, one line per literal, each citing the shortest reason chain that
// forced it.
func (rg *Rgraph) Render() string {
	lits := make([]*Literal, 0, rg.trunk.literals.Cardinality())
	for l := range rg.trunk.literals.Iter() {
		lits = append(lits, l)
	}
	slices.SortFunc(lits, func(a, b *Literal) int { return compareStrings(a.String(), b.String()) })
	var b strings.Builder
	for _, l := range lits {
		chain := rg.Explain(l)
		fmt.Fprintf(&b, "%v:", l)
		if len(chain) == 0 {
			b.WriteString(" (no recorded reason)\n")
			continue
		}
		for _, r := range chain {
			fmt.Fprintf(&b, " <- %v", r)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
