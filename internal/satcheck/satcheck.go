// Package satcheck cross-checks the hand-rolled trunk/branch solver against
// an independent SAT engine. It is test-only: production resolution never
// imports this package. It is grounded on the teacher's resolvesat.go,
// which builds the same kind of pseudo-boolean problem for its own
// SAT-backed resolver.
package satcheck

import (
	"fmt"
	"slices"

	"github.com/crillab/gophersat/solver"
	"github.com/rhansen/modresolve"
)

// VerifyAssignment reports an error if assignment (as returned by
// [modresolve.Solve]) violates any implication edge in pg: for every node
// it assigned a literal to, every literal that literal implies must also
// be assigned the same (implied) literal.
func VerifyAssignment(pg *modresolve.Pgraph, assignment map[*modresolve.Node]*modresolve.Literal) error {
	for _, n := range pg.Nodes() {
		lit, ok := assignment[n]
		if !ok {
			return fmt.Errorf("node %v has no assigned literal", n)
		}
		for implied := range lit.Implies() {
			got, ok := assignment[implied.Node]
			if !ok || got != implied {
				return fmt.Errorf("%v implies %v, but assignment has %v", lit, implied, got)
			}
		}
	}
	return nil
}

// CrossCheckSAT builds a pseudo-boolean CNF encoding of pg's implication
// edges (the same encoding [VerifyAssignment] checks an assignment against)
// under the given assumed-true literals, and asks gophersat whether it is
// satisfiable. It is used in tests to confirm that whenever
// [modresolve.Solve] reports a [*modresolve.SolutionError], the same
// constraints are genuinely unsatisfiable, and whenever it succeeds, the
// constraints are genuinely satisfiable.
func CrossCheckSAT(pg *modresolve.Pgraph, assumed []*modresolve.Literal) (bool, error) {
	prob, _, err := buildProblem(pg, assumed)
	if err != nil {
		return false, err
	}
	s := solver.New(prob)
	status := s.Solve()
	switch status {
	case solver.Sat:
		return true, nil
	case solver.Unsat:
		return false, nil
	default:
		return false, fmt.Errorf("gophersat returned indeterminate status %v", status)
	}
}

func buildProblem(pg *modresolve.Pgraph, assumed []*modresolve.Literal) (*solver.Problem, map[*modresolve.Node]solver.Var, error) {
	nodes := pg.Nodes()
	vars := make(map[*modresolve.Node]solver.Var, len(nodes))
	for i, n := range nodes {
		vars[n] = solver.Var(i)
	}

	term := func(lit *modresolve.Literal) int {
		v := int(vars[lit.Node]) + 1 // DIMACS literals are 1-based
		if lit.Value {
			return v
		}
		return -v
	}

	var constrs []solver.PBConstr
	for _, lit := range assumed {
		constrs = append(constrs, solver.PropClause(term(lit)))
	}
	for _, n := range nodes {
		for _, lit := range []*modresolve.Literal{n.True(), n.False()} {
			for implied := range lit.Implies() {
				constrs = append(constrs, solver.PropClause(-term(lit), term(implied)))
			}
		}
	}
	prob := solver.ParsePBConstrs(constrs)
	prob.SetCostFunc(
		slices.Collect(func(yield func(solver.Lit) bool) {
			for v := solver.Var(0); v < solver.Var(len(nodes)); v++ {
				if !yield(v.Lit()) {
					return
				}
			}
		}),
		slices.Repeat([]int{1}, len(nodes)))
	return prob, vars, nil
}
