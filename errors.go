package modresolve

import "fmt"

// InviableError is returned by a [Module.Init] callback to mark the
// instance being initialized as inviable: not a fatal failure, just a
// constant-false constraint posted on that instance's node. Any other error
// returned from Init is treated as fatal.
type InviableError struct {
	Reason string
}

func (e *InviableError) Error() string { return "inviable instance: " + e.Reason }

// SolveError is implemented by every error [Solve] can raise.
type SolveError interface {
	error
	solveError()
}

// SolutionError reports that the solver could not produce a valid solution:
// every node has exactly one literal. Context is the failing [*Trunk] or
// [*Branch] snapshot at the point of contradiction; Cause, if non-nil,
// describes the contradiction that was detected.
type SolutionError struct {
	Context SolutionState
	Cause   error
	// Rgraph, when non-nil, gives the shortest causal chain for every
	// literal the trunk had settled at the point of contradiction.
	Rgraph *Rgraph
}

func (e *SolutionError) solveError() {}

func (e *SolutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("unsatisfiable constraints: %v", e.Cause)
	}
	return "unsatisfiable constraints"
}

func (e *SolutionError) Unwrap() error { return e.Cause }

var (
	_ SolveError = (*SolutionError)(nil)
	_ error      = (*InviableError)(nil)
)
