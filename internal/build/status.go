package build

import "fmt"

// Status is the runtime execution state of a target during one driver run.
//
// This is intentionally separated from the graph, which is immutable: the
// same graph can be executed many times without mutating its definition.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusBuilt   Status = "BUILT"
	StatusFresh   Status = "FRESH"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
)

// IsTerminal reports whether the status is final for this run.
func IsTerminal(s Status) bool {
	switch s {
	case StatusBuilt, StatusFresh, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsSatisfied reports whether a dependency in this state unblocks its
// dependents.
func IsSatisfied(s Status) bool {
	switch s {
	case StatusBuilt, StatusFresh:
		return true
	default:
		return false
	}
}

// transition performs a validated state change for a single target. The
// caller supplies the expected prior state so races become observable errors
// instead of silent corruption.
func (e *Executor) transition(name string, from, to Status) error {
	cur, ok := e.status[name]
	if !ok {
		return fmt.Errorf("unknown target in state: %q", name)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", name, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", name, from, to)
	}
	e.status[name] = to
	return nil
}

func isAllowedTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFresh || to == StatusSkipped || to == StatusFailed
	case StatusRunning:
		return to == StatusBuilt || to == StatusFailed
	default:
		return false
	}
}
