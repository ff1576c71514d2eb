package agent

import "fmt"

type ErrorKind string

const (
	KindInvalidInput          ErrorKind = "invalid_input"
	KindUpstreamUnavailable   ErrorKind = "upstream_unavailable"
	KindBudgetExceeded        ErrorKind = "budget_exceeded"
	KindQualityBelowThreshold ErrorKind = "quality_below_threshold"
	KindInternalInvariant     ErrorKind = "internal_invariant"
)

// Error is the uniform failure an agent reports to the controller. The
// wrapped cause stays reachable through errors.As, so the controller can
// still distinguish a tripped breaker from an exhausted retry loop.
type Error struct {
	Kind ErrorKind
	Role string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s agent: %s", e.Role, e.Kind)
	}
	return fmt.Sprintf("%s agent: %s: %v", e.Role, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(role string, kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Role: role, Err: err}
}
