package catalog

import "fmt"

// UnknownActionError is returned when an action is not declared for
// the specialist it was attributed to, or when a declared action is
// missing from the action server backing the specialist. At startup
// this is fatal; at runtime the offending proposal is recorded as a
// failed result and never executed.
type UnknownActionError struct {
	Specialist string
	Action     string
	Server     string
}

// Error implements the error interface.
func (e *UnknownActionError) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("action %q of specialist %q is not offered by action server %q", e.Action, e.Specialist, e.Server)
	}
	return fmt.Sprintf("action %q is not declared for specialist %q", e.Action, e.Specialist)
}

// ConfigError reports an invalid catalog definition.
type ConfigError struct {
	Specialist string
	Problem    string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Specialist == "" {
		return "catalog: " + e.Problem
	}
	return fmt.Sprintf("catalog: specialist %q: %s", e.Specialist, e.Problem)
}
