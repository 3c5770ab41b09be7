package reasoning

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrScriptExhausted is returned when a [Script] has no steps left.
var ErrScriptExhausted = errors.New("reasoning script exhausted")

// Step is one scripted reasoning call. Unit, when set, must match the
// unit the call is made for. Exactly one of Outcome and Err is used.
type Step struct {
	Unit    string
	Any     bool
	Outcome *Outcome
	Err     error
}

// Script replays a fixed sequence of outcomes. It records every input
// it was given, which makes it the reasoner of choice for tests and
// for replaying a recorded session.
type Script struct {
	mu     sync.Mutex
	steps  []Step
	inputs []Input
}

// NewScript returns a script that answers with steps in order.
func NewScript(steps ...Step) *Script {
	return &Script{steps: steps}
}

// For returns a step answered by unit ("" is the primary router).
func For(unit string, o *Outcome) Step {
	return Step{Unit: unit, Outcome: o}
}

// Fail returns a step that fails the reasoning call for unit.
func Fail(unit string, err error) Step {
	return Step{Unit: unit, Err: err}
}

// Push appends steps.
func (s *Script) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Reason implements [Reasoner].
func (s *Script) Reason(ctx context.Context, in Input) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.inputs = append(s.inputs, in)
	if len(s.steps) == 0 {
		return nil, ErrScriptExhausted
	}
	step := s.steps[0]
	s.steps = s.steps[1:]

	if !step.Any && step.Unit != in.Unit {
		return nil, fmt.Errorf("script expected a call for %q, got %q", unitLabel(step.Unit), unitLabel(in.Unit))
	}
	if step.Err != nil {
		return nil, step.Err
	}
	o := *step.Outcome
	return &o, nil
}

// Inputs returns the inputs seen so far.
func (s *Script) Inputs() []Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Input(nil), s.inputs...)
}

// Remaining returns the number of unused steps.
func (s *Script) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

func unitLabel(unit string) string {
	if unit == "" {
		return "primary"
	}
	return unit
}
