// Package control coordinates patrol, pickup and disposal through a small
// behavior tree ticked at a fixed rate. Behaviors exchange state through a
// shared blackboard; the two state machines in internal/fsm track navigation
// and arm phases.
package control

import "fmt"

// Status is the result of one behavior tick.
type Status int

const (
	// Running means the behavior needs more ticks.
	Running Status = iota
	// Success means the behavior completed.
	Success
	// Failure means the behavior cannot proceed.
	Failure
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Node is one behavior in the tree.
type Node interface {
	Name() string
	Tick() Status
}

// Sequence ticks children in order with memory: a Running child is resumed on
// the next tick instead of re-ticking earlier children. The cursor resets
// after a full pass or any failure.
type Sequence struct {
	name     string
	children []Node
	cursor   int
}

// NewSequence builds a sequence node.
func NewSequence(name string, children ...Node) *Sequence {
	return &Sequence{name: name, children: children}
}

func (s *Sequence) Name() string { return s.name }

func (s *Sequence) Tick() Status {
	for s.cursor < len(s.children) {
		switch s.children[s.cursor].Tick() {
		case Running:
			return Running
		case Failure:
			s.cursor = 0
			return Failure
		case Success:
			s.cursor++
		}
	}
	s.cursor = 0
	return Success
}
