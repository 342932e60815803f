package teaching

import (
	"fmt"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
)

// Phase is the coarse lifecycle position of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInitializing
	PhaseTeaching
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseInitializing:
		return "INITIALIZING"
	case PhaseTeaching:
		return "TEACHING"
	case PhaseEnded:
		return "ENDED"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is a node of the session state machine. While teaching there is one
// state per step; Step is ignored in every other phase.
type State struct {
	Phase Phase
	Step  Step
}

var (
	Idle         = State{Phase: PhaseIdle}
	Initializing = State{Phase: PhaseInitializing}
	Ended        = State{Phase: PhaseEnded}
)

// At returns the teaching state for a step.
func At(s Step) State { return State{Phase: PhaseTeaching, Step: s} }

// IsTeaching reports whether the session is live on some step.
func (s State) IsTeaching() bool { return s.Phase == PhaseTeaching }

func (s State) String() string {
	if s.Phase == PhaseTeaching {
		return s.Step.String()
	}
	return s.Phase.String()
}

// EventKind enumerates state machine inputs.
type EventKind int

const (
	EventStart EventKind = iota
	EventProvidersReady
	EventStartFailed
	EventAdvance
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventProvidersReady:
		return "providers_ready"
	case EventStartFailed:
		return "start_failed"
	case EventAdvance:
		return "advance"
	case EventEnd:
		return "end"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Input is one state machine input. Step is read only by EventAdvance.
type Input struct {
	Kind EventKind
	Step Step
}

// Advance builds an EventAdvance input.
func Advance(to Step) Input { return Input{Kind: EventAdvance, Step: to} }

// next lists the steps reachable from each step other than itself.
var next = map[Step][]Step{
	StepGreeting:     {StepDiagnosing},
	StepDiagnosing:   {StepExplaining},
	StepExplaining:   {StepExemplifying, StepEvaluating},
	StepExemplifying: {StepChallenging},
	StepChallenging:  {StepEvaluating},
	StepEvaluating:   {StepExplaining, StepSummarizing, StepChallenging},
	StepSummarizing:  {StepPracticing},
	StepPracticing:   {StepEvaluating},
}

// CanAdvance reports whether a session on from may speak on to. Repeating the
// current step is always allowed.
func CanAdvance(from, to Step) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is the state machine. It is pure: the orchestrator applies the
// returned state itself, and only after every precondition has passed.
func Transition(from State, in Input) (State, error) {
	switch in.Kind {
	case EventStart:
		if from.Phase == PhaseIdle {
			return Initializing, nil
		}
	case EventProvidersReady:
		if from.Phase == PhaseInitializing {
			return At(StepGreeting), nil
		}
	case EventStartFailed:
		if from.Phase == PhaseInitializing {
			return Ended, nil
		}
	case EventAdvance:
		if from.Phase == PhaseTeaching && CanAdvance(from.Step, in.Step) {
			return At(in.Step), nil
		}
	case EventEnd:
		if from.Phase != PhaseEnded {
			return Ended, nil
		}
	}

	if from.Phase == PhaseEnded {
		return from, shared.ErrSessionTerminated
	}
	return from, shared.WrapError("teaching", "Transition", shared.ErrStateTransition,
		"transition not allowed", fmt.Errorf("%s on %s", in.Kind, describe(from, in)))
}

func describe(from State, in Input) string {
	if in.Kind == EventAdvance {
		return from.String() + " -> " + in.Step.String()
	}
	return from.String()
}
