package monitor

// State is a phase of the monitoring loop.
type State int

const (
	Scanning State = iota
	Sleeping
	Backoff
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Scanning:
		return "scanning"
	case Sleeping:
		return "sleeping"
	case Backoff:
		return "backoff"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Event is what happened while in a State.
type Event int

const (
	CycleSucceeded Event = iota
	TransientFailure
	UnexpectedFailure
	TimerElapsed
	Interrupted
)

func (e Event) String() string {
	switch e {
	case CycleSucceeded:
		return "cycle_succeeded"
	case TransientFailure:
		return "transient_failure"
	case UnexpectedFailure:
		return "unexpected_failure"
	case TimerElapsed:
		return "timer_elapsed"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Next is the loop's transition function. Events that do not apply to the
// current state leave it unchanged; ShuttingDown is terminal.
func Next(s State, e Event) State {
	if s == ShuttingDown {
		return ShuttingDown
	}
	if e == Interrupted {
		return ShuttingDown
	}

	switch s {
	case Scanning:
		switch e {
		case CycleSucceeded, TransientFailure:
			return Sleeping
		case UnexpectedFailure:
			return Backoff
		}
	case Sleeping, Backoff:
		if e == TimerElapsed {
			return Scanning
		}
	}
	return s
}
