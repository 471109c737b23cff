package process

// Stream identifies which pipe a captured line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// EventKind discriminates runner events.
type EventKind int

const (
	// EventLine carries one line of backend output.
	EventLine EventKind = iota
	// EventReadyHint fires once per run when the configured startup marker
	// is seen on stdout. It is a hint, not proof of readiness.
	EventReadyHint
	// EventExited is emitted exactly once per run, after the process has
	// been reaped.
	EventExited
)

func (k EventKind) String() string {
	switch k {
	case EventLine:
		return "line"
	case EventReadyHint:
		return "ready_hint"
	case EventExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Event is one observation from a running backend. Events for a given run
// carry that run's HandleID, so consumers can discard leftovers from an
// earlier run after a restart.
type Event struct {
	Kind     EventKind
	HandleID string
	PID      int

	// EventLine fields
	Stream Stream
	Text   string

	// EventExited fields
	Code int
	Err  error
}
