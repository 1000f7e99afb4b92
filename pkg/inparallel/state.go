package inparallel

// State is the lifecycle position of one submitted task.
type State int

const (
	// StatePending is never observable from outside; spawning moves a task
	// straight to StateRunning.
	StatePending State = iota

	// StateRunning indicates the worker process has been started.
	StateRunning

	// StateCompleted indicates the worker exited successfully.
	StateCompleted

	// StateFailed indicates the task returned an error, panicked, exited
	// non-zero or could not be started.
	StateFailed

	// StateKilled indicates the controller signalled the worker and no
	// result was delivered.
	StateKilled
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true once the task can no longer change state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateKilled
}
