package inparallel

import "time"

// TaskEvent describes one task at start or completion.
type TaskEvent struct {
	Label    string
	Func     string
	PID      int
	Index    int
	Mode     Mode
	State    State
	Inline   bool
	Duration time.Duration

	// Set on failure.
	Kind     string
	Message  string
	ExitCode int

	// SerializationFailed is set when a returned value could not be decoded
	// and the slot degraded to no value.
	SerializationFailed bool
}

// WasStarted reports whether a finished task had a matching TaskStarted.
// Spawn failures and inline tasks skipped by kill-on-error never start.
func (e TaskEvent) WasStarted() bool {
	if e.State == StateFailed && e.Kind == "spawn" {
		return false
	}
	return !(e.Inline && e.State == StateKilled)
}

// BatchEvent describes a drained batch.
type BatchEvent struct {
	ID        uint64
	Mode      Mode
	Tasks     int
	Completed int
	Failed    int
	Killed    int
	Duration  time.Duration
	Err       error
}

// Observer receives lifecycle events from a Controller. Methods are called
// from the goroutine driving the controller, except TaskFinished for
// detached tasks, which is called from a reaper goroutine.
type Observer interface {
	TaskStarted(TaskEvent)
	TaskFinished(TaskEvent)
	BatchFinished(BatchEvent)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) TaskStarted(TaskEvent)    {}
func (NopObserver) TaskFinished(TaskEvent)   {}
func (NopObserver) BatchFinished(BatchEvent) {}

// Observers fans events out to every non-nil observer in order.
func Observers(obs ...Observer) Observer {
	list := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			list = append(list, o)
		}
	}
	return list
}

type multiObserver []Observer

func (m multiObserver) TaskStarted(e TaskEvent) {
	for _, o := range m {
		o.TaskStarted(e)
	}
}

func (m multiObserver) TaskFinished(e TaskEvent) {
	for _, o := range m {
		o.TaskFinished(e)
	}
}

func (m multiObserver) BatchFinished(e BatchEvent) {
	for _, o := range m {
		o.BatchFinished(e)
	}
}
