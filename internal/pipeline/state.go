package pipeline

// State represents the lifecycle state of a pipeline.
type State int

const (
	// StateIdle means no processes are owned and no slot is held.
	StateIdle State = iota

	// StateStarting indicates the startup sequence is in progress.
	StateStarting

	// StateRunning indicates all three processes were confirmed started.
	// Health may degrade afterwards without leaving this state.
	StateRunning
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// IsActive returns true if the pipeline owns resources (starting or running).
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning
}
