package emit

// Event messages emitted by the engine.
const (
	MsgInvocationStarted   = "invocation_started"
	MsgStepCompleted       = "step_completed"
	MsgStepFailed          = "step_failed"
	MsgInvocationSuspended = "invocation_suspended"
	MsgInvocationCompleted = "invocation_completed"
	MsgLockReleaseFailed   = "lock_release_failed"
)

// Event is a single observability record.
type Event struct {
	// ProcessID identifies the workflow process the event belongs to.
	ProcessID string

	// Step is the 1-based position of the step within the invocation.
	// Zero for invocation-level events.
	Step int

	// StepID names the workflow step, empty for invocation-level events.
	StepID string

	// Msg is one of the Msg* constants.
	Msg string

	// Meta carries event-specific details such as "version", "latency_ms",
	// "kind" and "error".
	Meta map[string]interface{}
}

// Err returns the error text attached to the event, if any.
func (e Event) Err() string {
	if e.Meta == nil {
		return ""
	}
	s, _ := e.Meta["error"].(string)
	return s
}
