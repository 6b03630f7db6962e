// Package emit provides event emission for workflow observability.
package emit

// Emitter receives observability events from the workflow engine.
//
// Implementations must be safe for concurrent use: the engine emits from
// every invocation, and invocations for different processes run in parallel.
// Emit must not block for long, since it runs on the invocation's path.
type Emitter interface {
	Emit(event Event)
}
