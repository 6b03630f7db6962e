package emit

import "sync"

// BufferedEmitter keeps every event in memory, grouped by process id.
// Useful in tests and for the CLI's event dump.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // processID -> events
}

// HistoryFilter narrows the events returned by HistoryWithFilter.
// Zero-valued fields do not filter.
type HistoryFilter struct {
	StepID string
	Msg    string
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.ProcessID] = append(b.events[event.ProcessID], event)
}

// History returns a copy of the events recorded for a process.
func (b *BufferedEmitter) History(processID string) []Event {
	return b.HistoryWithFilter(processID, HistoryFilter{})
}

// HistoryWithFilter returns the events for a process that match filter.
func (b *BufferedEmitter) HistoryWithFilter(processID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Event, 0, len(b.events[processID]))
	for _, event := range b.events[processID] {
		if filter.StepID != "" && event.StepID != filter.StepID {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear drops the events for a process, or all events if processID is empty.
func (b *BufferedEmitter) Clear(processID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if processID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, processID)
}
