package emit

import (
	"context"
	"log/slog"
	"sort"
)

// SlogEmitter writes events to a slog.Logger. The event message becomes the
// log message and Meta keys become top-level attributes. Events carrying an
// error are logged at Warn, everything else at Info.
type SlogEmitter struct {
	logger *slog.Logger
}

// NewSlogEmitter creates a SlogEmitter. A nil logger means slog.Default().
func NewSlogEmitter(logger *slog.Logger) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{logger: logger}
}

// Emit implements Emitter.
func (s *SlogEmitter) Emit(event Event) {
	attrs := make([]slog.Attr, 0, len(event.Meta)+3)
	attrs = append(attrs, slog.String("process_id", event.ProcessID))
	if event.StepID != "" {
		attrs = append(attrs,
			slog.Int("step", event.Step),
			slog.String("step_id", event.StepID),
		)
	}

	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, event.Meta[k]))
	}

	level := slog.LevelInfo
	if event.Err() != "" {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(context.Background(), level, event.Msg, attrs...)
}
