package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Logger emits structured events to an underlying sink.
type Logger interface {
	Log(context.Context, Event) error
}

// LoggerFunc adapts a function into a Logger.
type LoggerFunc func(context.Context, Event) error

// Log implements Logger.
func (f LoggerFunc) Log(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Discard drops every event.
var Discard Logger = LoggerFunc(func(context.Context, Event) error { return nil })

// JSONLogger writes each event as a single JSON object on its own line.
type JSONLogger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewJSONLogger builds a JSONLogger writing to the provided io.Writer.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{w: w, now: time.Now}
}

// Log implements Logger by emitting a JSON representation of the event.
func (l *JSONLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.w == nil {
		return fmt.Errorf("json logger is not configured")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := l.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return nil
}

// Context holds the identity every event of a component is annotated with.
type Context struct {
	Node      string
	Component string
	Fields    map[string]interface{}
}

// With returns a Logger that fills in node and component when the event
// leaves them empty and merges the bound fields underneath the event's own.
func With(logger Logger, bound Context) Logger {
	if logger == nil {
		logger = Discard
	}
	if parent, ok := logger.(*boundLogger); ok {
		merged := parent.bound
		if bound.Node != "" {
			merged.Node = bound.Node
		}
		if bound.Component != "" {
			merged.Component = bound.Component
		}
		merged.Fields = mergeFields(parent.bound.Fields, bound.Fields)
		return &boundLogger{next: parent.next, bound: merged}
	}
	bound.Fields = mergeFields(nil, bound.Fields)
	return &boundLogger{next: logger, bound: bound}
}

type boundLogger struct {
	next  Logger
	bound Context
}

func (b *boundLogger) Log(ctx context.Context, event Event) error {
	cloned := event.Clone()
	if cloned.Node == "" {
		cloned.Node = b.bound.Node
	}
	if cloned.Component == "" {
		cloned.Component = b.bound.Component
	}
	if len(b.bound.Fields) > 0 {
		cloned.Fields = mergeFields(b.bound.Fields, cloned.Fields)
	}
	return b.next.Log(ctx, cloned)
}

func mergeFields(base, overlay map[string]interface{}) map[string]interface{} {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	merged := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// Emit logs an event and ignores sink failures; logging must never change
// the outcome of maintenance work.
func Emit(ctx context.Context, logger Logger, level Level, name, message string, fields map[string]interface{}) {
	if logger == nil {
		return
	}
	_ = logger.Log(ctx, Event{Level: level, Event: name, Message: message, Fields: fields})
}

var levelRank = map[Level]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}

// ParseLevel maps a level name to a Level.
func ParseLevel(name string) (Level, error) {
	level := Level(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := levelRank[level]; !ok {
		return "", fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

// FilterLevel drops events below min before they reach logger.
func FilterLevel(logger Logger, min Level) Logger {
	threshold := levelRank[min]
	return LoggerFunc(func(ctx context.Context, event Event) error {
		if levelRank[event.Level] < threshold {
			return nil
		}
		return logger.Log(ctx, event)
	})
}
