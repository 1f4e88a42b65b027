package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestJSONLoggerEmitsEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)
	logger.now = func() time.Time { return time.Unix(100, 0).UTC() }

	event := Event{
		Level:   LevelInfo,
		Node:    "host-a",
		Event:   "execute_request_finished",
		Message: "request executed",
		Fields: map[string]interface{}{
			"request":  "abc123",
			"duration": 1.5,
		},
	}

	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("log event: %v", err)
	}

	var payload Event
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if payload.Timestamp.Unix() != 100 {
		t.Fatalf("expected timestamp to be set, got %v", payload.Timestamp)
	}
	if payload.Level != LevelInfo {
		t.Fatalf("unexpected level: %s", payload.Level)
	}
	if payload.Event != event.Event {
		t.Fatalf("unexpected event name: %s", payload.Event)
	}
	if payload.Fields["request"] != "abc123" {
		t.Fatalf("expected request field preserved, got %v", payload.Fields)
	}
}

func TestJSONLoggerRequiresWriter(t *testing.T) {
	logger := NewJSONLogger(nil)
	if err := logger.Log(context.Background(), Event{Event: "test"}); err == nil {
		t.Fatal("expected error when writer is nil")
	}
}

func TestWithBindsContextAndMergesFields(t *testing.T) {
	var captured []Event
	sink := LoggerFunc(func(_ context.Context, e Event) error {
		captured = append(captured, e)
		return nil
	})

	base := With(sink, Context{Node: "host-a", Component: "reqmanager"})
	bound := With(base, Context{Fields: map[string]interface{}{"request": "r1", "attempt": 1}})

	Emit(context.Background(), bound, LevelInfo, "execute_request_start", "", map[string]interface{}{"attempt": 2})

	if len(captured) != 1 {
		t.Fatalf("expected one event, got %d", len(captured))
	}
	got := captured[0]
	if got.Node != "host-a" || got.Component != "reqmanager" {
		t.Fatalf("expected bound identity, got node=%q component=%q", got.Node, got.Component)
	}
	if got.Fields["request"] != "r1" {
		t.Fatalf("expected bound request field, got %v", got.Fields)
	}
	if got.Fields["attempt"] != 2 {
		t.Fatalf("expected event fields to override bound fields, got %v", got.Fields)
	}
}

func TestFilterLevelDropsDebug(t *testing.T) {
	var count int
	sink := LoggerFunc(func(context.Context, Event) error {
		count++
		return nil
	})
	logger := FilterLevel(sink, LevelInfo)
	Emit(context.Background(), logger, LevelDebug, "noise", "", nil)
	Emit(context.Background(), logger, LevelWarn, "signal", "", nil)
	if count != 1 {
		t.Fatalf("expected only the warn event to pass, got %d", count)
	}
}

func TestParseLevel(t *testing.T) {
	if got, err := ParseLevel(" WARN "); err != nil || got != LevelWarn {
		t.Fatalf("expected warn, got %q (%v)", got, err)
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected unknown level to fail")
	}
}
