package tui

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestActivityFeed_AddAndLen(t *testing.T) {
	f := NewActivityFeed()
	if f.Len() != 0 {
		t.Fatal("new feed should be empty")
	}
	f.Add(ActivityItem{Icon: "+", Message: "test", At: time.Now()})
	if f.Len() != 1 {
		t.Fatal("len should be 1")
	}
}

func TestActivityFeed_MaxItems(t *testing.T) {
	f := NewActivityFeed()
	f.maxItems = 3
	for i := 0; i < 5; i++ {
		f.Add(ActivityItem{Message: string(rune('a' + i)), At: time.Now()})
	}
	if f.Len() != 3 {
		t.Fatalf("expected 3, got %d", f.Len())
	}
	if f.items[0].Message != "c" {
		t.Fatalf("oldest items should be dropped, first is %q", f.items[0].Message)
	}
}

func TestActivityFeed_AddEvent(t *testing.T) {
	f := NewActivityFeed()
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	payload, _ := json.Marshal(map[string]any{"channel_key": "tax", "version": 3, "batch_size": 12, "total": 40})
	if !f.AddEvent(EventFrame{Topic: "memory.compaction.completed", Payload: payload}, now) {
		t.Fatal("compaction event should be recorded")
	}
	if f.AddEvent(EventFrame{Topic: "memory.turn.completed", Payload: payload}, now) {
		t.Fatal("turn completions should be skipped")
	}

	view := f.View()
	if !strings.Contains(view, "summary v3, folded 12 of 40 messages") {
		t.Fatalf("unexpected view: %q", view)
	}
	if !strings.Contains(view, "09:30:00") {
		t.Fatalf("missing timestamp: %q", view)
	}
}

func TestActivityFeed_Toggle(t *testing.T) {
	f := NewActivityFeed()
	if f.View() != "" {
		t.Fatal("empty feed should render nothing")
	}
	f.Add(ActivityItem{Icon: "!", Message: "compaction failed: boom", At: time.Now()})
	f.Toggle()
	if !strings.Contains(f.View(), "1 events") {
		t.Fatalf("collapsed view should show count: %q", f.View())
	}
	f.Toggle()
	if !strings.Contains(f.View(), "compaction failed: boom") {
		t.Fatalf("expanded view should show items: %q", f.View())
	}
}

func TestDescribeEvent(t *testing.T) {
	cases := []struct {
		topic   string
		payload string
		want    string
	}{
		{"memory.compaction.failed", `{"error":"upstream"}`, "compaction failed: upstream"},
		{"memory.turn.failed", `{"error_kind":"backpressure"}`, "turn failed (backpressure)"},
		{"memory.turn.duplicate", `{}`, "duplicate message dropped"},
	}
	for _, tc := range cases {
		item, ok := describeEvent(EventFrame{Topic: tc.topic, Payload: json.RawMessage(tc.payload)})
		if !ok || item.Message != tc.want {
			t.Errorf("%s: got %q ok=%v, want %q", tc.topic, item.Message, ok, tc.want)
		}
	}
	if _, ok := describeEvent(EventFrame{Topic: "channel.config.saved"}); ok {
		t.Error("unrelated topics should be ignored")
	}
}
