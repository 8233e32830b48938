package events

import (
	"encoding/json"
	"testing"
	"time"
)

// ── Bus Publish/Subscribe ─────────────────────────────────────────────

func TestBusPublishSubscribe(t *testing.T) {
	t.Run("subscriber_receives_published_event", func(t *testing.T) {
		b := NewBus(64)
		ch, cancel := b.Subscribe(Filter{})
		defer cancel()

		b.Publish(TypeConversationMessage, map[string]string{"content": "hello"})

		select {
		case evt := <-ch:
			if evt.Type != TypeConversationMessage {
				t.Errorf("Type = %q, want %s", evt.Type, TypeConversationMessage)
			}
			if evt.ID == "" {
				t.Error("expected non-empty event ID")
			}
			var payload map[string]string
			if err := json.Unmarshal(evt.Data, &payload); err != nil {
				t.Fatalf("Data is not valid JSON: %v", err)
			}
			if payload["content"] != "hello" {
				t.Errorf("payload content = %q, want hello", payload["content"])
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("filtered_subscriber_misses_non_matching", func(t *testing.T) {
		b := NewBus(64)
		ch, cancel := b.Subscribe(Filter{Types: []string{TypePlaybackEnded}})
		defer cancel()

		b.Publish(TypePlaybackStarted, "x")

		select {
		case evt := <-ch:
			t.Fatalf("should not receive event, got %+v", evt)
		case <-time.After(50 * time.Millisecond):
			// expected
		}
	})

	t.Run("cancel_stops_delivery", func(t *testing.T) {
		b := NewBus(64)
		ch, cancel := b.Subscribe(Filter{})
		cancel()

		b.Publish(TypePlaybackStarted, "x")

		select {
		case _, ok := <-ch:
			if ok {
				t.Fatal("should not receive event after cancel")
			}
		case <-time.After(50 * time.Millisecond):
			// expected: channel not closed, just removed from map
		}
		if n := b.SubscriberCount(); n != 0 {
			t.Errorf("SubscriberCount = %d, want 0", n)
		}
	})

	t.Run("hooks_see_every_event", func(t *testing.T) {
		b := NewBus(4)
		var got []string
		b.OnPublish(func(e Event) { got = append(got, e.Type) })

		b.Publish(TypePlaybackStarted, nil)
		b.Publish(TypeHistoryCleared, nil)

		if len(got) != 2 || got[1] != TypeHistoryCleared {
			t.Errorf("hook saw %v", got)
		}
	})

	t.Run("unmarshalable_payload_dropped", func(t *testing.T) {
		b := NewBus(4)
		b.Publish(TypePlaybackStarted, func() {})
		if len(b.ReplaySince("", Filter{})) != 0 {
			t.Error("event with bad payload should not be buffered")
		}
	})
}

// ── Bus ReplaySince ──────────────────────────────────────────────────

func TestBusReplaySince(t *testing.T) {
	t.Run("replay_all_when_empty_lastID", func(t *testing.T) {
		b := NewBus(64)
		b.Publish(TypePlaybackStarted, "a")
		b.Publish(TypePlaybackEnded, "b")

		events := b.ReplaySince("", Filter{})
		if len(events) != 2 {
			t.Fatalf("got %d events, want 2", len(events))
		}
	})

	t.Run("replay_after_specific_id", func(t *testing.T) {
		b := NewBus(64)
		b.Publish(TypePlaybackStarted, "a")
		firstID := b.ReplaySince("", Filter{})[0].ID

		b.Publish(TypePlaybackEnded, "b")

		events := b.ReplaySince(firstID, Filter{})
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1 (after first)", len(events))
		}
		if events[0].Type != TypePlaybackEnded {
			t.Errorf("Type = %q, want %s", events[0].Type, TypePlaybackEnded)
		}
	})

	t.Run("replay_in_order_after_wrap", func(t *testing.T) {
		b := NewBus(2)
		b.Publish("a.1", nil)
		b.Publish("a.2", nil)
		b.Publish("a.3", nil)

		events := b.ReplaySince("", Filter{})
		if len(events) != 2 || events[0].Type != "a.2" || events[1].Type != "a.3" {
			t.Fatalf("events = %+v", events)
		}
	})

	t.Run("unknown_lastID_replays_all", func(t *testing.T) {
		b := NewBus(64)
		b.Publish(TypePlaybackStarted, "a")

		events := b.ReplaySince("nonexistent-id", Filter{})
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1 (fallback replay all)", len(events))
		}
	})
}

func TestMatchesFilter(t *testing.T) {
	tests := []struct {
		name   string
		event  Event
		filter Filter
		want   bool
	}{
		{"empty_filter_matches_all", Event{Type: TypePlaybackStarted}, Filter{}, true},
		{"type_match", Event{Type: TypePlaybackStarted}, Filter{Types: []string{TypePlaybackStarted}}, true},
		{"type_no_match", Event{Type: TypePlaybackStarted}, Filter{Types: []string{TypePlaybackEnded}}, false},
		{"family_match", Event{Type: TypePlaybackEnded}, Filter{Types: []string{"playback.*"}}, true},
		{"family_no_match", Event{Type: TypeHistoryCleared}, Filter{Types: []string{"playback.*"}}, false},
		{"family_needs_dot", Event{Type: "playbackx"}, Filter{Types: []string{"playback.*"}}, false},
		{"whitespace_trimmed", Event{Type: TypeHistoryCleared}, Filter{Types: []string{" history.cleared "}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesFilter(tt.event, tt.filter); got != tt.want {
				t.Errorf("matchesFilter = %v, want %v", got, tt.want)
			}
		})
	}
}
