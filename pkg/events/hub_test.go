package events

import (
	"testing"
	"time"
)

func TestHubPublishAndDecode(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	h.Publish(CalibrationPhase, CalibrationPhaseEvent{Procedure: "Backlash", From: "Probing", To: "ConvergedAtSpeed", Speed: 0.5})

	select {
	case ev := <-ch:
		if ev.Name != CalibrationPhase {
			t.Fatalf("event name = %q", ev.Name)
		}
		p, err := DecodeAs[CalibrationPhaseEvent](ev)
		if err != nil {
			t.Fatalf("DecodeAs returned error: %v", err)
		}
		if p.To != "ConvergedAtSpeed" || p.Speed != 0.5 {
			t.Fatalf("unexpected payload %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			h.Publish(CalibrationAction, CalibrationActionEvent{Action: "tick"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("buffered %d events, want %d", len(ch), subscriberBuffer)
	}

	h.Unsubscribe(ch)
	if h.Subscribers() != 0 {
		t.Fatalf("Subscribers() = %d after unsubscribe", h.Subscribers())
	}
	if _, ok := <-drain(ch); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

// drain empties ch and returns it.
func drain(ch chan Event) chan Event {
	for i, n := 0, len(ch); i < n; i++ {
		<-ch
	}
	return ch
}

func TestDecodeAsEmpty(t *testing.T) {
	v, err := DecodeAs[CalibrationResultEvent](Event{Name: CalibrationResult})
	if err != nil || v.Success {
		t.Fatalf("expected zero value, got %+v, %v", v, err)
	}
	var nilHub *EventHub
	nilHub.Publish(CalibrationResult, nil)
}
