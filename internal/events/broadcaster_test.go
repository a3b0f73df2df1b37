package events

import "testing"

func TestBroadcaster_FilterByRun(t *testing.T) {
	b := NewBroadcaster()
	all := b.Subscribe("")
	only := b.Subscribe("run-1")
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(only)

	b.Emit(Event{Type: RunStarted, RunID: "run-1"})
	b.Emit(Event{Type: RunStarted, RunID: "run-2"})

	if e := <-all; e.RunID != "run-1" {
		t.Errorf("expected run-1 first, got %s", e.RunID)
	}
	if e := <-all; e.RunID != "run-2" {
		t.Errorf("expected run-2 second, got %s", e.RunID)
	}
	if e := <-only; e.RunID != "run-1" {
		t.Errorf("filtered subscriber got %s", e.RunID)
	}
	select {
	case e := <-only:
		t.Errorf("filtered subscriber must not receive run-2, got %+v", e)
	default:
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("")
	defer b.Unsubscribe(ch)
	// 超过缓冲容量也不能阻塞 Emit
	for i := 0; i < subscriberBuffer*2; i++ {
		b.Emit(Event{Type: StepCompleted, RunID: "run-1"})
	}
	if got := len(ch); got != subscriberBuffer {
		t.Errorf("expected full buffer %d, got %d", subscriberBuffer, got)
	}
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("")
	b.Unsubscribe(ch)
	if b.SubscriberCount() != 0 {
		t.Errorf("expected no subscribers")
	}
	if _, open := <-ch; open {
		t.Errorf("channel must be closed after unsubscribe")
	}
}
