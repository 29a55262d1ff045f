package app

import (
	"testing"

	"taskstream/internal/logging"
	"taskstream/internal/server/ports"
)

func TestEventChannelSequenceStartsAtOneAndIncreases(t *testing.T) {
	ch := newEventChannel("task-1", 10, logging.Nop(), nil)

	for i := 1; i <= 5; i++ {
		event, err := ch.Append(ports.EventStep, "content")
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if event.Seq != int64(i) {
			t.Errorf("expected seq %d, got %d", i, event.Seq)
		}
	}
	if got := ch.LastSeq(); got != 5 {
		t.Errorf("expected last seq 5, got %d", got)
	}
}

func TestEventChannelReplayIsIdempotent(t *testing.T) {
	ch := newEventChannel("task-1", 100, logging.Nop(), nil)
	for i := 0; i < 7; i++ {
		if _, err := ch.Append(ports.EventLog, i); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	first := ch.History(0)
	second := ch.History(0)

	if len(first) != 7 || len(second) != 7 {
		t.Fatalf("expected 7 events on both replays, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Seq != second[i].Seq || first[i].Seq != int64(i+1) {
			t.Errorf("replay mismatch at %d: %d vs %d", i, first[i].Seq, second[i].Seq)
		}
	}
}

func TestEventChannelHistoryAfterSeq(t *testing.T) {
	ch := newEventChannel("task-1", 100, logging.Nop(), nil)
	for i := 0; i < 9; i++ {
		if _, err := ch.Append(ports.EventStep, i); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tail := ch.History(5)
	if len(tail) != 4 {
		t.Fatalf("expected 4 events after seq 5, got %d", len(tail))
	}
	for i, event := range tail {
		if event.Seq != int64(6+i) {
			t.Errorf("expected seq %d at position %d, got %d", 6+i, i, event.Seq)
		}
	}
}

func TestEventChannelRetentionDropsOldest(t *testing.T) {
	ch := newEventChannel("task-1", 3, logging.Nop(), nil)
	for i := 0; i < 10; i++ {
		if _, err := ch.Append(ports.EventLog, i); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	history := ch.History(0)
	if len(history) != 3 {
		t.Fatalf("expected retention window of 3, got %d", len(history))
	}
	// Oldest retained event is seq 8; earlier history is lost.
	if history[0].Seq != 8 || history[2].Seq != 10 {
		t.Errorf("expected seqs 8..10, got %d..%d", history[0].Seq, history[2].Seq)
	}
}

func TestEventChannelClosesOnTerminal(t *testing.T) {
	ch := newEventChannel("task-1", 10, logging.Nop(), nil)
	if _, err := ch.Append(ports.EventStep, "work"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := ch.Append(ports.EventComplete, "done"); err != nil {
		t.Fatalf("terminal append: %v", err)
	}

	if !ch.Closed() {
		t.Fatal("expected channel closed after terminal event")
	}
	if _, err := ch.Append(ports.EventLog, "late"); err != ErrChannelClosed {
		t.Errorf("expected ErrChannelClosed, got %v", err)
	}
	if got := ch.LastSeq(); got != 2 {
		t.Errorf("late append must not advance seq, got %d", got)
	}
}

func TestEventChannelSubscribeAfterCloseReturnsTailOnly(t *testing.T) {
	ch := newEventChannel("task-1", 10, logging.Nop(), nil)
	ch.Append(ports.EventStep, "one")
	ch.Append(ports.EventError, map[string]any{"message": "boom"})

	replay, live := ch.Subscribe(0, 10)
	if live != nil {
		t.Fatal("expected nil live channel on closed channel")
	}
	if len(replay) != 2 {
		t.Fatalf("expected buffered tail of 2, got %d", len(replay))
	}
	if replay[1].Kind != ports.EventError {
		t.Errorf("expected terminal error event last, got %s", replay[1].Kind)
	}
}

func TestEventChannelLiveDelivery(t *testing.T) {
	ch := newEventChannel("task-1", 10, logging.Nop(), nil)

	replay, live := ch.Subscribe(0, 10)
	if len(replay) != 0 {
		t.Fatalf("expected empty replay, got %d events", len(replay))
	}
	if live == nil {
		t.Fatal("expected live channel")
	}
	defer ch.Unsubscribe(live)

	ch.Append(ports.EventThink, "pondering")

	select {
	case event := <-live:
		if event.Seq != 1 || event.Kind != ports.EventThink {
			t.Errorf("unexpected event: %+v", event)
		}
	default:
		t.Fatal("expected buffered live event")
	}
}

func TestEventChannelTerminalDeliveryEvictsWhenFull(t *testing.T) {
	ch := newEventChannel("task-1", 100, logging.Nop(), nil)

	_, live := ch.Subscribe(0, 2)
	if live == nil {
		t.Fatal("expected live channel")
	}

	// Fill the subscriber buffer without draining it.
	ch.Append(ports.EventStep, 1)
	ch.Append(ports.EventStep, 2)
	// A further non-terminal event is dropped for this subscriber.
	ch.Append(ports.EventStep, 3)
	// The terminal event must still arrive, evicting the oldest queued one.
	ch.Append(ports.EventComplete, "done")

	var got []ports.Event
	for len(live) > 0 {
		got = append(got, <-live)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 queued events, got %d", len(got))
	}
	if got[len(got)-1].Kind != ports.EventComplete {
		t.Errorf("expected terminal event delivered, got %s", got[len(got)-1].Kind)
	}
}

func TestEventChannelUnsubscribeClosesChannel(t *testing.T) {
	ch := newEventChannel("task-1", 10, logging.Nop(), nil)
	_, live := ch.Subscribe(0, 10)

	ch.Unsubscribe(live)
	if _, ok := <-live; ok {
		t.Error("expected live channel closed after unsubscribe")
	}
	if ch.SubscriberCount() != 0 {
		t.Errorf("expected zero subscribers, got %d", ch.SubscriberCount())
	}

	// A second unsubscribe must be a no-op, not a double close.
	ch.Unsubscribe(live)
}
