package eventbus

import (
	"testing"
	"time"
)

func TestSubscribePrefixFilter(t *testing.T) {
	t.Parallel()
	b := New()
	slots, unsub := b.Subscribe(4, "slot.")
	defer unsub()

	Emit(b, "outbox.queued", 1)
	Emit(b, "slot.fired", "morning")

	select {
	case e := <-slots:
		if e.Type != "slot.fired" || e.Data != "morning" {
			t.Fatalf("got %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("event time not set")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case e := <-slots:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 10; i++ {
		Emit(b, "gate.deferred", i)
	}
	if got := len(ch); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	Emit(b, "slot.fired", nil)
}

func TestEmitNilBus(t *testing.T) {
	t.Parallel()
	Emit(nil, "slot.fired", nil)
}
