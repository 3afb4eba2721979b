package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 10)
	defer unsub()

	if n := b.Emit("chat.message_new", "payload"); n != 1 {
		t.Errorf("Emit() delivered = %d, want 1", n)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "chat.message_new" {
			t.Errorf("got kind %q, want chat.message_new", evt.Kind)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 10)
	defer unsub()

	b.Publish(Event{Kind: "service.status_changed"})
	b.Publish(Event{Kind: "chat.status_update"})

	select {
	case evt := <-ch:
		if evt.Kind != "chat.status_update" {
			t.Errorf("got kind %q, want chat.status_update", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 10)
	unsub()
	unsub()

	if n := b.Publish(Event{Kind: "chat.message_new"}); n != 0 {
		t.Errorf("delivered = %d after unsubscribe", n)
	}
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", b.Subscribers())
	}

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	if n := b.Publish(Event{Kind: "test.two"}); n != 0 {
		t.Errorf("delivered = %d on full buffer, want 0", n)
	}

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}
