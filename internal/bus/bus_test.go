package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Publish(NewEvent(KindStatusChanged, "test"))

	select {
	case evt := <-ch:
		if evt.Kind != KindStatusChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindStatusChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("notify.", 10)
	defer unsub()

	b.Publish(NewEvent(KindConnected, nil))
	b.Publish(NewEvent(KindNewMatch, "m1"))

	select {
	case evt := <-ch:
		if evt.Kind != KindNewMatch {
			t.Errorf("got kind %q, want %s", evt.Kind, KindNewMatch)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The conn event must not have been delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConversationScoping(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(ConversationNamespace("match:1"), 10)
	defer unsub()

	b.Publish(NewEvent(ConversationUpdated("match:10"), nil))
	b.Publish(NewEvent(ConversationUpdated("match:1"), nil))

	evt := <-ch
	if evt.Kind != "conversation.match:1.updated" {
		t.Errorf("got kind %q, want conversation.match:1.updated", evt.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("event for another conversation leaked: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	unsub()
	unsub()

	b.Publish(NewEvent(KindConnected, nil))

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()

	b.Publish(NewEvent(KindSendAck, "one"))
	// Dropped, the buffer holds one event.
	b.Publish(NewEvent(KindSendAck, "two"))

	evt := <-ch
	if evt.Payload != "one" {
		t.Errorf("got %v, want one", evt.Payload)
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
}
