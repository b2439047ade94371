package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("approval")
	defer b.Unsubscribe(sub)

	b.Publish(Event{Type: TypeApprovalRequired, Payload: "hello"})

	select {
	case event := <-sub.Ch():
		if event.Type != TypeApprovalRequired {
			t.Fatalf("type = %q, want %q", event.Type, TypeApprovalRequired)
		}
		if event.Payload != "hello" {
			t.Fatalf("payload = %v, want %q", event.Payload, "hello")
		}
		if event.Time.IsZero() {
			t.Fatal("event time not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PublishPreservesExplicitTime(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.Publish(Event{Type: TypeSystemNotice, Time: ts})
	evt := <-sub.Ch()
	if !evt.Time.Equal(ts) {
		t.Fatalf("time = %v, want caller's %v", evt.Time, ts)
	}
}

func TestBus_FamilyMatching(t *testing.T) {
	b := New()

	approvalSub := b.Subscribe("approval")
	defer b.Unsubscribe(approvalSub)

	allSub := b.Subscribe()
	defer b.Unsubscribe(allSub)

	b.Publish(Event{Type: TypeApprovalResolved, Payload: "decided"})
	b.Publish(Event{Type: TypeAgentStatus, Payload: "busy"})

	select {
	case event := <-approvalSub.Ch():
		if event.Type != TypeApprovalResolved {
			t.Fatalf("type = %q, want approval.resolved", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for approval event")
	}

	// approvalSub must not see the agent event.
	select {
	case event := <-approvalSub.Ch():
		t.Fatalf("unexpected event on approvalSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	// allSub sees both, in publish order.
	first := <-allSub.Ch()
	second := <-allSub.Ch()
	if first.Type != TypeApprovalResolved || second.Type != TypeAgentStatus {
		t.Fatalf("order mismatch: %q then %q", first.Type, second.Type)
	}
}

func TestBus_SetTypesMutatesFilter(t *testing.T) {
	b := New()
	sub := b.Subscribe("approval")
	defer b.Unsubscribe(sub)

	sub.SetTypes([]string{"canvas"})
	b.Publish(Event{Type: TypeApprovalRequired})
	b.Publish(Event{Type: TypeCanvasUpdate})

	select {
	case event := <-sub.Ch():
		if event.Type != TypeCanvasUpdate {
			t.Fatalf("filter mutation not applied, got %q", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for canvas event")
	}
}

func TestBus_SlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New()
	var drops int
	b.OnDrop(func(string) { drops++ })

	slow := b.Subscribe() // never drained
	defer b.Unsubscribe(slow)
	fast := b.Subscribe()
	defer b.Unsubscribe(fast)

	total := defaultBufferSize + 10
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			b.Publish(Event{Type: TypeSystemNotice, Payload: i})
			// Drain fast so it never overflows.
			<-fast.Ch()
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	if slow.Dropped() != int64(total-defaultBufferSize) {
		t.Fatalf("dropped = %d, want %d", slow.Dropped(), total-defaultBufferSize)
	}
	if drops != total-defaultBufferSize {
		t.Fatalf("onDrop calls = %d, want %d", drops, total-defaultBufferSize)
	}
}

func TestBus_PerSubscriberOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe("system")
	defer b.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: TypeSystemNotice, Payload: i})
	}
	for i := 0; i < 10; i++ {
		event := <-sub.Ch()
		if event.Payload != i {
			t.Fatalf("event %d out of order: got %v", i, event.Payload)
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				b.Publish(Event{Type: TypeAgentStatus, Payload: j})
			}
		}()
	}
	received := 0
	timeout := time.After(2 * time.Second)
	for received < 32 {
		select {
		case <-sub.Ch():
			received++
		case <-timeout:
			t.Fatalf("received %d of 32 events", received)
		}
	}
	wg.Wait()
}
