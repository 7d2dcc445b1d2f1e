package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("memory.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTurnCompleted, TurnEvent{ChannelKey: "sales", Total: 2})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicTurnCompleted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTurnCompleted)
		}
		ev, ok := event.Payload.(TurnEvent)
		if !ok || ev.ChannelKey != "sales" || ev.Total != 2 {
			t.Fatalf("unexpected payload %#v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	compactionSub := b.Subscribe("memory.compaction.")
	defer b.Unsubscribe(compactionSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicCompactionDone, CompactionEvent{ChannelKey: "a"})
	b.Publish(TopicTurnCompleted, TurnEvent{ChannelKey: "a"})

	select {
	case event := <-compactionSub.Ch():
		if event.Topic != TopicCompactionDone {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicCompactionDone)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for compaction event")
	}
	select {
	case event := <-compactionSub.Ch():
		t.Fatalf("unexpected event on compaction subscription: %q", event.Topic)
	default:
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d on catch-all subscription", i)
		}
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicTurnCompleted, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if got := len(sub.Ch()); got != defaultBufferSize {
		t.Fatalf("buffered = %d, want %d", got, defaultBufferSize)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	if b.SubscriberCount() != 1 {
		t.Fatalf("subscriber count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	// Double unsubscribe is harmless.
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicTurnFailed, nil)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				b.Publish(TopicTurnCompleted, i*10+j)
			}
		}(i)
	}
	wg.Wait()

	if got := len(sub.Ch()); got != 50 {
		t.Fatalf("received %d events, want 50", got)
	}
}
