package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("task")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskCreated, TaskStateChangedEvent{TaskID: "t-1", NewStatus: "NEW"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicTaskCreated {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskCreated)
		}
		payload, ok := event.Payload.(TaskStateChangedEvent)
		if !ok {
			t.Fatalf("payload type %T", event.Payload)
		}
		if payload.TaskID != "t-1" {
			t.Fatalf("task id = %q", payload.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskNeedsReview, TaskNeedsReviewEvent{TaskID: "t-1", Question: "which account?"})
	b.Publish(TopicWorkerStateChanged, WorkerStateChangedEvent{OldState: "IDLE", NewState: "PROCESSING"})

	// taskSub receives only the task event.
	select {
	case event := <-taskSub.Ch():
		if event.Topic != TopicTaskNeedsReview {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskNeedsReview)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}
	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	// allSub receives both.
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event on allSub")
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestBus_SlowConsumerDropsEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; publishes must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriptionBuffer*2; i++ {
			b.Publish(TopicPipelineRun, PipelineRunEvent{SourceType: "telegram"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow consumer")
	}
	if sub.Dropped() != subscriptionBuffer {
		t.Fatalf("dropped = %d, want %d", sub.Dropped(), subscriptionBuffer)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(TopicTaskUpdated, nil)
		}()
	}
	wg.Wait()
}
