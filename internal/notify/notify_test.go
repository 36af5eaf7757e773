package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	ch, unsub := n.Subscribe("b1", 4)
	defer unsub()

	n.Publish("b1", EventStatusChange, map[string]interface{}{"to": "processing"})
	n.Publish("b2", EventStatusChange, nil) // different batch, filtered out

	select {
	case ev := <-ch:
		assert.Equal(t, "b1", ev.BatchID)
		assert.Equal(t, EventStatusChange, ev.Type)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for batch %s", ev.BatchID)
	default:
	}
}

func TestWildcardSubscriberSeesAllBatches(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	ch, unsub := n.Subscribe("", 8)
	defer unsub()

	n.Publish("b1", EventSegmentCompleted, nil)
	n.Publish("b2", EventSegmentFailed, nil)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			got[ev.BatchID] = true
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.True(t, got["b1"] && got["b2"])
}

func TestProgressUpdatesDropWhenBufferFull(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	ch, unsub := n.Subscribe("b1", 1)
	defer unsub()

	// Nobody draining: the first fills the buffer, the rest drop.
	for i := 0; i < 5; i++ {
		n.Publish("b1", EventProgressUpdate, i)
	}

	assert.Equal(t, int64(4), n.Dropped())
	require.Len(t, ch, 1)
	ev := <-ch
	assert.Equal(t, 0, ev.Payload)
}

func TestTerminalEventsWaitForSlowSubscriber(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	ch, unsub := n.Subscribe("b1", 1)
	defer unsub()

	n.Publish("b1", EventProgressUpdate, "fill")

	done := make(chan struct{})
	go func() {
		// Drain after a delay shorter than the delivery timeout.
		time.Sleep(50 * time.Millisecond)
		<-ch
		close(done)
	}()

	n.Publish("b1", EventBatchCompleted, nil)
	<-done

	select {
	case ev := <-ch:
		assert.Equal(t, EventBatchCompleted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("terminal event lost")
	}
	assert.Zero(t, n.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	ch, unsub := n.Subscribe("b1", 1)
	assert.Equal(t, 1, n.SubscriberCount())

	unsub()
	unsub() // idempotent

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, n.SubscriberCount())

	// Publishing after unsubscribe must not panic.
	n.Publish("b1", EventStatusChange, nil)
}

func TestCloseUnsubscribesEveryone(t *testing.T) {
	n := NewNotifier()
	a, unsubA := n.Subscribe("b1", 1)
	b, unsubB := n.Subscribe("", 1)

	n.Close()
	_, openA := <-a
	_, openB := <-b
	assert.False(t, openA)
	assert.False(t, openB)

	// Unsubscribe after Close is a no-op, not a double close.
	unsubA()
	unsubB()
}
