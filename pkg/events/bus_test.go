package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "channel closed before %d events arrived", n)
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBus_PublishSubscribe_LiveDelivery(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	b.Publish(ThinkingStart("run-1"))
	b.Publish(Token("run-1", "hello"))
	b.Publish(ThinkingEnd("run-1"))

	got := collectEvents(t, ch, 3)
	assert.Equal(t, TypeThinkingStart, got[0].Type)
	assert.Equal(t, TypeToken, got[1].Type)
	assert.Equal(t, "hello", got[1].Text)
	assert.Equal(t, TypeThinkingEnd, got[2].Type)
}

func TestBus_Subscribe_ReplaysSinceLastThinkingStart(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	// First turn is superseded by the second thinking_start.
	b.Publish(ThinkingStart("run-1"))
	b.Publish(Token("run-1", "old"))
	b.Publish(ThinkingStart("run-1"))
	b.Publish(Token("run-1", "new-1"))
	b.Publish(Token("run-1", "new-2"))

	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	got := collectEvents(t, ch, 3)
	require.Equal(t, TypeThinkingStart, got[0].Type)
	assert.Equal(t, "new-1", got[1].Text)
	assert.Equal(t, "new-2", got[2].Text)

	// Live events keep flowing after the replay.
	b.Publish(Token("run-1", "live"))
	live := collectEvents(t, ch, 1)
	assert.Equal(t, "live", live[0].Text)
}

func TestBus_Subscribe_IsolatedPerRun(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	ch1, cancel1 := b.Subscribe("run-1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("run-2")
	defer cancel2()

	b.Publish(Token("run-1", "only-run-1"))

	got := collectEvents(t, ch1, 1)
	assert.Equal(t, "only-run-1", got[0].Text)

	select {
	case ev := <-ch2:
		t.Fatalf("run-2 subscriber received foreign event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_Publish_NeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	// Subscriber that never reads.
	_, cancel := b.Subscribe("run-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish(Token("run-1", "x"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBus_Cancel_IsIdempotentAndClosesChannel(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	ch, cancel := b.Subscribe("run-1")
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")

	// Publishing after cancel must not panic.
	b.Publish(Token("run-1", "after-cancel"))
}

func TestBus_Janitor_ExpiresIdleStreams(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	b.Publish(Token("run-1", "x"))
	require.Equal(t, 1, b.streamCount())

	// Stream with a live subscriber survives expiry.
	_, cancel := b.Subscribe("run-2")
	defer cancel()

	b.mu.Lock()
	for _, st := range b.streams {
		st.lastEventAt = time.Now().Add(-10 * time.Minute)
	}
	b.mu.Unlock()

	b.expireIdleStreams(time.Now())
	assert.Equal(t, 1, b.streamCount(), "only the subscribed stream should survive")
}

func TestBus_ReplayBuffer_CappedAtMax(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	b.Publish(ThinkingStart("run-1"))
	for i := 0; i < maxReplayEvents+100; i++ {
		b.Publish(Token("run-1", "t"))
	}

	b.mu.Lock()
	size := len(b.streams["run-1"].buffer)
	b.mu.Unlock()
	assert.Equal(t, maxReplayEvents, size)
}
