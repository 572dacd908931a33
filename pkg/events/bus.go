package events

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// subscriberBuffer is the channel capacity added on top of the replay
	// backlog for each subscriber.
	subscriberBuffer = 256

	// defaultReplayTTL is how long an idle run's replay buffer is retained.
	defaultReplayTTL = 5 * time.Minute

	// maxReplayEvents caps the replay buffer per run. When exceeded, the
	// oldest events are discarded.
	maxReplayEvents = 4096

	janitorInterval = time.Minute
)

// Bus is an in-process pub/sub hub keyed by run id.
//
// Delivery contract: Publish never blocks. A subscriber that cannot keep up
// loses events (counted per stream). Subscribe first replays the retained
// buffer — everything published since the run's most recent thinking_start —
// then delivers live events in order.
type Bus struct {
	mu        sync.Mutex
	streams   map[string]*runStream
	nextSubID uint64
	replayTTL time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

type runStream struct {
	buffer      []Event
	lastEventAt time.Time
	subs        map[uint64]chan Event
	dropped     int64
}

// NewBus creates a stream bus and starts its expiry janitor.
func NewBus() *Bus {
	b := &Bus{
		streams:   make(map[string]*runStream),
		replayTTL: defaultReplayTTL,
		stopCh:    make(chan struct{}),
		logger:    slog.Default().With("component", "stream-bus"),
	}
	b.wg.Add(1)
	go b.runJanitor()
	return b
}

// Stop shuts down the janitor and closes all subscriber channels.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range b.streams {
		for id, ch := range st.subs {
			delete(st.subs, id)
			close(ch)
		}
	}
	b.streams = make(map[string]*runStream)
}

// Publish delivers an event to all subscribers of its run and appends it to
// the replay buffer. A thinking_start resets the buffer first. Sends are
// non-blocking: a full subscriber drops the event.
func (b *Bus) Publish(ev Event) {
	if ev.RunID == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stream(ev.RunID)
	if ev.Type == TypeThinkingStart {
		st.buffer = st.buffer[:0]
	}
	st.buffer = append(st.buffer, ev)
	if len(st.buffer) > maxReplayEvents {
		st.buffer = st.buffer[len(st.buffer)-maxReplayEvents:]
	}
	st.lastEventAt = time.Now()

	for _, ch := range st.subs {
		select {
		case ch <- ev:
		default:
			st.dropped++
			b.logger.Debug("Dropping event for slow subscriber",
				"run_id", ev.RunID, "type", ev.Type, "dropped_total", st.dropped)
		}
	}
}

// Subscribe returns a channel that first replays the run's retained buffer
// and then receives live events. The cancel func is idempotent and closes
// the channel.
func (b *Bus) Subscribe(runID string) (<-chan Event, func()) {
	b.mu.Lock()
	st := b.stream(runID)

	ch := make(chan Event, len(st.buffer)+subscriberBuffer)
	for _, ev := range st.buffer {
		ch <- ev
	}

	id := b.nextSubID
	b.nextSubID++
	st.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if st, ok := b.streams[runID]; ok {
				if sub, ok := st.subs[id]; ok {
					delete(st.subs, id)
					close(sub)
				}
			}
		})
	}
	return ch, cancel
}

// stream returns the run's stream, creating it if needed. Caller holds b.mu.
func (b *Bus) stream(runID string) *runStream {
	st, ok := b.streams[runID]
	if !ok {
		st = &runStream{
			subs:        make(map[uint64]chan Event),
			lastEventAt: time.Now(),
		}
		b.streams[runID] = st
	}
	return st
}

// runJanitor drops replay buffers for runs idle past the TTL with no
// subscribers left.
func (b *Bus) runJanitor() {
	defer b.wg.Done()

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.expireIdleStreams(time.Now())
		}
	}
}

func (b *Bus) expireIdleStreams(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for runID, st := range b.streams {
		if len(st.subs) == 0 && now.Sub(st.lastEventAt) > b.replayTTL {
			delete(b.streams, runID)
		}
	}
}

// streamCount returns the number of retained streams.
// Unexported — used by tests to observe janitor behavior.
func (b *Bus) streamCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}
