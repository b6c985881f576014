// Package events fans out per-job dedup output to subscribers (SSE clients),
// the way internal/chat's Queue fanned out chat events to connected viewers
// in the teacher repo.
package events

import (
	"sync"

	"websetdedup/internal/models"
)

// subscription is one subscriber's non-blocking delivery channel, grounded on
// the teacher's memorySubscription (chat/queue.go): a buffered channel with a
// drop-on-full Publish and an idempotent Close.
type subscription struct {
	ch     chan models.Event
	once   sync.Once
	closed chan struct{}
}

func newSubscription(buffer int) *subscription {
	return &subscription{ch: make(chan models.Event, buffer), closed: make(chan struct{})}
}

// Events returns the channel to range over for delivered frames.
func (s *subscription) Events() <-chan models.Event { return s.ch }

// Close unblocks a waiting subscriber and is safe to call more than once.
func (s *subscription) Close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *subscription) deliver(evt models.Event) {
	select {
	case s.ch <- evt:
	case <-s.closed:
	default:
		// slow subscriber: drop rather than block the publisher (§4.9).
	}
}

// Bus is a per-job broadcast registry: a fresh Bus is created per job, so
// there is no cross-job subscriber leakage. Nothing removes a Bus once the
// job ends; the api.Handler that created it keeps it for the life of the
// process.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*subscription]struct{}
	replay      []models.Event
	bufferSize  int
}

// NewBus builds a job-scoped Bus. bufferSize bounds each subscriber's
// delivery channel (§4.9 default: 64).
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{subscribers: make(map[*subscription]struct{}), bufferSize: bufferSize}
}

// Publish delivers evt to every current subscriber and, for accepted items,
// records it for replay to subscribers that connect later. Rejected events
// are intentionally not replayed (§9 Open Question: a client reconnecting
// mid-job only needs to see items still under consideration, not history of
// rejections already broadcast once).
func (b *Bus) Publish(jobID string, evt models.Event) {
	b.mu.Lock()
	if evt.Type == models.EventItem {
		b.replay = append(b.replay, evt)
	}
	subs := make([]*subscription, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(evt)
	}
}

// Subscribe registers a new subscriber, sends `connected`, replays every
// accepted item broadcast so far, and then streams live events (§4.9,
// §6: "connected, then accepted item replay, then live stream").
func (b *Bus) Subscribe(jobID string) (*subscription, func()) {
	sub := newSubscription(b.bufferSize)

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	replay := make([]models.Event, len(b.replay))
	copy(replay, b.replay)
	b.mu.Unlock()

	sub.deliver(models.Event{Type: models.EventConnected, Connected: &models.ConnectedEvent{WebsetID: jobID}})
	for _, evt := range replay {
		sub.deliver(evt)
	}

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
		sub.Close()
	}
	return sub, unsubscribe
}

// SubscriberCount reports the current fan-out width, useful for metrics and
// tests.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
