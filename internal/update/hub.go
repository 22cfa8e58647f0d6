package update

import (
	"context"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultWatcherBuffer is the per-watcher queue length used when none is
// configured.
const DefaultWatcherBuffer = 32

// Hub fans status snapshots out to subscribers. Publishing never blocks:
// a subscriber that cannot keep up is evicted and told so through
// ErrWatcherTooSlow rather than having changes dropped behind its back.
type Hub struct {
	mu      sync.Mutex
	subs    map[*Subscription]bool
	buffer  int
	countFn func(int)
	evicted uint64
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultWatcherBuffer
	}
	return &Hub{
		subs:   make(map[*Subscription]bool),
		buffer: buffer,
	}
}

// SetCountHook registers fn to be called with the subscriber count after
// every change to it. Must be called before the hub is shared.
func (h *Hub) SetCountHook(fn func(int)) {
	h.countFn = fn
}

// subscribe registers a subscriber and queues baseline as its first event.
// The Machine calls it under its own lock so no transition can slip in
// between the baseline and the first published change.
func (h *Hub) subscribe(baseline Status) *Subscription {
	s := &Subscription{
		id:     uuid.NewString(),
		hub:    h,
		events: make(chan Status, h.buffer),
		done:   make(chan struct{}),
	}
	s.events <- baseline.Clone()

	h.mu.Lock()
	h.subs[s] = true
	n := len(h.subs)
	h.mu.Unlock()

	h.notifyCount(n)
	log.WithField("watcher", s.id).Debug("watcher subscribed")
	return s
}

func (h *Hub) publish(st Status) {
	var slow []*Subscription

	h.mu.Lock()
	for s := range h.subs {
		select {
		case s.events <- st.Clone():
		default:
			slow = append(slow, s)
		}
	}
	h.mu.Unlock()

	for _, s := range slow {
		log.WithField("watcher", s.id).Warn("watcher too slow, evicting")
		h.remove(s, ErrWatcherTooSlow)
	}
}

func (h *Hub) remove(s *Subscription, cause error) {
	h.mu.Lock()
	if _, ok := h.subs[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, s)
	if cause == ErrWatcherTooSlow {
		h.evicted++
	}
	s.err = cause
	close(s.done)
	close(s.events)
	n := len(h.subs)
	h.mu.Unlock()

	h.notifyCount(n)
	log.WithField("watcher", s.id).Debug("watcher unsubscribed")
}

func (h *Hub) notifyCount(n int) {
	if h.countFn != nil {
		h.countFn(n)
	}
}

// Count returns the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Evicted returns how many subscribers were dropped for being too slow.
func (h *Hub) Evicted() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evicted
}

// Subscription is one watcher's view of the status stream. The sequence it
// yields is not restartable; subscribe again to get a fresh baseline.
type Subscription struct {
	id     string
	hub    *Hub
	events chan Status
	done   chan struct{}
	err    error // guarded by hub.mu, set once before done is closed
}

func (s *Subscription) ID() string {
	return s.id
}

// Events yields the baseline followed by every later snapshot. The channel
// is closed when the subscription ends; check Err afterwards.
func (s *Subscription) Events() <-chan Status {
	return s.events
}

// Done is closed when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended: nil after Close, or
// ErrWatcherTooSlow after eviction.
func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

// Close detaches the subscription. Safe to call from any goroutine, any
// number of times.
func (s *Subscription) Close() {
	s.hub.remove(s, nil)
}

// Watch calls fn for every snapshot until ctx ends or the subscription is
// closed. It returns ctx.Err() on cancellation and Err() otherwise.
func (s *Subscription) Watch(ctx context.Context, fn func(Status)) error {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-s.events:
			if !ok {
				return s.Err()
			}
			fn(st)
		}
	}
}
