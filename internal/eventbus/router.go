package eventbus

import (
	"strings"
	"sync"
)

const defaultSubscriberCapacity = 100

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router fans bus events out to per-job channel subscriptions with bounded
// buffers, so slow consumers (terminal views, SSE clients) never block the
// engine. On overflow partial updates are dropped first and failure or
// completion events are kept.
type Router struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
	channelSize int
	logger      Logger
}

// Subscription represents an active job subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription and closes Events.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router with default capacity.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers: map[string]map[*subscriber]struct{}{},
		channelSize: defaultSubscriberCapacity,
		logger:      nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger injects a logger for drop messages.
func RouterWithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// RouterWithSubscriberCapacity overrides the buffered channel size per subscriber.
func RouterWithSubscriberCapacity(cap int) RouterOption {
	return func(r *Router) {
		if cap > 0 {
			r.channelSize = cap
		}
	}
}

// Attach routes every event published on bus. The returned function detaches.
func (r *Router) Attach(bus *Bus) func() {
	return bus.SubscribeAll(r.Route)
}

// Subscribe registers for events of one job. An empty job id receives every
// job's events.
func (r *Router) Subscribe(jobID string) Subscription {
	key := normalizeJob(jobID)
	sub := newSubscriber(r.channelSize, r.logger)
	r.mu.Lock()
	if r.subscribers[key] == nil {
		r.subscribers[key] = map[*subscriber]struct{}{}
	}
	r.subscribers[key][sub] = struct{}{}
	r.mu.Unlock()
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			r.removeSubscriber(key, sub)
		},
	}
}

// Route delivers the event to subscribers of its job plus wildcard
// subscribers. Events with no subscriber are discarded.
func (r *Router) Route(event Event) {
	if event == nil {
		return
	}
	key := normalizeJob(event.Job())
	r.mu.RLock()
	subs := r.snapshotSubscribers(key)
	if key != "" {
		subs = append(subs, r.snapshotSubscribers("")...)
	}
	r.mu.RUnlock()
	for _, sub := range subs {
		sub.deliver(event)
	}
}

func (r *Router) snapshotSubscribers(key string) []*subscriber {
	live := r.subscribers[key]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (r *Router) removeSubscriber(key string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.subscribers[key]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subscribers, key)
		}
	}
	sub.close()
}

func normalizeJob(jobID string) string {
	return strings.TrimSpace(jobID)
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	logger Logger
	closed bool
}

func newSubscriber(capacity int, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan Event, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

// deliver queues event without blocking. When the buffer is full exactly one
// event is discarded and the rest keep their emission order.
func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	queued := make([]Event, 0, cap(s.ch))
	for drained := false; !drained; {
		select {
		case evt := <-s.ch:
			queued = append(queued, evt)
		default:
			drained = true
		}
	}
	if len(queued) < cap(s.ch) {
		// The consumer caught up while the queue was drained.
		queued = append(queued, event)
	} else if victim := dropIndex(queued, event); victim < 0 {
		s.logDrop(event, "queue overflow:incoming")
	} else {
		s.logDrop(queued[victim], "queue overflow")
		queued = append(append(queued[:victim:victim], queued[victim+1:]...), event)
	}
	for _, evt := range queued {
		s.ch <- evt
	}
}

func (s *subscriber) logDrop(event Event, reason string) {
	s.logger.Printf("eventbus: dropped %s for %s (%s)", event.Type(), event.Job(), reason)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// dropIndex picks which queued event to discard so incoming fits, or -1 to
// discard incoming itself. Partial updates go first, then any event that is
// not a failure or completion. The oldest candidate loses.
func dropIndex(queued []Event, incoming Event) int {
	for _, drop := range []func(Type) bool{isPreferredDrop, func(kind Type) bool { return !isCriticalEvent(kind) }} {
		for i, evt := range queued {
			if drop(evt.Type()) {
				return i
			}
		}
		if drop(incoming.Type()) {
			return -1
		}
	}
	return 0
}

func isCriticalEvent(kind Type) bool {
	return kind == TypeTaskFailed || kind == TypeWorkflowCompleted
}

func isPreferredDrop(kind Type) bool {
	return kind == TypePartialUpdate
}
