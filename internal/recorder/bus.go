package recorder

import (
	"sync"
	"time"
)

// DefaultSubscriberBuffer is the per-subscriber queue depth before the
// drop-oldest overflow policy kicks in.
const DefaultSubscriberBuffer = 64

// Delegate receives synchronous per-category dispatch of bus events.
// Embed NopDelegate to implement only the categories you care about.
type Delegate interface {
	RecordingStarted(ev Event)
	RecordingPaused(ev Event)
	RecordingResumed(ev Event)
	RecordingStopped(ev Event)
	RecordingCancelled(ev Event)
	AudioLevelUpdated(ev Event)
	PeakLevelUpdated(ev Event)
	DurationUpdated(ev Event)
	RecordingFailed(ev Event)
	ReachedMaxDuration(ev Event)
	BelowMinDuration(ev Event)
}

// NopDelegate is the default no-op Delegate.
type NopDelegate struct{}

func (NopDelegate) RecordingStarted(Event)   {}
func (NopDelegate) RecordingPaused(Event)    {}
func (NopDelegate) RecordingResumed(Event)   {}
func (NopDelegate) RecordingStopped(Event)   {}
func (NopDelegate) RecordingCancelled(Event) {}
func (NopDelegate) AudioLevelUpdated(Event)  {}
func (NopDelegate) PeakLevelUpdated(Event)   {}
func (NopDelegate) DurationUpdated(Event)    {}
func (NopDelegate) RecordingFailed(Event)    {}
func (NopDelegate) ReachedMaxDuration(Event) {}
func (NopDelegate) BelowMinDuration(Event)   {}

var _ Delegate = NopDelegate{}

// Subscription is one stream consumer's view of the bus, FIFO from its
// attach point forward. Close reclaims the slot.
type Subscription struct {
	bus    *Bus
	ch     chan Event
	closed bool
}

// Events is the subscriber's receive channel. It is closed when the
// subscription is.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription from the bus and closes its channel.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.ch)
}

// offer enqueues without ever blocking the producer: when the buffer is
// full the oldest queued event is dropped first. Callers hold the bus
// lock, which is what makes dropping and closing race-free.
func (s *Subscription) offer(ev Event) {
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Bus broadcasts events from the single producer domain (state machine,
// scheduler, facade) to any number of stream subscribers, per-kind
// callbacks, and at most one delegate. Publish never blocks; ordering is
// guaranteed per consumer only.
type Bus struct {
	mu        sync.Mutex
	subs      map[*Subscription]struct{}
	callbacks map[Kind][]func(Event)
	delegate  Delegate
}

// NewBus creates an empty bus with a no-op delegate.
func NewBus() *Bus {
	return &Bus{
		subs:      make(map[*Subscription]struct{}),
		callbacks: make(map[Kind][]func(Event)),
		delegate:  NopDelegate{},
	}
}

// Subscribe attaches a stream consumer with the default buffer depth.
func (b *Bus) Subscribe() *Subscription {
	return b.SubscribeBuffer(DefaultSubscriberBuffer)
}

// SubscribeBuffer attaches a stream consumer with an explicit buffer depth.
func (b *Bus) SubscribeBuffer(depth int) *Subscription {
	if depth < 1 {
		depth = 1
	}
	sub := &Subscription{bus: b, ch: make(chan Event, depth)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// On registers a callback invoked synchronously for every event of the
// given kind.
func (b *Bus) On(kind Kind, fn func(Event)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.callbacks[kind] = append(b.callbacks[kind], fn)
	b.mu.Unlock()
}

// SetDelegate installs the delegate; nil restores the no-op default.
func (b *Bus) SetDelegate(d Delegate) {
	if d == nil {
		d = NopDelegate{}
	}
	b.mu.Lock()
	b.delegate = d
	b.mu.Unlock()
}

// Publish broadcasts ev. Stream subscribers are fed under the lock with
// the non-blocking drop-oldest policy; callbacks and the delegate run
// synchronously afterward, outside the lock, so a slow consumer can never
// wedge a subscriber Close or a concurrent Publish caller's locking.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	for sub := range b.subs {
		sub.offer(ev)
	}
	fns := b.callbacks[ev.Kind]
	if len(fns) > 0 {
		fns = append([]func(Event){}, fns...)
	}
	delegate := b.delegate
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
	dispatchDelegate(delegate, ev)
}

func dispatchDelegate(d Delegate, ev Event) {
	switch ev.Kind {
	case KindStarted:
		d.RecordingStarted(ev)
	case KindPaused:
		d.RecordingPaused(ev)
	case KindResumed:
		d.RecordingResumed(ev)
	case KindStopped:
		d.RecordingStopped(ev)
	case KindCancelled:
		d.RecordingCancelled(ev)
	case KindAudioLevel:
		d.AudioLevelUpdated(ev)
	case KindPeakLevel:
		d.PeakLevelUpdated(ev)
	case KindDuration:
		d.DurationUpdated(ev)
	case KindError:
		d.RecordingFailed(ev)
	case KindReachedMaxDuration:
		d.ReachedMaxDuration(ev)
	case KindBelowMinDuration:
		d.BelowMinDuration(ev)
	}
}
