package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler receives events. A returned error is logged and otherwise ignored.
type Handler func(Event) error

// Subscription is the cancellation handle returned by Subscribe.
type Subscription struct {
	cancel func()
}

// Cancel stops delivery to the subscriber. It is safe to call more than once.
func (s Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Bus fans events out to per-instance and global subscribers. Every subscriber
// owns a queue and a goroutine, so a slow or failing handler never blocks the
// publisher or the other subscribers. Events reach each subscriber in the
// order they were published.
type Bus struct {
	mu       sync.Mutex
	instance map[string]map[*subscriber]struct{}
	global   map[*subscriber]struct{}
	logger   *zap.Logger
	closed   bool
}

// NewBus creates an empty Bus. A nil logger discards subscriber failures.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		instance: make(map[string]map[*subscriber]struct{}),
		global:   make(map[*subscriber]struct{}),
		logger:   logger,
	}
}

// Subscribe registers h for events of one pipeline instance.
func (b *Bus) Subscribe(instanceID string, h Handler) Subscription {
	sub := b.newSubscriber("instance:"+instanceID, h)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.stop(false)
		return Subscription{}
	}
	set, ok := b.instance[instanceID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.instance[instanceID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	return Subscription{cancel: func() {
		b.mu.Lock()
		if set, ok := b.instance[instanceID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.instance, instanceID)
			}
		}
		b.mu.Unlock()
		sub.stop(false)
	}}
}

// SubscribeAll registers h for events of every instance.
func (b *Bus) SubscribeAll(name string, h Handler) Subscription {
	sub := b.newSubscriber("global:"+name, h)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.stop(false)
		return Subscription{}
	}
	b.global[sub] = struct{}{}
	b.mu.Unlock()

	return Subscription{cancel: func() {
		b.mu.Lock()
		delete(b.global, sub)
		b.mu.Unlock()
		sub.stop(false)
	}}
}

// SubscribeChan delivers an instance's events on a channel. The channel is
// closed when the subscription is cancelled.
func (b *Bus) SubscribeChan(instanceID string, buffer int) (<-chan Event, Subscription) {
	ch := make(chan Event, buffer)
	done := make(chan struct{})
	var once sync.Once

	sub := b.Subscribe(instanceID, func(e Event) error {
		select {
		case ch <- e:
		case <-done:
		}
		return nil
	})
	return ch, Subscription{cancel: func() {
		once.Do(func() {
			close(done)
			sub.Cancel()
			close(ch)
		})
	}}
}

// Publish enqueues e for every matching subscriber and returns immediately.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*subscriber, 0, len(b.global)+len(b.instance[e.InstanceID]))
	for s := range b.instance[e.InstanceID] {
		targets = append(targets, s)
	}
	for s := range b.global {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.enqueue(e.Clone())
	}
}

// Close drains every queue, stops all subscribers and rejects later
// subscriptions and publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var subs []*subscriber
	for _, set := range b.instance {
		for s := range set {
			subs = append(subs, s)
		}
	}
	for s := range b.global {
		subs = append(subs, s)
	}
	b.instance = make(map[string]map[*subscriber]struct{})
	b.global = make(map[*subscriber]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.stop(true)
	}
}

type subscriber struct {
	name    string
	handler Handler
	logger  *zap.Logger

	mu      sync.Mutex
	queue   []Event
	stopped bool
	drain   bool
	wake    chan struct{}
	exited  chan struct{}
}

func (b *Bus) newSubscriber(name string, h Handler) *subscriber {
	s := &subscriber{
		name:    name,
		handler: h,
		logger:  b.logger,
		wake:    make(chan struct{}, 1),
		exited:  make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *subscriber) enqueue(e Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stop ends the delivery goroutine. With drain set, queued events are
// delivered first.
func (s *subscriber) stop(drain bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.exited
		return
	}
	s.stopped = true
	s.drain = drain
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.exited
}

func (s *subscriber) loop() {
	defer close(s.exited)
	for range s.wake {
		for {
			s.mu.Lock()
			if s.stopped && !s.drain {
				s.mu.Unlock()
				return
			}
			if len(s.queue) == 0 {
				stopped := s.stopped
				s.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			e := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.deliver(e)
		}
	}
}

func (s *subscriber) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event subscriber panicked",
				zap.String("subscriber", s.name),
				zap.String("event", string(e.Type)),
				zap.String("instance", e.InstanceID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := s.handler(e); err != nil {
		s.logger.Error("event subscriber failed",
			zap.String("subscriber", s.name),
			zap.String("event", string(e.Type)),
			zap.String("instance", e.InstanceID),
			zap.Error(err))
	}
}
