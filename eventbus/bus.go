// Package eventbus delivers typed events from publishers to subscribers.
// Publishing never calls into a subscriber: events are handed to a dispatch
// goroutine and buffered per subscription, so a publisher may hold its own
// locks while publishing.
package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

// subscriptionBuffer is the size of the channel buffer of a subscription's
// queue. Events beyond it are held in the queue's overflow list.
const subscriptionBuffer = 20

// ErrBusShuttingDown is returned when the bus is in the process of shutting
// down.
var ErrBusShuttingDown = errors.New("event bus shutting down")

// Subscription receives the events of the types it subscribed to.
type Subscription struct {
	// cancel removes the subscription from the bus.
	cancel func()

	filter  map[EventType]struct{}
	updates *queue.ConcurrentQueue
	quit    chan struct{}
}

// Updates returns the channel the events are delivered on. Every value is an
// Event.
func (s *Subscription) Updates() <-chan interface{} {
	return s.updates.ChanOut()
}

// Quit is closed once the bus stops delivering to this subscription.
func (s *Subscription) Quit() <-chan struct{} {
	return s.quit
}

// Cancel ends the subscription. It is the token handed out by Subscribe and
// may be called more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// wants reports whether the subscription receives events of type t. An empty
// filter matches every type.
func (s *Subscription) wants(t EventType) bool {
	if len(s.filter) == 0 {
		return true
	}

	_, ok := s.filter[t]

	return ok
}

// Bus dispatches published events to the matching subscriptions.
type Bus struct {
	subCounter atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool

	subs       map[uint64]*Subscription
	subUpdates chan *subUpdate

	events chan Event

	quit chan struct{}
	wg   sync.WaitGroup
}

// subUpdate registers or cancels a subscription.
type subUpdate struct {
	// cancel selects cancellation of the subscription with the given id,
	// otherwise sub is registered.
	cancel bool

	id  uint64
	sub *Subscription
}

// New returns a bus. Start must be called before events are published.
func New() *Bus {
	return &Bus{
		subs:       make(map[uint64]*Subscription),
		subUpdates: make(chan *subUpdate),
		events:     make(chan Event),
		quit:       make(chan struct{}),
	}
}

// Start launches the dispatcher.
func (b *Bus) Start() error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}

	b.wg.Add(1)
	go b.dispatcher()

	log.Debugf("Event bus started")

	return nil
}

// Stop stops the dispatcher and closes the quit channel of every
// subscription.
func (b *Bus) Stop() error {
	if !b.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(b.quit)
	b.wg.Wait()

	log.Debugf("Event bus stopped")

	return nil
}

// Subscribe registers a subscription for the given event types, or for every
// type if none is given.
func (b *Bus) Subscribe(types ...EventType) (*Subscription, error) {
	id := b.subCounter.Add(1)

	filter := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		filter[t] = struct{}{}
	}

	sub := &Subscription{
		filter:  filter,
		updates: queue.NewConcurrentQueue(subscriptionBuffer),
		quit:    make(chan struct{}),
		cancel: func() {
			select {
			case b.subUpdates <- &subUpdate{cancel: true, id: id}:
			case <-b.quit:
			}
		},
	}

	select {
	case b.subUpdates <- &subUpdate{id: id, sub: sub}:
	case <-b.quit:
		return nil, ErrBusShuttingDown
	}

	return sub, nil
}

// Publish hands an event to the dispatcher. It returns once the event is
// queued for every matching subscription, without waiting for any of them to
// read it.
func (b *Bus) Publish(event Event) error {
	select {
	case b.events <- event:
		return nil
	case <-b.quit:
		return ErrBusShuttingDown
	}
}

// dispatcher registers subscriptions and forwards events to them.
//
// NOTE: MUST be run as a goroutine.
func (b *Bus) dispatcher() {
	defer b.wg.Done()

	for {
		select {
		case update := <-b.subUpdates:
			if update.cancel {
				sub, ok := b.subs[update.id]
				if ok {
					sub.updates.Stop()
					close(sub.quit)
					delete(b.subs, update.id)
				}

				continue
			}

			update.sub.updates.Start()
			b.subs[update.id] = update.sub

		case event := <-b.events:
			log.Tracef("Dispatching %v", event.Type())

			for _, sub := range b.subs {
				if !sub.wants(event.Type()) {
					continue
				}

				select {
				case sub.updates.ChanIn() <- event:
				case <-sub.quit:
				case <-b.quit:
					return
				}
			}

		case <-b.quit:
			for _, sub := range b.subs {
				sub.updates.Stop()
				close(sub.quit)
			}

			return
		}
	}
}
