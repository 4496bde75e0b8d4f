package tracking

import (
	"sync"

	"github.com/example/bus-tracking/internal/observability"
)

// Group names a set of subscribers that receive the same events.
type Group string

func TripGroup(tripID string) Group     { return Group("trip:" + tripID) }
func ParentGroup(parentID string) Group { return Group("parent:" + parentID) }

const DefaultSubscriberBuffer = 64

// Subscriber receives events on a buffered channel. A subscriber that stops
// reading is removed the first time a publish cannot be delivered to it.
type Subscriber struct {
	ID string

	mu     sync.Mutex
	events chan Event
	closed bool
}

func (s *Subscriber) Events() <-chan Event { return s.events }

// Close marks the subscriber gone. The broker prunes it on its next publish.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *Subscriber) offer(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- e:
		return true
	default:
		return false
	}
}

type Broker struct {
	mu     sync.RWMutex
	groups map[Group]map[string]*Subscriber
	subs   map[string]*Subscriber
	member map[string]map[Group]struct{}
	buffer int
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broker{
		groups: make(map[Group]map[string]*Subscriber),
		subs:   make(map[string]*Subscriber),
		member: make(map[string]map[Group]struct{}),
		buffer: buffer,
	}
}

// Join adds subscriber id to g, creating the subscriber on first use.
func (b *Broker) Join(id string, g Group) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if ok && sub.isClosed() {
		b.removeLocked(id)
		ok = false
	}
	if !ok {
		sub = &Subscriber{ID: id, events: make(chan Event, b.buffer)}
		b.subs[id] = sub
		b.member[id] = make(map[Group]struct{})
		observability.Subscribers.Inc()
	}
	set := b.groups[g]
	if set == nil {
		set = make(map[string]*Subscriber)
		b.groups[g] = set
	}
	set[id] = sub
	b.member[id][g] = struct{}{}
	return sub
}

// Leave removes id from one group; the subscriber stays connected.
func (b *Broker) Leave(id string, g Group) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(id, g)
}

func (b *Broker) leaveLocked(id string, g Group) {
	if set := b.groups[g]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(b.groups, g)
		}
	}
	delete(b.member[id], g)
}

// Remove drops id from every group and closes its channel.
func (b *Broker) Remove(id string) {
	b.mu.Lock()
	sub := b.removeLocked(id)
	b.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (b *Broker) removeLocked(id string) *Subscriber {
	sub, ok := b.subs[id]
	if !ok {
		return nil
	}
	for g := range b.member[id] {
		b.leaveLocked(id, g)
	}
	delete(b.member, id)
	delete(b.subs, id)
	observability.Subscribers.Dec()
	return sub
}

// Publish delivers e to every member of g without blocking and returns how
// many received it. Members that are closed or full are pruned.
func (b *Broker) Publish(g Group, e Event) int {
	b.mu.RLock()
	targets := make([]*Subscriber, 0, len(b.groups[g]))
	for _, sub := range b.groups[g] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	typ := string(TypeOf(e))
	delivered := 0
	var failed []*Subscriber
	for _, sub := range targets {
		if sub.offer(e) {
			delivered++
			continue
		}
		failed = append(failed, sub)
	}
	if delivered > 0 {
		observability.EventsPublished.WithLabelValues(typ).Add(float64(delivered))
	}
	if len(failed) == 0 {
		return delivered
	}

	observability.EventsDropped.WithLabelValues(typ).Add(float64(len(failed)))
	b.mu.Lock()
	for _, sub := range failed {
		// a reconnect under the same id replaces the subscriber; keep that one
		if b.subs[sub.ID] == sub {
			b.removeLocked(sub.ID)
			observability.SubscribersPruned.Inc()
		}
	}
	b.mu.Unlock()
	for _, sub := range failed {
		sub.Close()
	}
	return delivered
}

// Members reports how many subscribers g has.
func (b *Broker) Members(g Group) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups[g])
}

// Connected reports whether id is still registered.
func (b *Broker) Connected(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[id]
	return ok
}

// CloseAll disconnects every subscriber.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for id := range b.subs {
		if sub := b.removeLocked(id); sub != nil {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (s *Subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
