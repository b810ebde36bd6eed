package storage

import "sync"

// Broker fans change events out to subscribers. Handlers run on their own
// goroutine so a slow subscriber never blocks the writer.
type Broker struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]subscriber
	forward func(Change)
}

type subscriber struct {
	collection string
	userID     string
	fn         func(Change)
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[uint64]subscriber)}
}

// Subscribe registers fn for changes to collection. An empty userID matches
// every user. The returned func removes the subscription and is safe to call
// more than once.
func (b *Broker) Subscribe(collection, userID string, fn func(Change)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = subscriber{collection: collection, userID: userID, fn: fn}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// SetForwarder installs a hook that receives every locally published change.
// Used by the realtime relay.
func (b *Broker) SetForwarder(fn func(Change)) {
	b.mu.Lock()
	b.forward = fn
	b.mu.Unlock()
}

// Publish delivers c to local subscribers and to the forwarder, if any.
// Neither runs on the caller's goroutine.
func (b *Broker) Publish(c Change) {
	b.mu.RLock()
	fwd := b.forward
	b.mu.RUnlock()

	b.Deliver(c)
	if fwd != nil {
		go fwd(c)
	}
}

// Deliver delivers c to local subscribers only.
func (b *Broker) Deliver(c Change) {
	b.mu.RLock()
	var matched []func(Change)
	for _, s := range b.subs {
		if s.collection != c.Collection {
			continue
		}
		if s.userID != "" && s.userID != c.UserID {
			continue
		}
		matched = append(matched, s.fn)
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		go fn(c)
	}
}

// Len returns the number of active subscriptions.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
