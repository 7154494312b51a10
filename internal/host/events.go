package host

import (
	"slices"
	"sync"
)

// EventKind is a host lifecycle event.
type EventKind int

const (
	SceneReady EventKind = iota
	TokenCreated
	TokenUpdated
	TokenDeleted
)

func (k EventKind) String() string {
	switch k {
	case SceneReady:
		return "scene_ready"
	case TokenCreated:
		return "token_created"
	case TokenUpdated:
		return "token_updated"
	case TokenDeleted:
		return "token_deleted"
	default:
		return "unknown"
	}
}

// Event is published by host stores after a change is committed.
type Event struct {
	Kind    EventKind
	Scene   Scene
	Token   Token
	Changes []string
}

// Changed reports whether any of fields is among the event's changes.
func (e Event) Changed(fields ...string) bool {
	for _, f := range fields {
		if slices.Contains(e.Changes, f) {
			return true
		}
	}
	return false
}

type subscription struct {
	id int
	fn func(Event)
}

// Bus delivers host events to subscribers synchronously, in subscription order.
type Bus struct {
	mu   sync.Mutex
	subs []subscription
	next int
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next
	b.subs = append(b.subs, subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
	}
}

// Publish delivers e to every subscriber. A nil Bus drops the event.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := slices.Clone(b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(e)
	}
}
