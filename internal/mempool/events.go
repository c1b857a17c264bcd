package mempool

import (
	"sync"
	"time"

	"github.com/klingonchain/coreutxo/pkg/types"
)

// EventType identifies what happened to a mempool transaction.
type EventType int

const (
	EventAdded EventType = iota
	EventRemoved
)

// RemovalReason explains why a transaction left the mempool.
type RemovalReason int

const (
	ReasonRemoved RemovalReason = iota
	ReasonConfirmed
	ReasonEvicted
	ReasonReplaced
	ReasonExpired
)

// Event describes a single pool membership change, delivered to subscribers
// via Pool.Subscribe.
type Event struct {
	Type   EventType
	TxHash types.Hash
	Reason RemovalReason // Only meaningful when Type == EventRemoved.
}

// broadcaster fans out pool events to any number of subscribers. Each
// subscriber gets its own buffered channel; a slow subscriber is dropped
// (its channel closed) rather than blocking the rest of the pool, since a
// mempool update must never stall on a stuck listener.
type broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

func (b *broadcaster) subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, buf)
	b.subs[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber isn't keeping up; drop it instead of blocking.
			delete(b.subs, id)
			close(ch)
		}
	}
}

func nowUnix() int64 {
	return time.Now().Unix()
}
