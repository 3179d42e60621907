// Package broadcast fans committed task changes out to per-owner
// subscriber sets. It is in-memory, single-process state with process
// lifetime: the store remains the source of truth, the broadcaster only
// accelerates convergence.
package broadcast

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskgate/internal/task"
)

// defaultBufferSize bounds each subscriber's delivery queue. A slow
// subscriber misses events rather than delaying the emitter.
const defaultBufferSize = 100

type EventType string

const (
	EventTaskCreated EventType = "task:created"
	EventTaskUpdated EventType = "task:updated"
	EventTaskDeleted EventType = "task:deleted"
)

// Event is a committed change notification. Task is set for creates and
// updates; deletes carry only TaskID. StatusFrom/StatusTo are set when
// the change included a status transition.
type Event struct {
	Type       EventType   `json:"type"`
	Task       *task.Task  `json:"task,omitempty"`
	TaskID     string      `json:"taskId,omitempty"`
	OwnerID    string      `json:"ownerId"`
	StatusFrom task.Status `json:"statusFrom,omitempty"`
	StatusTo   task.Status `json:"statusTo,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Handler consumes events for one subscriber. Returning an error marks
// the subscriber's connection as closed; it is then dropped lazily on the
// next emission rather than proactively.
type Handler func(Event) error

type subscriber struct {
	ch   chan Event
	dead atomic.Bool
}

// Broadcaster delivers events to the subscriber set registered for the
// event's owner at the moment of emission. There is no buffering or
// replay: subscribers added afterwards receive nothing for that event.
// Delivery to a single subscriber is FIFO; order across subscribers is
// unspecified.
type Broadcaster struct {
	mu     sync.RWMutex
	owners map[string]map[int]*subscriber
	nextID int
	logger *slog.Logger
}

func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		owners: make(map[string]map[int]*subscriber),
		logger: logger,
	}
}

// Subscribe registers fn for events scoped to ownerID and returns a
// cancel function. Multiple subscriptions per owner are supported.
func (b *Broadcaster) Subscribe(ownerID string, fn Handler) (cancel func()) {
	sub := &subscriber{ch: make(chan Event, defaultBufferSize)}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	set, ok := b.owners[ownerID]
	if !ok {
		set = make(map[int]*subscriber)
		b.owners[ownerID] = set
	}
	set[id] = sub
	b.mu.Unlock()

	go b.deliver(ownerID, id, sub, fn)

	return func() { b.remove(ownerID, id) }
}

// SubscribeChan is a channel-shaped convenience over Subscribe for
// consumers that drive their own select loop (the SSE handler does).
// The channel is closed when the subscription ends.
func (b *Broadcaster) SubscribeChan(ownerID string) (<-chan Event, func()) {
	out := make(chan Event, defaultBufferSize)
	var once sync.Once
	cancel := b.Subscribe(ownerID, func(ev Event) error {
		select {
		case out <- ev:
			return nil
		default:
			// Consumer stopped draining; treat as a closed connection.
			return fmt.Errorf("subscriber channel full")
		}
	})
	stop := func() {
		cancel()
		once.Do(func() { close(out) })
	}
	return out, stop
}

// Emit delivers ev to the current subscriber set for ev.OwnerID. It never
// blocks the caller: each subscriber has a bounded queue and events are
// dropped, not queued unboundedly, when it is full. Subscribers whose
// previous delivery failed are removed here, lazily.
func (b *Broadcaster) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var deadIDs []int
	b.mu.RLock()
	for id, sub := range b.owners[ev.OwnerID] {
		if sub.dead.Load() {
			deadIDs = append(deadIDs, id)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("broadcast: dropping event for slow subscriber",
				"owner_id", ev.OwnerID, "type", ev.Type)
		}
	}
	b.mu.RUnlock()

	for _, id := range deadIDs {
		b.remove(ev.OwnerID, id)
	}
}

// SubscriberCount returns the number of live subscriptions for ownerID.
func (b *Broadcaster) SubscriberCount(ownerID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.owners[ownerID])
}

// TotalSubscribers returns the number of live subscriptions across all
// owners.
func (b *Broadcaster) TotalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.owners {
		n += len(set)
	}
	return n
}

// deliver drains one subscriber's queue in emission order. A handler
// panic is isolated and logged; a handler error marks the subscriber
// dead so Emit can drop it.
func (b *Broadcaster) deliver(ownerID string, id int, sub *subscriber, fn Handler) {
	for ev := range sub.ch {
		if sub.dead.Load() {
			continue
		}
		if err := b.invoke(fn, ev); err != nil {
			sub.dead.Store(true)
			b.logger.Warn("broadcast: subscriber delivery failed",
				"owner_id", ownerID, "subscriber_id", id, "error", err)
		}
	}
}

func (b *Broadcaster) invoke(fn Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("broadcast: subscriber handler panicked",
				"owner_id", ev.OwnerID, "type", ev.Type, "panic", r)
		}
	}()
	return fn(ev)
}

// remove drops one subscription and closes its queue. Safe to call more
// than once; Emit holds the read lock while sending, so the close cannot
// race a send.
func (b *Broadcaster) remove(ownerID string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.owners[ownerID]
	if !ok {
		return
	}
	sub, ok := set[id]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(b.owners, ownerID)
	}
	close(sub.ch)
}
