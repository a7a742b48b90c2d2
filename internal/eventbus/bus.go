// Package eventbus fans task and job events out to in-process observers such
// as the run recorder. Publishing never blocks: a full subscriber loses the
// event and the loss is counted.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the dispatcher, the scheduler and the task engine.
const (
	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"
	TaskNotFound = "task.not_found"

	JobArmed    = "job.armed"
	JobDisarmed = "job.disarmed"
	JobRejected = "job.rejected"
)

// Event carries a payload whose concrete type depends on Type.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

type memBus struct {
	mu   sync.RWMutex
	subs []*subscriber

	// dropped by subscribers that have since left.
	retired atomic.Uint64
}

// New returns an in-memory bus. It starts no goroutines.
func New() Bus { return &memBus{} }

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Unsubscribe closes under the write lock, so no send races a close.
	b.mu.RLock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
	b.mu.RUnlock()
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s.ch, sync.OnceFunc(func() { b.remove(s) })
}

func (b *memBus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := slices.Index(b.subs, s); i >= 0 {
		b.subs = slices.Delete(b.subs, i, i+1)
	}
	b.retired.Add(s.dropped.Load())
	close(s.ch)
}

func (b *memBus) dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := b.retired.Load()
	for _, s := range b.subs {
		n += s.dropped.Load()
	}
	return n
}

// Dropped reports deliveries lost to full subscribers since the bus was
// created. Buses other than New's report zero.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped()
	}
	return 0
}

// Nop discards everything. Its subscriptions are closed at once.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
