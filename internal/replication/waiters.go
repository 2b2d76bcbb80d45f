package replication

import (
	"context"
	"slices"
	"sync"
)

type waitResult[T any] struct {
	value T
	err   error
}

type readyWaiter[T any] struct {
	index LogIndex
	ch    chan waitResult[T]
	res   waitResult[T]
}

// participantLock is the single mutex of a participant together with everything that must
// be handed out only after the mutex is released: resolved waiters and emitted events.
type participantLock[T any] struct {
	mu      sync.Mutex
	waiting map[LogIndex][]chan waitResult[T]
	ready   []readyWaiter[T]
	outbox  []Event
	sink    EventSink
	// delivering is set while one goroutine drains ready, so batches go out in order
	delivering bool
}

func newParticipantLock[T any](sink EventSink) participantLock[T] {
	return participantLock[T]{waiting: make(map[LogIndex][]chan waitResult[T]), sink: sink}
}

func (p *participantLock[T]) lock() { p.mu.Lock() }

// unlock releases the mutex, then emits queued events and resolves ready waiters in
// ascending index order.
func (p *participantLock[T]) unlock() {
	events := p.outbox
	p.outbox = nil
	if p.delivering || len(p.ready) == 0 {
		p.mu.Unlock()
		p.emit(events)
		return
	}
	p.delivering = true
	for {
		batch := p.ready
		p.ready = nil
		if len(batch) == 0 {
			p.delivering = false
			p.mu.Unlock()
			p.emit(events)
			return
		}
		p.mu.Unlock()
		p.emit(events)
		events = nil
		for _, w := range batch {
			w.ch <- w.res
		}
		p.mu.Lock()
		events = p.outbox
		p.outbox = nil
	}
}

func (p *participantLock[T]) emit(events []Event) {
	for _, ev := range events {
		p.sink.Emit(ev)
	}
}

// publish queues an event. Must be called with the mutex held.
func (p *participantLock[T]) publish(ev Event) {
	p.outbox = append(p.outbox, ev)
}

// await registers a waiter for index. Must be called with the mutex held.
func (p *participantLock[T]) await(index LogIndex) chan waitResult[T] {
	ch := make(chan waitResult[T], 1)
	p.waiting[index] = append(p.waiting[index], ch)
	return ch
}

// releaseUpTo marks every waiter with index <= upTo as ready with value.
func (p *participantLock[T]) releaseUpTo(upTo LogIndex, value T) {
	p.release(func(idx LogIndex) bool { return idx <= upTo }, waitResult[T]{value: value})
}

// releaseAll fails every outstanding waiter with err.
func (p *participantLock[T]) releaseAll(err error) {
	p.release(func(LogIndex) bool { return true }, waitResult[T]{err: err})
}

func (p *participantLock[T]) release(match func(LogIndex) bool, res waitResult[T]) {
	var indexes []LogIndex
	for idx := range p.waiting {
		if match(idx) {
			indexes = append(indexes, idx)
		}
	}
	slices.Sort(indexes)
	for _, idx := range indexes {
		for _, ch := range p.waiting[idx] {
			p.ready = append(p.ready, readyWaiter[T]{index: idx, ch: ch, res: res})
		}
		delete(p.waiting, idx)
	}
}

// wait blocks on a waiter channel until it resolves or ctx is done.
func wait[T any](ctx context.Context, ch chan waitResult[T]) (T, error) {
	select {
	case res := <-ch:
		return res.value, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
