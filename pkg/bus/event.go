package bus

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/matrix"
)

type eventItem struct {
	frame    can.Frame
	interval time.Duration
	// done is set on the last copy of a burst and closed once it is sent or
	// dropped.
	done chan struct{}
}

// eventQueue holds the pending bursts of one ID. At most one task drains it.
type eventQueue struct {
	items   []eventItem
	running bool
}

// event queues max(CycleTimeFastTimes, 1) copies of f spaced by
// CycleTimeFast. The returned channel is closed when the last copy has been
// handled.
func (b *Bus) event(msg *matrix.Message, f can.Frame) (<-chan struct{}, error) {
	times := max(msg.CycleTimeFastTimes, 1)
	interval := time.Duration(msg.CycleTimeFast) * time.Millisecond
	done := make(chan struct{})

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil, ErrNotOpen
	}
	q, ok := b.events[msg.ID]
	if !ok {
		q = &eventQueue{}
		b.events[msg.ID] = q
	}
	for i := range times {
		item := eventItem{frame: f, interval: interval}
		if i == times-1 {
			item.done = done
		}
		q.items = append(q.items, item)
	}
	if !q.running {
		q.running = true
		if b.draining == 0 {
			b.idle = make(chan struct{})
		}
		b.draining++
		b.eventWG.Add(1)
		go b.runEvents(b.txCtx, b.sem, msg.ID, q)
	}
	return done, nil
}

func (b *Bus) next(q *eventQueue) (eventItem, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(q.items) == 0 {
		b.drained(q)
		return eventItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// dropAll releases the waiters of everything still queued.
func (b *Bus) dropAll(q *eventQueue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, item := range q.items {
		if item.done != nil {
			close(item.done)
		}
	}
	q.items = nil
	b.drained(q)
}

// drained marks q as no longer draining. b.mu must be held.
func (b *Bus) drained(q *eventQueue) {
	if !q.running {
		return
	}
	q.running = false
	b.draining--
	if b.draining == 0 {
		close(b.idle)
	}
}

func (b *Bus) runEvents(ctx context.Context, sem *semaphore.Weighted, id uint32, q *eventQueue) {
	defer b.eventWG.Done()
	if err := sem.Acquire(ctx, 1); err != nil {
		b.dropAll(q)
		return
	}
	defer sem.Release(1)

	failures := failureLog{logger: b.logger}
	for {
		if ctx.Err() != nil {
			b.dropAll(q)
			return
		}
		item, ok := b.next(q)
		if !ok {
			return
		}
		if err := b.dev.Transmit(item.frame); err != nil {
			failures.report("event transmit failed", err, "id", hexID(id))
		} else {
			failures.ok()
			b.logger.Debug("****** Transmit [Event] ******", "id", hexID(id), "data", item.frame.String(), "cycle_time_fast", item.interval)
		}
		if item.done != nil {
			close(item.done)
		}
		if item.interval > 0 {
			timer := time.NewTimer(item.interval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
	}
}

// WaitEvents blocks until every queued event burst has been sent.
func (b *Bus) WaitEvents(ctx context.Context) error {
	b.mu.Lock()
	idle := b.idle
	b.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
