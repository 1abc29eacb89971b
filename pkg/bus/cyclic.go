package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/matrix"
)

// cyclic is the periodic sender of one ID. The payload is swapped under mu
// and the task snapshots it on every tick.
type cyclic struct {
	id     uint32
	period time.Duration

	mu    sync.Mutex
	frame can.Frame

	stopped atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func (e *cyclic) snapshot() can.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frame
}

func (e *cyclic) swap(f can.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frame = f
}

// halt stops the task and waits until it has exited.
func (e *cyclic) halt() {
	e.stopped.Store(true)
	e.cancel()
	<-e.done
}

func (b *Bus) period(msg *matrix.Message) time.Duration {
	if msg.CycleTime <= 0 {
		b.logger.Debug("cycle time clamped", "id", hexID(msg.ID), "cycle_time_ms", msg.CycleTime, "min", b.cfg.MinCycleTime)
		return b.cfg.MinCycleTime
	}
	return time.Duration(msg.CycleTime) * time.Millisecond
}

func (b *Bus) cycle(msg *matrix.Message, f can.Frame) error {
	if msg.SendType == matrix.SendCycleEvent {
		lock := b.ceLock(msg.ID)
		lock.Lock()
		defer lock.Unlock()
	}

	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return ErrNotOpen
	}
	e, ok := b.sends[msg.ID]
	if !ok || e.stopped.Load() {
		b.startCyclic(msg.ID, b.period(msg), f)
		b.mu.Unlock()
		msg.StopFlag = false
		b.logger.Info("****** Transmit [Cycle] ******", "id", hexID(msg.ID), "data", f.String(), "cycle_time_ms", msg.CycleTime)
		return nil
	}
	b.mu.Unlock()

	if msg.SendType != matrix.SendCycleEvent {
		e.swap(f)
		return nil
	}

	// one sender per ID: the cyclic task is gone before the burst starts and
	// comes back with the new payload after it
	if err := b.StopTransmit(msg.ID); err != nil {
		return err
	}
	e.swap(f)
	done, err := b.event(msg, f)
	if err != nil {
		return err
	}
	<-done
	return b.ResumeTransmit(msg.ID)
}

func (b *Bus) ceLock(id uint32) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.ceLocks[id]
	if !ok {
		l = &sync.Mutex{}
		b.ceLocks[id] = l
	}
	return l
}

// startCyclic replaces the entry of id with a fresh task. Callers hold b.mu.
func (b *Bus) startCyclic(id uint32, period time.Duration, f can.Frame) {
	ctx, cancel := context.WithCancel(b.txCtx)
	e := &cyclic{
		id:     id,
		period: period,
		frame:  f,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if old, ok := b.sends[id]; ok {
		// a stopped task only needs to notice its context
		old.cancel()
	}
	b.sends[id] = e
	b.sendWG.Add(1)
	go b.runCyclic(ctx, b.sem, e)
}

func (b *Bus) runCyclic(ctx context.Context, sem *semaphore.Weighted, e *cyclic) {
	defer b.sendWG.Done()
	defer close(e.done)
	defer e.cancel()
	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer sem.Release(1)

	failures := failureLog{logger: b.logger}
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()
	for b.dev.IsOpen() && !e.stopped.Load() && ctx.Err() == nil {
		f := e.snapshot()
		b.logger.Debug("send msg", "id", hexID(e.id), "cycle_time", e.period)
		if err := b.dev.Transmit(f); err != nil {
			failures.report("cyclic transmit failed", err, "id", hexID(e.id))
		} else {
			failures.ok()
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
