package bus

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/device"
)

func (b *Bus) runReceive(ctx context.Context) {
	defer b.recvWG.Done()

	failures := failureLog{logger: b.logger}
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		frames, err := b.dev.Receive()
		switch {
		case err == nil:
			failures.ok()
			b.store(frames)
		case errors.Is(err, device.ErrEmpty):
		default:
			failures.report("receive failed", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) store(frames []can.Frame) {
	b.rxMu.Lock()
	for _, f := range frames {
		b.latest[f.ID] = f
		b.stack = append(b.stack, f)
	}
	hooks := make([]Hook, 0, len(b.hooks))
	for _, h := range b.hooks {
		hooks = append(hooks, h)
	}
	b.rxMu.Unlock()

	for _, f := range frames {
		b.logger.Debug("RX", "frame", f.String())
		for _, h := range hooks {
			h(f)
		}
	}
}

// OnReceive registers h for every frame received from now on. The returned
// function removes it.
func (b *Bus) OnReceive(h Hook) (remove func()) {
	b.rxMu.Lock()
	defer b.rxMu.Unlock()
	b.hookID++
	id := b.hookID
	b.hooks[id] = h
	return func() {
		b.rxMu.Lock()
		defer b.rxMu.Unlock()
		delete(b.hooks, id)
	}
}

// Receive returns the latest frame received with id.
func (b *Bus) Receive(id uint32) (can.Frame, error) {
	if !b.IsOpen() {
		return can.Frame{}, ErrNotOpen
	}
	b.rxMu.RLock()
	defer b.rxMu.RUnlock()
	f, ok := b.latest[id]
	if !ok {
		return can.Frame{}, errors.Wrapf(ErrNotReceived, "%s", hexID(id))
	}
	return f, nil
}

// Stack returns a copy of every frame received since the last ClearStack,
// in arrival order.
func (b *Bus) Stack() []can.Frame {
	b.rxMu.RLock()
	defer b.rxMu.RUnlock()
	return append([]can.Frame(nil), b.stack...)
}

func (b *Bus) ClearStack() {
	b.rxMu.Lock()
	defer b.rxMu.Unlock()
	b.stack = nil
}
