package device

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/config"
)

func init() {
	Register(KindVirtual, true, func(_ config.Config, logger *slog.Logger) (Device, error) {
		return NewVirtual(logger, WithLoopback()), nil
	})
}

// Response is a frame the virtual device injects when it transmits a
// matching frame.
type Response struct {
	TriggerID uint32
	// TriggerData, when set, must prefix the transmitted payload.
	TriggerData []byte
	Frame       can.Frame
	Delay       time.Duration
}

func (r Response) matches(f can.Frame) bool {
	return r.TriggerID == f.ID && bytes.HasPrefix(f.Payload(), r.TriggerData)
}

// Virtual is an in-memory device. It records what is transmitted and hands
// out whatever was injected.
type Virtual struct {
	mu        sync.Mutex
	logger    *slog.Logger
	open      bool
	opts      Options
	loopback  bool
	rx        []can.Frame
	sent      []can.Frame
	responses []Response
	hook      func(can.Frame)
	txErr     error
	now       func() time.Time
}

type VirtualOption func(*Virtual)

// WithLoopback echoes every transmitted frame into the receive queue.
func WithLoopback() VirtualOption {
	return func(v *Virtual) { v.loopback = true }
}

// WithClock replaces time.Now for frame timestamps.
func WithClock(now func() time.Time) VirtualOption {
	return func(v *Virtual) { v.now = now }
}

func NewVirtual(logger *slog.Logger, opts ...VirtualOption) *Virtual {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	v := &Virtual{logger: logger, now: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v
}

func (v *Virtual) Open(_ context.Context, opts Options) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.open = true
	v.opts = opts
	v.logger.Info("virtual CAN device opened", "baud_rate", opts.BaudRate, "channel", opts.Channel, "can_fd", opts.CANFD)
	return nil
}

func (v *Virtual) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.open {
		return nil
	}
	v.open = false
	v.rx = nil
	v.logger.Info("virtual CAN device closed")
	return nil
}

func (v *Virtual) IsOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open
}

func (v *Virtual) Kind() Kind { return KindVirtual }

func (v *Virtual) Transmit(f can.Frame) error {
	v.mu.Lock()
	if !v.open {
		v.mu.Unlock()
		return ErrNotOpen
	}
	if v.txErr != nil {
		err := v.txErr
		v.mu.Unlock()
		return errors.Wrapf(err, "transmit 0x%03X", f.ID)
	}
	if f.IsFD && !v.opts.CANFD {
		v.mu.Unlock()
		return errors.Wrapf(ErrUnsupported, "CAN-FD frame 0x%03X on a classic channel", f.ID)
	}
	f.Timestamp = v.now()
	v.sent = append(v.sent, f)
	if v.loopback {
		v.rx = append(v.rx, f)
	}
	hook := v.hook
	var due []Response
	for _, r := range v.responses {
		if r.matches(f) {
			due = append(due, r)
		}
	}
	v.mu.Unlock()

	v.logger.Debug("TX", "frame", f.String())
	if hook != nil {
		hook(f)
	}
	for _, r := range due {
		if r.Delay <= 0 {
			v.Inject(r.Frame)
			continue
		}
		time.AfterFunc(r.Delay, func() { v.Inject(r.Frame) })
	}
	return nil
}

func (v *Virtual) Receive() ([]can.Frame, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.open {
		return nil, ErrNotOpen
	}
	if len(v.rx) == 0 {
		return nil, ErrEmpty
	}
	out := v.rx
	v.rx = nil
	return out, nil
}

// Inject queues frames for Receive. Zero timestamps are set to now. Frames
// injected while the device is closed are dropped.
func (v *Virtual) Inject(frames ...can.Frame) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.open {
		return
	}
	for _, f := range frames {
		if f.Timestamp.IsZero() {
			f.Timestamp = v.now()
		}
		v.rx = append(v.rx, f)
	}
}

// Sent returns a copy of the transmit log.
func (v *Virtual) Sent() []can.Frame {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]can.Frame(nil), v.sent...)
}

// SentByID returns the transmitted frames with the given ID.
func (v *Virtual) SentByID(id uint32) []can.Frame {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []can.Frame
	for _, f := range v.sent {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

func (v *Virtual) ResetSent() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sent = nil
}

func (v *Virtual) AddResponse(r Response) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.responses = append(v.responses, r)
}

// OnTransmit installs a hook called after each successful transmit.
func (v *Virtual) OnTransmit(hook func(can.Frame)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hook = hook
}

// FailTransmit makes every transmit fail with err until it is called with nil.
func (v *Virtual) FailTransmit(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.txErr = err
}
