package service

import (
	"bytes"
	"context"
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/matrix"
)

// DefaultContinueTime is how long IsLostMessage watches the bus by default.
const DefaultContinueTime = 5 * time.Second

type lostOptions struct {
	continueTime time.Duration
	lostPeriod   int
	busTime      time.Duration
}

type LostOption func(*lostOptions)

// WithContinueTime sets how long the message is watched.
func WithContinueTime(d time.Duration) LostOption {
	return func(o *lostOptions) { o.continueTime = d }
}

// WithLostPeriod declares the message lost only when the last gap spans more
// than n cycles and n cycles worth of frames are missing.
func WithLostPeriod(n int) LostOption {
	return func(o *lostOptions) { o.lostPeriod = n }
}

// WithBusTime checks the bus for any traffic during d first. A silent bus
// means the message is lost.
func WithBusTime(d time.Duration) LostOption {
	return func(o *lostOptions) { o.busTime = d }
}

// IsBusLost clears the receive stack, waits window and reports whether
// nothing at all was received meanwhile.
func (s *Service) IsBusLost(ctx context.Context, window time.Duration) (bool, error) {
	s.bus.ClearStack()
	if err := sleep(ctx, window); err != nil {
		return false, err
	}
	n := len(s.bus.Stack())
	s.logger.Debug("bus check", "window", window, "received", n)
	return n == 0, nil
}

// IsLostMessage clears the receive stack, watches it for the continue time
// and reports whether id arrived less often than a cycle time of cycleTime
// asks for.
func (s *Service) IsLostMessage(ctx context.Context, id uint32, cycleTime time.Duration, opts ...LostOption) (bool, error) {
	o := lostOptions{continueTime: DefaultContinueTime}
	for _, opt := range opts {
		opt(&o)
	}
	if cycleTime <= 0 {
		return false, errors.Wrapf(matrix.ErrRange, "cycle time %s of %s must be positive", cycleTime, hexID(id))
	}
	if o.busTime > 0 {
		s.logger.Info("judge bus status", "bus_time", o.busTime)
		lost, err := s.IsBusLost(ctx, o.busTime)
		if err != nil || lost {
			return lost, err
		}
	}

	s.bus.ClearStack()
	if err := sleep(ctx, o.continueTime); err != nil {
		return false, err
	}
	return s.judgeLost(id, framesOf(s.bus.Stack(), id), cycleTime, o), nil
}

// judgeLost decides on the frames of one ID seen during o.continueTime.
func (s *Service) judgeLost(id uint32, frames []can.Frame, cycleTime time.Duration, o lostOptions) bool {
	cycleMS := ms(cycleTime)
	expected := ms(o.continueTime) / cycleMS
	n := float64(len(frames))

	if o.lostPeriod <= 0 {
		s.logger.Info("lost message check", "id", hexID(id), "expected", expected, "received", len(frames))
		return n < expected
	}
	if len(frames) < 2 {
		return true
	}
	gap := ms(frames[len(frames)-1].Timestamp.Sub(frames[len(frames)-2].Timestamp))
	judge := cycleMS * float64(o.lostPeriod)
	limit := expected - float64(o.lostPeriod)*1000/cycleMS
	s.logger.Info("lost message check", "id", hexID(id), "gap_ms", gap, "judge_ms", judge, "received", len(frames), "limit", limit)
	return gap > judge && n < limit
}

// IsMsgValueChanged reports whether the frames of id in stack carry more
// than one distinct payload.
func IsMsgValueChanged(stack []can.Frame, id uint32) bool {
	var seen [][]byte
	for _, f := range framesOf(stack, id) {
		p := f.Payload()
		if !slices.ContainsFunc(seen, func(b []byte) bool { return bytes.Equal(b, p) }) {
			seen = append(seen, p)
		}
	}
	return len(seen) > 1
}

// IsSignalValueChanged reports whether the frames of id in stack decode to
// more than one distinct raw value of signal.
func (s *Service) IsSignalValueChanged(stack []can.Frame, id uint32, signal string) (bool, error) {
	seen := map[uint64]struct{}{}
	for _, f := range framesOf(stack, id) {
		sig, err := s.decodeSignal(f, signal)
		if err != nil {
			return false, err
		}
		seen[sig.Value()] = struct{}{}
	}
	return len(seen) > 1, nil
}

type queryOptions struct {
	id    *uint32
	count int
	exact bool
}

type QueryOption func(*queryOptions)

// WithMessageID names the message to look the signal up in. Without it the
// first message defining the signal is used.
func WithMessageID(id uint32) QueryOption {
	return func(o *queryOptions) { o.id = &id }
}

// WithCount makes CheckSignalValue count matching frames in the stack: exactly
// n of them when exact is set, at least n otherwise.
func WithCount(n int, exact bool) QueryOption {
	return func(o *queryOptions) {
		o.count = n
		o.exact = exact
	}
}

func (s *Service) queryOptions(signal string, opts []QueryOption) (queryOptions, uint32, error) {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id != nil {
		return o, *o.id, nil
	}
	id, err := s.mx.MessageIDBySignal(signal)
	return o, id, err
}

// ReceiveSignalValues returns the distinct physical values of signal in the
// stack, in order of first appearance.
func (s *Service) ReceiveSignalValues(stack []can.Frame, signal string, opts ...QueryOption) ([]float64, error) {
	_, id, err := s.queryOptions(signal, opts)
	if err != nil {
		return nil, err
	}
	var out []float64
	for _, f := range framesOf(stack, id) {
		sig, err := s.decodeSignal(f, signal)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, sig.Physical()) {
			out = append(out, sig.Physical())
		}
	}
	return out, nil
}

// CheckSignalValue compares the physical value of signal with expected.
// Without WithCount the latest reception is compared; with it the matching
// frames in stack are counted.
func (s *Service) CheckSignalValue(stack []can.Frame, signal string, expected float64, opts ...QueryOption) (bool, error) {
	o, id, err := s.queryOptions(signal, opts)
	if err != nil {
		return false, err
	}
	if o.count <= 0 {
		actual, err := s.ReceiveSignalValue(id, signal)
		if err != nil {
			return false, err
		}
		s.logger.Info("check signal value", "signal", signal, "actual", actual, "expected", expected)
		return actual == expected, nil
	}

	matched := 0
	for _, f := range framesOf(stack, id) {
		sig, err := s.decodeSignal(f, signal)
		if err != nil {
			return false, err
		}
		if sig.Physical() == expected {
			matched++
		}
	}
	s.logger.Info("check signal count", "signal", signal, "expected_count", o.count, "actual_count", matched, "exact", o.exact)
	if o.exact {
		return matched == o.count, nil
	}
	return matched >= o.count, nil
}

func (s *Service) decodeSignal(f can.Frame, signal string) (*matrix.Signal, error) {
	msg, ok := s.mx.Decode(f)
	if !ok {
		return nil, errors.Wrapf(matrix.ErrUnknownMessage, "no message id [%s] found in messages", hexID(f.ID))
	}
	return msg.Signal(signal)
}

func framesOf(stack []can.Frame, id uint32) []can.Frame {
	var out []can.Frame
	for _, f := range stack {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
