package service

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/BIwashi/cansim/pkg/matrix"
)

// Filter selects the messages that are not sent. Network management and
// diagnostic messages are left out unless kept explicitly.
type Filter struct {
	// Senders are node names, compared case-insensitively.
	Senders  []string
	KeepNM   bool
	KeepDiag bool
}

func (f Filter) excludes(msg *matrix.Message) bool {
	for _, s := range f.Senders {
		if strings.EqualFold(s, msg.Sender) {
			return true
		}
	}
	if !f.KeepNM && msg.NMMessage {
		return true
	}
	if !f.KeepDiag && (msg.DiagRequest || msg.DiagResponse || msg.DiagState) {
		return true
	}
	return false
}

func (s *Service) filter(f Filter) []*matrix.Message {
	var out []*matrix.Message
	for _, msg := range s.mx.Messages() {
		if !f.excludes(msg) {
			out = append(out, msg)
		}
	}
	return out
}

// RandomOptions configures SendRandom.
type RandomOptions struct {
	Filter Filter
	// Rounds is the number of rounds to send. Zero sends until the context
	// is done.
	Rounds int
	// Interval is the pause after each round.
	Interval time.Duration
	// Defaults pins raw signal values per message ID instead of drawing them.
	Defaults map[uint32]map[string]uint64
}

// SendRandom gives every signal of the selected messages a random raw value
// and sends them, round after round.
func (s *Service) SendRandom(ctx context.Context, opts RandomOptions) error {
	msgs := s.filter(opts.Filter)
	s.logger.Info("send random", "messages", len(msgs), "rounds", opts.Rounds, "interval", opts.Interval)
	for round := 1; opts.Rounds <= 0 || round <= opts.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.logger.Debug("set random value", "round", round)
		if err := s.sendRandomRound(msgs, opts.Defaults); err != nil {
			return err
		}
		if opts.Interval > 0 {
			if err := sleep(ctx, opts.Interval); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) sendRandomRound(msgs []*matrix.Message, defaults map[uint32]map[string]uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		pinned := defaults[msg.ID]
		for _, sig := range msg.Signals() {
			raw, ok := pinned[sig.Name]
			if !ok {
				raw = s.randomRaw(sig.MaxRaw())
			}
			if err := sig.SetValue(raw); err != nil {
				return errors.Wrapf(err, "message %s", msg.Name)
			}
		}
		if err := s.transmit(msg, false); err != nil {
			return errors.Wrapf(err, "send %s", msg.Name)
		}
	}
	return nil
}

// randomRaw draws uniformly from [0, limit].
func (s *Service) randomRaw(limit uint64) uint64 {
	if limit == math.MaxUint64 {
		return s.rand.Uint64()
	}
	return s.rand.Uint64N(limit + 1)
}
