package send

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/BIwashi/cansim/app/internal/session"
	"github.com/BIwashi/cansim/pkg/cli"
	"github.com/BIwashi/cansim/pkg/service"
)

type sender struct {
	id           string
	name         string
	signals      []string
	raw          string
	all          bool
	defaults     bool
	random       int
	interval     time.Duration
	filterSender []string
	duration     time.Duration
}

func NewCommand() *cobra.Command {
	s := &sender{
		interval: 100 * time.Millisecond,
	}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send messages from the definitions onto the bus.",
		Long: `Send one message by ID or name, every message, the default values of
every message, or random signal values.

Cyclic messages keep running until --duration has passed or the command is
interrupted.`,
		Example: `  # Send TestMsg with Speed at 50 km/h for ten seconds
  cansim send --dbc-file body.dbc --device virtual --name TestMsg --signal Speed=50 --duration 10s

  # Send every message except the ones the head unit sends
  cansim send --dbc-file body.dbc --all --filter-sender HU

  # Fuzz for 20 rounds
  cansim send --dbc-file body.dbc --random 20 --interval 50ms`,
		RunE: cli.WithContext(s.run),
	}

	cmd.Flags().StringVar(&s.id, "id", s.id, "message ID, decimal or 0x hex")
	cmd.Flags().StringVar(&s.name, "name", s.name, "message name")
	cmd.Flags().StringArrayVar(&s.signals, "signal", s.signals, "signal physical value, name=value (repeatable)")
	cmd.Flags().StringVar(&s.raw, "raw", s.raw, "whole payload as hex, sent instead of the signals")
	cmd.Flags().BoolVar(&s.all, "all", s.all, "send every message")
	cmd.Flags().BoolVar(&s.defaults, "default", s.defaults, "restore and send the default value of every message")
	cmd.Flags().IntVar(&s.random, "random", s.random, "rounds of random signal values, negative for endless")
	cmd.Flags().DurationVar(&s.interval, "interval", s.interval, "pause between random rounds")
	cmd.Flags().StringSliceVar(&s.filterSender, "filter-sender", s.filterSender, "nodes whose messages are not sent")
	cmd.Flags().DurationVar(&s.duration, "duration", s.duration, "keep cyclic messages running this long, 0 until interrupted")
	cmd.MarkFlagsMutuallyExclusive("id", "name")
	cmd.MarkFlagsMutuallyExclusive("all", "default", "random", "id")
	cmd.MarkFlagsMutuallyExclusive("all", "default", "random", "name")

	return cmd
}

func (s *sender) run(ctx context.Context, input cli.Input) error {
	sess, err := session.Open(ctx, input)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			input.Logger.Error("failed to close bus", "error", err)
		}
	}()
	svc := sess.Service

	switch {
	case s.random != 0:
		opts := service.RandomOptions{
			Filter:   service.Filter{Senders: s.filterSender},
			Rounds:   max(s.random, 0),
			Interval: s.interval,
		}
		if err := svc.SendRandom(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
			return errors.Wrap(err, "failed to send random values")
		}
	case s.defaults:
		if err := svc.SendDefaultMessages(s.filterSender...); err != nil {
			return errors.Wrap(err, "failed to send default messages")
		}
	case s.all:
		if err := svc.SendMessages(s.filterSender...); err != nil {
			return errors.Wrap(err, "failed to send messages")
		}
	case s.id != "" || s.name != "":
		if err := s.sendOne(svc); err != nil {
			return err
		}
	default:
		return errors.New("nothing to send, set --id, --name, --all, --default or --random")
	}

	if err := sess.Bus.WaitEvents(ctx); err != nil {
		return nil
	}
	if len(sess.Bus.Sending()) == 0 {
		return nil
	}
	input.Logger.Info("Cyclic messages running", "ids", len(sess.Bus.Sending()), "duration", s.duration)
	if s.duration > 0 {
		timer := time.NewTimer(s.duration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		return nil
	}
	<-ctx.Done()
	return nil
}

func (s *sender) sendOne(svc *service.Service) error {
	ident := service.ByName(s.name)
	if s.id != "" {
		id, err := ParseID(s.id)
		if err != nil {
			return err
		}
		ident = service.ByID(id)
	}

	if s.raw != "" {
		if s.name != "" {
			msg, err := svc.Matrix().MessageByName(s.name)
			if err != nil {
				return err
			}
			ident.ID = msg.ID
		}
		data, err := hex.DecodeString(strings.ReplaceAll(s.raw, " ", ""))
		if err != nil {
			return errors.Wrapf(err, "invalid --raw %q", s.raw)
		}
		return svc.SendRaw(ident.ID, data)
	}

	if len(s.signals) > 0 {
		values, err := ParseSignals(s.signals)
		if err != nil {
			return err
		}
		return svc.SendSignals(ident, values)
	}
	return svc.Send(ident)
}

// ParseID accepts decimal or 0x prefixed hex.
func ParseID(s string) (uint32, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid message id %q", s)
	}
	return uint32(id), nil
}

// ParseSignals turns name=value pairs into physical values.
func ParseSignals(pairs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errors.Newf("invalid --signal %q, want name=value", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid value of signal %s", name)
		}
		out[strings.TrimSpace(name)] = v
	}
	return out, nil
}
