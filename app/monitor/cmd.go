package monitor

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BIwashi/cansim/app/internal/session"
	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/cli"
	"github.com/BIwashi/cansim/pkg/mcap"
	"github.com/BIwashi/cansim/pkg/monitor"
	"github.com/BIwashi/cansim/pkg/pcapng"
)

type watcher struct {
	listen     string
	mcapFile   string
	pcapngFile string
	quiet      bool
}

func NewCommand() *cobra.Command {
	s := &watcher{}

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Decode and log the traffic on the bus.",
		Long: `Log every received frame decoded through the message definitions, serve
it to WebSocket clients on /ws, and optionally record it to MCAP and PCAPNG.`,
		Example: `  # Watch can0 and record a capture
  cansim monitor --dbc-file body.dbc --device socketcan --pcapng-file capture.pcapng

  # Serve the decoded traffic of a capture to a browser
  cansim monitor --dbc-file body.dbc --device replay --listen :8080`,
		RunE: cli.WithContext(s.run),
	}

	cmd.Flags().StringVar(&s.listen, "listen", s.listen, "WebSocket listen address, overrides monitor.listen; \"-\" disables it")
	cmd.Flags().StringVar(&s.mcapFile, "mcap-file", s.mcapFile, "record decoded frames to this MCAP file")
	cmd.Flags().StringVar(&s.pcapngFile, "pcapng-file", s.pcapngFile, "record raw frames to this PCAPNG file")
	cmd.Flags().BoolVar(&s.quiet, "quiet", s.quiet, "do not log each frame")

	return cmd
}

func (s *watcher) run(ctx context.Context, input cli.Input) error {
	listen := input.Config.Monitor.Listen
	if s.listen != "" {
		listen = s.listen
	}

	sess, err := session.Open(ctx, input)
	if err != nil {
		return err
	}
	defer sess.Close()

	var frames atomic.Int64
	sinks := []func(can.Frame){func(can.Frame) { frames.Add(1) }}

	if !s.quiet {
		sinks = append(sinks, func(f can.Frame) {
			msg, ok := sess.Matrix.Decode(f)
			if !ok {
				input.Logger.Info("RX", "id", fmt.Sprintf("0x%03X", f.ID), "data", f.String())
				return
			}
			args := []any{"id", fmt.Sprintf("0x%03X", f.ID), "name", msg.Name}
			for _, sig := range msg.Signals() {
				args = append(args, sig.Name, sig.Physical())
			}
			input.Logger.Info("RX", args...)
		})
	}

	if s.mcapFile != "" {
		out, err := os.Create(s.mcapFile)
		if err != nil {
			return errors.Wrap(err, "failed to create MCAP file")
		}
		defer out.Close()
		rec, err := mcap.NewRecorder(out, sess.Matrix)
		if err != nil {
			return errors.Wrap(err, "failed to create MCAP recorder")
		}
		defer func() {
			if err := rec.Close(); err != nil {
				input.Logger.Error("failed to finalize MCAP file", "error", err)
			}
			input.Logger.Info("MCAP recorded", "file", s.mcapFile, "frames", rec.Count())
		}()
		sinks = append(sinks, func(f can.Frame) {
			if err := rec.WriteFrame(f); err != nil {
				input.Logger.Warn("failed to record frame", "error", err)
			}
		})
	}

	if s.pcapngFile != "" {
		out, err := os.Create(s.pcapngFile)
		if err != nil {
			return errors.Wrap(err, "failed to create PCAPNG file")
		}
		defer out.Close()
		w, err := pcapng.NewWriter(out)
		if err != nil {
			return errors.Wrap(err, "failed to create PCAPNG writer")
		}
		defer func() {
			if err := w.Flush(); err != nil {
				input.Logger.Error("failed to flush PCAPNG file", "error", err)
			}
			input.Logger.Info("PCAPNG recorded", "file", s.pcapngFile, "frames", w.Count())
		}()
		sinks = append(sinks, func(f can.Frame) {
			if err := w.WriteFrame(f); err != nil {
				input.Logger.Warn("failed to capture frame", "error", err)
			}
		})
	}

	g, ctx := errgroup.WithContext(ctx)
	if listen != "" && listen != "-" {
		hub := monitor.NewHub(sess.Matrix, input.Logger)
		sinks = append(sinks, hub.Publish)
		g.Go(func() error { return hub.Serve(ctx, listen) })
	}

	remove := sess.Bus.OnReceive(func(f can.Frame) {
		for _, sink := range sinks {
			sink(f)
		}
	})

	input.Logger.Info("Monitoring bus, interrupt to stop", "device", sess.Bus.Device().Kind(), "listen", listen)
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	err = g.Wait()
	remove()
	// the receive task is gone once the bus is closed, so no sink runs while
	// the recorders finalize
	if cerr := sess.Close(); cerr != nil {
		input.Logger.Error("failed to close bus", "error", cerr)
	}
	input.Logger.Info("Monitor stopped", "frames", frames.Load())
	return err
}
