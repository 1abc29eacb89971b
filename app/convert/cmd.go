package convert

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/BIwashi/cansim/pkg/cli"
	"github.com/BIwashi/cansim/pkg/matrix"
	"github.com/BIwashi/cansim/pkg/mcap"
	"github.com/BIwashi/cansim/pkg/pcapng"
)

const progressEvery = 10000

type converter struct {
	pcapngFile string
	mcapFile   string
}

// Summary counts what a conversion saw.
type Summary struct {
	Frames     int
	Decoded    int
	Skipped    int
	OutOfRange int
	PerID      map[uint32]int
}

func NewCommand() *cobra.Command {
	s := &converter{}

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert CAN data captured with pcapng to MCAP using the message definitions.",
		Long: `Convert PCAPNG files captured from CAN bus to MCAP format.

This command reads CAN frames from a PCAPNG file, decodes them through the
message definitions and writes one MCAP channel per message. Frames with an
unknown ID are kept on a raw channel.`,
		Example: `  # Convert PCAPNG to MCAP
  cansim convert --dbc-file body.dbc --pcapng-file capture.pcapng --mcap-file output.mcap`,
		RunE: cli.WithContext(s.run),
	}

	cmd.Flags().StringVar(&s.pcapngFile, "pcapng-file", s.pcapngFile, "PCAPNG file")
	cmd.Flags().StringVar(&s.mcapFile, "mcap-file", s.mcapFile, "MCAP file")

	_ = cmd.MarkFlagRequired("pcapng-file")
	_ = cmd.MarkFlagRequired("mcap-file")

	return cmd
}

func (s *converter) run(ctx context.Context, input cli.Input) error {
	path := input.Config.Matrix.Path
	if path == "" {
		return errors.New("no message definitions, set --dbc-file or matrix.path")
	}
	input.Logger.Info("Starting PCAPNG to MCAP conversion",
		"dbc_file", path,
		"pcapng_file", s.pcapngFile,
		"mcap_file", s.mcapFile,
	)

	input.Logger.Info("Loading message definitions...")
	mx, err := matrix.Load(path, input.Config.Matrix.Encoding, matrix.WithLogger(input.Logger))
	if err != nil {
		return errors.Wrap(err, "failed to load message definitions")
	}
	input.Logger.Info(fmt.Sprintf("Found %d messages in message definitions", mx.Len()))

	input.Logger.Info("Opening PCAPNG file...")
	pcapFile, err := os.Open(s.pcapngFile)
	if err != nil {
		return errors.Wrap(err, "failed to open PCAPNG file")
	}
	defer pcapFile.Close()

	input.Logger.Info("Creating MCAP file...")
	mcapOutFile, err := os.Create(s.mcapFile)
	if err != nil {
		return errors.Wrap(err, "failed to create MCAP file")
	}
	defer mcapOutFile.Close()

	startTime := time.Now()
	sum, err := Convert(ctx, pcapFile, mcapOutFile, mx, func(sum Summary) {
		input.Logger.Info(fmt.Sprintf("Progress: %d frames processed, %d messages decoded, %d skipped",
			sum.Frames, sum.Decoded, sum.Skipped))
	})
	if err != nil {
		return err
	}
	duration := time.Since(startTime)

	input.Logger.Info("Conversion completed successfully!",
		"total_frames", sum.Frames,
		"decoded_messages", sum.Decoded,
		"skipped_frames", sum.Skipped,
		"out_of_range_signals", sum.OutOfRange,
		"output_file", s.mcapFile,
		"duration", duration,
		"rate_fps", fmt.Sprintf("%.2f", float64(sum.Frames)/duration.Seconds()),
	)

	if len(sum.PerID) > 0 {
		input.Logger.Info(fmt.Sprintf("Found %d unique message types", len(sum.PerID)))
		for id, count := range sum.PerID {
			if msg, err := mx.Template(id); err == nil {
				input.Logger.Debug(fmt.Sprintf("  0x%03X (%s): %d messages", id, msg.Name, count))
			} else {
				input.Logger.Debug(fmt.Sprintf("  0x%03X: %d messages", id, count))
			}
		}
	}
	return nil
}

// Convert copies every frame of the capture in src into an MCAP recording on
// dst. progress, if not nil, is called every 10000 frames.
func Convert(ctx context.Context, src io.Reader, dst io.Writer, mx *matrix.Matrix, progress func(Summary)) (Summary, error) {
	sum := Summary{PerID: make(map[uint32]int)}

	reader, err := pcapng.NewReader(src)
	if err != nil {
		return sum, errors.Wrap(err, "failed to create PCAPNG reader")
	}
	rec, err := mcap.NewRecorder(dst, mx)
	if err != nil {
		return sum, errors.Wrap(err, "failed to create MCAP recorder")
	}

	for {
		if err := ctx.Err(); err != nil {
			_ = rec.Close()
			return sum, errors.Wrap(err, "conversion cancelled")
		}

		frame, err := reader.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = rec.Close()
			return sum, errors.Wrap(err, "failed to read frame")
		}
		sum.Frames++

		// out-of-range values are counted, never clamped
		if msg, ok := mx.Decode(frame); ok {
			sum.Decoded++
			sum.PerID[frame.ID]++
			for _, sig := range msg.Signals() {
				if sig.Check(true) != nil {
					sum.OutOfRange++
				}
			}
		} else {
			sum.Skipped++
		}

		if err := rec.WriteFrame(frame); err != nil {
			_ = rec.Close()
			return sum, errors.Wrap(err, "failed to write message")
		}

		if progress != nil && sum.Frames%progressEvery == 0 {
			progress(sum)
		}
	}

	if err := rec.Close(); err != nil {
		return sum, errors.Wrap(err, "failed to finalize MCAP file")
	}
	return sum, nil
}
