package check

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/BIwashi/cansim/pkg/cli"
	"github.com/BIwashi/cansim/pkg/dbc"
	"github.com/BIwashi/cansim/pkg/matrix"
	"github.com/BIwashi/cansim/pkg/pcapng"
)

type checker struct {
	pcapngFile string
	limit      int
}

func NewCommand() *cobra.Command {
	s := &checker{limit: 20}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Cross-check the DBC parser and codec against can-go.",
		Long: `Parse the DBC file with both the built-in parser and can-go and compare the
message layouts. With --pcapng-file every captured frame is also decoded by
both codecs and the raw signal values are compared.`,
		Example: `  # Compare the parsers
  cansim check --dbc-file body.dbc

  # Compare the codecs on a capture
  cansim check --dbc-file body.dbc --pcapng-file capture.pcapng`,
		RunE: cli.WithContext(s.run),
	}

	cmd.Flags().StringVar(&s.pcapngFile, "pcapng-file", s.pcapngFile, "PCAPNG file to decode with both codecs")
	cmd.Flags().IntVar(&s.limit, "limit", s.limit, "mismatches printed, 0 for all")

	return cmd
}

func (s *checker) run(ctx context.Context, input cli.Input) error {
	path := input.Config.Matrix.Path
	if path == "" {
		return errors.New("no message definitions, set --dbc-file or matrix.path")
	}
	text, err := dbc.ReadFile(path, input.Config.Matrix.Encoding)
	if err != nil {
		return errors.Wrap(err, "failed to read DBC file")
	}

	mismatches, err := Parsers(path, text)
	if err != nil {
		return errors.Wrap(err, "failed to parse DBC file")
	}
	s.print(input, "parser", mismatches)
	total := len(mismatches)

	if s.pcapngFile != "" {
		n, err := s.checkCapture(ctx, input, text)
		if err != nil {
			return err
		}
		total += n
	}

	if total > 0 {
		return errors.Newf("%d mismatches found", total)
	}
	input.Logger.Info("No mismatches found", "dbc_file", path)
	return nil
}

func (s *checker) checkCapture(ctx context.Context, input cli.Input, text string) (int, error) {
	records, err := dbc.Parse(text)
	if err != nil {
		return 0, errors.Wrap(err, "failed to parse DBC file")
	}
	mx, err := matrix.New(records, matrix.WithLogger(input.Logger))
	if err != nil {
		return 0, errors.Wrap(err, "failed to build matrix")
	}
	cross := dbc.NewCrossDecoder(dbc.Compile(records))

	file, err := os.Open(s.pcapngFile)
	if err != nil {
		return 0, errors.Wrap(err, "failed to open PCAPNG file")
	}
	defer file.Close()
	reader, err := pcapng.NewReader(file)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create PCAPNG reader")
	}

	var (
		mismatches      []dbc.Mismatch
		frames, checked int
	)
	for {
		if err := ctx.Err(); err != nil {
			return 0, errors.Wrap(err, "check cancelled")
		}
		f, err := reader.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, errors.Wrap(err, "failed to read frame")
		}
		frames++
		out, ok := Frame(mx, cross, f)
		if ok {
			checked++
		}
		mismatches = append(mismatches, out...)
	}

	input.Logger.Info("Capture decoded", "frames", frames, "checked", checked, "mismatches", len(mismatches))
	s.print(input, "codec", mismatches)
	return len(mismatches), nil
}

func (s *checker) print(input cli.Input, stage string, mismatches []dbc.Mismatch) {
	for i, m := range mismatches {
		if s.limit > 0 && i >= s.limit {
			input.Logger.Warn(fmt.Sprintf("... %d more %s mismatches", len(mismatches)-i, stage))
			return
		}
		input.Logger.Warn("Mismatch", "stage", stage, "detail", m.String())
	}
}
