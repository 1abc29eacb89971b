package export

import (
	"context"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/BIwashi/cansim/pkg/cli"
)

type exporter struct {
	out       string
	format    string
	outputDir string
}

func NewCommand() *cobra.Command {
	s := &exporter{
		outputDir: ".",
	}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the message definitions of a DBC file as JSON or YAML.",
		Long: `Parse the message definitions and write them as JSON or YAML records.
The exported file can be given back to --dbc-file.`,
		Example: `  # Write body.json next to the current directory
  cansim export --dbc-file body.dbc

  # Write YAML, decoding the DBC file as GBK
  cansim export --dbc-file body.dbc --encoding gbk --out defs/body.yaml`,
		RunE: cli.WithContext(s.run),
	}

	cmd.Flags().StringVar(&s.out, "out", s.out, "output file (optional, derived from the DBC file name if not specified)")
	cmd.Flags().StringVar(&s.format, "format", s.format, "output format: json or yaml (default inferred from --out)")
	cmd.Flags().StringVar(&s.outputDir, "output-dir", s.outputDir, "output directory when --out is not set")

	return cmd
}

func (s *exporter) run(_ context.Context, input cli.Input) error {
	src := input.Config.Matrix.Path
	if src == "" {
		return errors.New("no message definitions, set --dbc-file or matrix.path")
	}

	format := FormatOf(s.out)
	if s.format != "" {
		f, err := ParseFormat(s.format)
		if err != nil {
			return err
		}
		format = f
	}

	dst := s.out
	if dst == "" {
		dst = filepath.Join(s.outputDir, OutputFilename(src, format))
	}

	input.Logger.Info("Exporting message definitions",
		"dbc_file", src,
		"encoding", input.Config.Matrix.Encoding,
		"output_path", dst,
	)
	if _, err := ExportFile(src, input.Config.Matrix.Encoding, dst, format, input.Logger); err != nil {
		return errors.Wrap(err, "failed to export message definitions")
	}
	return nil
}
