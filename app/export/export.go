package export

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/BIwashi/cansim/pkg/dbc"
)

// Format is an output encoding of the message definitions.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts json, yaml or yml.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", errors.Newf("unknown export format %q", s)
	}
}

// FormatOf infers the format from the extension of path, falling back to JSON.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// OutputFilename derives the default output file from the definitions file,
// body.dbc becomes body.json.
func OutputFilename(dbcFilename string, format Format) string {
	base := filepath.Base(dbcFilename)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return base + "." + string(format)
}

// Write encodes records to w.
func Write(w io.Writer, records []dbc.MessageRecord, format Format) error {
	switch format {
	case FormatYAML:
		return dbc.WriteYAML(w, records)
	case FormatJSON:
		return dbc.WriteJSON(w, records)
	default:
		return errors.Newf("unknown export format %q", format)
	}
}

// ExportFile loads the definitions at src and writes them to dst.
func ExportFile(src, encoding, dst string, format Format, logger *slog.Logger) (int, error) {
	records, err := dbc.LoadRecords(src, encoding)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load message definitions")
	}

	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, errors.Wrap(err, "failed to create output directory")
		}
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create output file")
	}
	if err := Write(out, records, format); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, errors.Wrap(err, "failed to close output file")
	}

	logger.Info("Exported message definitions", "output_path", dst, "format", format, "messages", len(records))
	return len(records), nil
}
