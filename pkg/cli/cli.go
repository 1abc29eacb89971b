package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/BIwashi/cansim/pkg/config"
)

// Input is handed to every command run function.
type Input struct {
	Logger *slog.Logger
	Config config.Config
}

type CLI struct {
	root *cobra.Command
}

// persistent flags and the config keys they override
var flagKeys = map[string]string{
	"log-level":  "log.level",
	"log-format": "log.format",
	"dbc-file":   "matrix.path",
	"encoding":   "matrix.encoding",
	"device":     "bus.device",
}

func NewCLI(name, desc string) *CLI {
	root := &cobra.Command{
		Use:           name,
		Short:         desc,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	d := config.Default()
	root.PersistentFlags().String("config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().String("log-level", d.Log.Level, "log level: debug, info, warn or error")
	root.PersistentFlags().String("log-format", d.Log.Format, "log format: text or json")
	root.PersistentFlags().String("dbc-file", d.Matrix.Path, "message definitions (.dbc, .json or .yaml)")
	root.PersistentFlags().String("encoding", d.Matrix.Encoding, "DBC file encoding")
	root.PersistentFlags().String("device", d.Bus.Device, "CAN device: auto, virtual, socketcan, slcan or replay")
	return &CLI{root: root}
}

func (c *CLI) AddCommands(cmds ...*cobra.Command) {
	c.root.AddCommand(cmds...)
}

func (c *CLI) Run() error {
	return c.root.Execute()
}

// Root exposes the root command, mostly for tests.
func (c *CLI) Root() *cobra.Command {
	return c.root
}

// WithContext adapts fn into a cobra RunE. The configuration is loaded from
// the --config file, CANSIM_* variables and the persistent flags, and the
// context is cancelled on SIGINT or SIGTERM.
func WithContext(fn func(ctx context.Context, input Input) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := NewLogger(cmd.ErrOrStderr(), cfg.Log)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return fn(ctx, Input{Logger: logger, Config: cfg})
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	loader := config.NewLoader()
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := loader.BindFlag(key, f); err != nil {
				return config.Config{}, err
			}
		}
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		path = ""
	}
	cfg, err := loader.Load(path)
	if err != nil {
		return config.Config{}, errors.Wrap(err, "failed to load config")
	}
	return cfg, nil
}

// NewLogger builds the root logger described by cfg.
func NewLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, errors.Newf("unknown log format %q", cfg.Format)
	}
}
