package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, CANSIM_BUS_DEVICE=virtual.
const EnvPrefix = "CANSIM"

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Matrix    MatrixConfig    `mapstructure:"matrix"`
	Bus       BusConfig       `mapstructure:"bus"`
	SocketCAN SocketCANConfig `mapstructure:"socketcan"`
	SLCAN     SLCANConfig     `mapstructure:"slcan"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MatrixConfig struct {
	Path     string `mapstructure:"path"`
	Encoding string `mapstructure:"encoding"`
}

type BusConfig struct {
	Device       string        `mapstructure:"device"`
	BaudRate     int           `mapstructure:"baud_rate"`
	DataRate     int           `mapstructure:"data_rate"`
	Channel      int           `mapstructure:"channel"`
	CANFD        bool          `mapstructure:"can_fd"`
	MaxWorkers   int           `mapstructure:"max_workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MinCycleTime time.Duration `mapstructure:"min_cycle_time"`
	ProbeOrder   []string      `mapstructure:"probe_order"`
}

type SocketCANConfig struct {
	Interface string `mapstructure:"interface"`
}

type SLCANConfig struct {
	Port     string `mapstructure:"port"`
	BaudRate int    `mapstructure:"baud_rate"`
}

type ReplayConfig struct {
	Path     string `mapstructure:"path"`
	Realtime bool   `mapstructure:"realtime"`
}

type MonitorConfig struct {
	Listen string `mapstructure:"listen"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Matrix: MatrixConfig{
			Encoding: "gbk",
		},
		Bus: BusConfig{
			Device:       "auto",
			BaudRate:     500,
			DataRate:     2000,
			Channel:      1,
			MaxWorkers:   300,
			PollInterval: time.Millisecond,
			MinCycleTime: 10 * time.Millisecond,
			ProbeOrder:   []string{"socketcan", "slcan", "virtual"},
		},
		SocketCAN: SocketCANConfig{Interface: "can0"},
		SLCAN:     SLCANConfig{BaudRate: 115200},
		Replay:    ReplayConfig{Realtime: true},
		Monitor:   MonitorConfig{Listen: ":8080"},
	}
}

var devices = map[string]bool{
	"auto": true, "virtual": true, "socketcan": true, "slcan": true, "replay": true,
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Newf("log.format %q must be text or json", c.Log.Format)
	}
	if !devices[c.Bus.Device] {
		return errors.Newf("bus.device %q is not one of auto, virtual, socketcan, slcan, replay", c.Bus.Device)
	}
	for _, kind := range c.Bus.ProbeOrder {
		if kind == "auto" || !devices[kind] {
			return errors.Newf("bus.probe_order entry %q is not a device kind", kind)
		}
	}
	if c.Bus.MaxWorkers < 1 {
		return errors.Newf("bus.max_workers %d must be positive", c.Bus.MaxWorkers)
	}
	if c.Bus.PollInterval <= 0 {
		return errors.Newf("bus.poll_interval %s must be positive", c.Bus.PollInterval)
	}
	if c.Bus.MinCycleTime <= 0 {
		return errors.Newf("bus.min_cycle_time %s must be positive", c.Bus.MinCycleTime)
	}
	if c.Bus.Device == "replay" && c.Replay.Path == "" {
		return errors.New("replay.path is required for the replay device")
	}
	if c.Bus.Device == "slcan" && c.SLCAN.Port == "" {
		return errors.New("slcan.port is required for the slcan device")
	}
	return nil
}

// ParseLevel maps a log.level setting onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, errors.Wrapf(err, "log.level %q", s)
	}
	return level, nil
}

// setDefaults registers every key so that environment variables are seen by
// Unmarshal even when no config file mentions them.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("matrix.path", d.Matrix.Path)
	v.SetDefault("matrix.encoding", d.Matrix.Encoding)
	v.SetDefault("bus.device", d.Bus.Device)
	v.SetDefault("bus.baud_rate", d.Bus.BaudRate)
	v.SetDefault("bus.data_rate", d.Bus.DataRate)
	v.SetDefault("bus.channel", d.Bus.Channel)
	v.SetDefault("bus.can_fd", d.Bus.CANFD)
	v.SetDefault("bus.max_workers", d.Bus.MaxWorkers)
	v.SetDefault("bus.poll_interval", d.Bus.PollInterval)
	v.SetDefault("bus.min_cycle_time", d.Bus.MinCycleTime)
	v.SetDefault("bus.probe_order", d.Bus.ProbeOrder)
	v.SetDefault("socketcan.interface", d.SocketCAN.Interface)
	v.SetDefault("slcan.port", d.SLCAN.Port)
	v.SetDefault("slcan.baud_rate", d.SLCAN.BaudRate)
	v.SetDefault("replay.path", d.Replay.Path)
	v.SetDefault("replay.realtime", d.Replay.Realtime)
	v.SetDefault("monitor.listen", d.Monitor.Listen)
}

// Loader reads the configuration from a file, the environment and flags, in
// increasing order of precedence.
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// BindFlag makes a command line flag override key when the flag is set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return errors.Newf("no flag to bind to %s", key)
	}
	if err := l.v.BindPFlag(key, flag); err != nil {
		return errors.Wrapf(err, "bind flag %s", flag.Name)
	}
	return nil
}

// Load reads path, when given, and returns the validated configuration.
func (l *Loader) Load(path string) (Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "reading config file %s", path)
		}
	}
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load is NewLoader().Load(path).
func Load(path string) (Config, error) {
	return NewLoader().Load(path)
}
