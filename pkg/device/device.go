package device

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/config"
)

var (
	ErrNotOpen     = errors.New("device is not open")
	ErrEmpty       = errors.New("no frame received")
	ErrNoDevice    = errors.New("no CAN device found")
	ErrUnsupported = errors.New("not supported")
)

// BaudRate is a bus speed in kbit/s.
type BaudRate int

const (
	BaudRateHigh BaudRate = 500
	BaudRateLow  BaudRate = 125
	BaudRateData BaudRate = 2000
)

func BaudRateFromValue(v int) (BaudRate, error) {
	switch b := BaudRate(v); b {
	case BaudRateHigh, BaudRateLow, BaudRateData:
		return b, nil
	}
	return 0, errors.Wrapf(ErrUnsupported, "%d can not be found in baud rates", v)
}

// Options are handed to Open.
type Options struct {
	BaudRate BaudRate
	// DataRate only applies to CAN-FD.
	DataRate BaudRate
	Channel  int
	CANFD    bool
}

func DefaultOptions() Options {
	return Options{BaudRate: BaudRateHigh, DataRate: BaudRateData, Channel: 1}
}

// OptionsFromConfig validates the bus rates of cfg.
func OptionsFromConfig(cfg config.BusConfig) (Options, error) {
	baud, err := BaudRateFromValue(cfg.BaudRate)
	if err != nil {
		return Options{}, errors.Wrap(err, "bus.baud_rate")
	}
	data, err := BaudRateFromValue(cfg.DataRate)
	if err != nil {
		return Options{}, errors.Wrap(err, "bus.data_rate")
	}
	return Options{BaudRate: baud, DataRate: data, Channel: cfg.Channel, CANFD: cfg.CANFD}, nil
}

// Device is a CAN interface the bus drives. Receive never blocks: it returns
// what arrived since the previous call, or ErrEmpty. Frames carry the time the
// device saw them.
type Device interface {
	Open(ctx context.Context, opts Options) error
	Close() error
	Transmit(f can.Frame) error
	Receive() ([]can.Frame, error)
	IsOpen() bool
	Kind() Kind
}

type Kind string

const (
	KindVirtual   Kind = "virtual"
	KindSocketCAN Kind = "socketcan"
	KindSLCAN     Kind = "slcan"
	KindReplay    Kind = "replay"
)

// Constructor builds an unopened device from the configuration.
type Constructor func(cfg config.Config, logger *slog.Logger) (Device, error)

type kindInfo struct {
	fd  bool
	new Constructor
}

var (
	registryMu sync.RWMutex
	registry   = map[Kind]kindInfo{}
)

// Register makes a device kind available to New and Probe.
func Register(kind Kind, fd bool, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[kind]; ok {
		panic("device: kind registered twice: " + string(kind))
	}
	registry[kind] = kindInfo{fd: fd, new: c}
}

// Kinds lists the registered kinds.
func Kinds() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	registryMu.RLock()
	_, ok := registry[k]
	registryMu.RUnlock()
	if !ok {
		return "", errors.Wrapf(ErrUnsupported, "%s can not be found in device kinds", s)
	}
	return k, nil
}

// SupportsFD reports whether the kind can carry CAN-FD frames.
func (k Kind) SupportsFD() bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[k].fd
}

func New(kind Kind, cfg config.Config, logger *slog.Logger) (Device, error) {
	registryMu.RLock()
	info, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnsupported, "device kind %s", kind)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return info.new(cfg, logger.With("device", string(kind)))
}

// Probe opens and closes each kind in order and returns the first that works.
// Kinds without CAN-FD support are skipped when opts asks for it.
func Probe(ctx context.Context, kinds []Kind, opts Options, cfg config.Config, logger *slog.Logger) (Kind, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for _, kind := range kinds {
		if opts.CANFD && !kind.SupportsFD() {
			logger.Debug("skip device without CAN-FD", "kind", kind)
			continue
		}
		dev, err := New(kind, cfg, logger)
		if err != nil {
			logger.Debug("device unavailable", "kind", kind, "error", err)
			continue
		}
		if err := dev.Open(ctx, opts); err != nil {
			logger.Debug("device failed to open", "kind", kind, "error", err)
			continue
		}
		if err := dev.Close(); err != nil {
			logger.Warn("device failed to close after probe", "kind", kind, "error", err)
		}
		logger.Info("found CAN device", "kind", kind)
		return kind, nil
	}
	return "", errors.Wrapf(ErrNoDevice, "tried %v", kinds)
}

// Open resolves cfg.Bus.Device, probing when it is auto, and returns an open
// device.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (Device, error) {
	opts, err := OptionsFromConfig(cfg.Bus)
	if err != nil {
		return nil, err
	}
	var kind Kind
	if cfg.Bus.Device == "auto" {
		kinds := make([]Kind, 0, len(cfg.Bus.ProbeOrder))
		for _, name := range cfg.Bus.ProbeOrder {
			k, err := ParseKind(name)
			if err != nil {
				return nil, err
			}
			kinds = append(kinds, k)
		}
		if kind, err = Probe(ctx, kinds, opts, cfg, logger); err != nil {
			return nil, err
		}
	} else if kind, err = ParseKind(cfg.Bus.Device); err != nil {
		return nil, err
	}
	dev, err := New(kind, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := dev.Open(ctx, opts); err != nil {
		return nil, errors.Wrapf(err, "open %s device", kind)
	}
	return dev, nil
}

// drain takes everything buffered in rx without blocking.
func drain(rx <-chan can.Frame) ([]can.Frame, error) {
	var out []can.Frame
	for {
		select {
		case f, ok := <-rx:
			if !ok {
				return finish(out)
			}
			out = append(out, f)
		default:
			return finish(out)
		}
	}
}

func finish(out []can.Frame) ([]can.Frame, error) {
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}
