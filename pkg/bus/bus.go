package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/config"
	"github.com/BIwashi/cansim/pkg/device"
	"github.com/BIwashi/cansim/pkg/matrix"
)

var (
	ErrNotOpen     = errors.New("please call Open first")
	ErrNotReceived = errors.New("not receive")
	ErrNotSending  = errors.New("message is not contain")
)

type Config struct {
	Device device.Options
	// MaxWorkers bounds the cyclic and event tasks running at once. The receive
	// task runs outside the bound.
	// Tasks over the limit wait for a free slot.
	MaxWorkers   int
	PollInterval time.Duration
	// MinCycleTime replaces a cycle time that is not positive.
	MinCycleTime time.Duration
}

func DefaultConfig() Config {
	return Config{
		Device:       device.DefaultOptions(),
		MaxWorkers:   300,
		PollInterval: time.Millisecond,
		MinCycleTime: 10 * time.Millisecond,
	}
}

// ConfigFrom builds the bus configuration from the bus section of the
// application config.
func ConfigFrom(cfg config.BusConfig) (Config, error) {
	opts, err := device.OptionsFromConfig(cfg)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Device:       opts,
		MaxWorkers:   cfg.MaxWorkers,
		PollInterval: cfg.PollInterval,
		MinCycleTime: cfg.MinCycleTime,
	}, nil
}

// Hook is called by the receive task for every received frame.
type Hook func(can.Frame)

type Option func(*Bus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Bus schedules cyclic and event transmissions on a device and keeps what
// the device receives.
type Bus struct {
	dev    device.Device
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	open     bool
	sem      *semaphore.Weighted
	txCtx    context.Context
	txCancel context.CancelFunc
	rxCancel context.CancelFunc
	sends    map[uint32]*cyclic
	events   map[uint32]*eventQueue
	// idle is closed while no event queue is draining
	idle     chan struct{}
	draining int
	ceLocks  map[uint32]*sync.Mutex
	sendWG   sync.WaitGroup
	eventWG  sync.WaitGroup
	recvWG   sync.WaitGroup

	rxMu   sync.RWMutex
	latest map[uint32]can.Frame
	stack  []can.Frame
	hooks  map[int]Hook
	hookID int
}

func New(dev device.Device, cfg Config, opts ...Option) *Bus {
	d := DefaultConfig()
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = d.MaxWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.MinCycleTime <= 0 {
		cfg.MinCycleTime = d.MinCycleTime
	}
	idle := make(chan struct{})
	close(idle)
	b := &Bus{
		idle:    idle,
		dev:     dev,
		cfg:     cfg,
		logger:  slog.New(slog.DiscardHandler),
		sends:   map[uint32]*cyclic{},
		events:  map[uint32]*eventQueue{},
		ceLocks: map[uint32]*sync.Mutex{},
		latest:  map[uint32]can.Frame{},
		hooks:   map[int]Hook{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Device returns the device the bus drives.
func (b *Bus) Device() device.Device {
	return b.dev
}

func (b *Bus) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Open opens the device unless it already is, and starts the receive task.
func (b *Bus) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return nil
	}
	if !b.dev.IsOpen() {
		if err := b.dev.Open(ctx, b.cfg.Device); err != nil {
			return errors.Wrapf(err, "open %s device", b.dev.Kind())
		}
	}
	b.sem = semaphore.NewWeighted(int64(b.cfg.MaxWorkers))
	b.txCtx, b.txCancel = context.WithCancel(context.Background())
	rxCtx, rxCancel := context.WithCancel(context.Background())
	b.rxCancel = rxCancel
	b.open = true

	b.recvWG.Add(1)
	go b.runReceive(rxCtx)
	b.logger.Info("bus opened", "device", b.dev.Kind(), "max_workers", b.cfg.MaxWorkers)
	return nil
}

// Close stops every transmit task, then the receive task, waits for the
// event bursts, forgets the cyclic messages and closes the device.
func (b *Bus) Close() error {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return nil
	}
	b.open = false
	txCancel, rxCancel := b.txCancel, b.rxCancel
	b.mu.Unlock()

	txCancel()
	b.logger.Debug("wait transmit tasks")
	b.sendWG.Wait()
	rxCancel()
	b.logger.Debug("wait receive task")
	b.recvWG.Wait()
	b.logger.Debug("wait event tasks")
	b.eventWG.Wait()

	b.mu.Lock()
	clear(b.sends)
	clear(b.events)
	b.mu.Unlock()

	b.logger.Info("bus closed")
	return errors.Wrapf(b.dev.Close(), "close %s device", b.dev.Kind())
}

// Transmit schedules msg according to its send type. A cycle time makes any
// message cyclic; a Cycle and Event message is cyclic with a burst on every
// call after the first.
func (b *Bus) Transmit(msg *matrix.Message) error {
	f, err := msg.Frame()
	if err != nil {
		return err
	}
	b.logger.Debug("message send type", "id", hexID(msg.ID), "send_type", msg.SendType)
	switch {
	case msg.SendType == matrix.SendCycle || msg.CycleTime > 0:
		return b.cycle(msg, f)
	case msg.SendType == matrix.SendEvent:
		_, err := b.event(msg, f)
		return err
	default:
		return b.cycle(msg, f)
	}
}

// TransmitOne sends msg once, now, and reports the device error.
func (b *Bus) TransmitOne(msg *matrix.Message) error {
	f, err := msg.Frame()
	if err != nil {
		return err
	}
	return b.TransmitFrame(f)
}

// TransmitFrame sends f once, now, and reports the device error.
func (b *Bus) TransmitFrame(f can.Frame) error {
	if !b.IsOpen() {
		return ErrNotOpen
	}
	if err := b.dev.Transmit(f); err != nil {
		return errors.Wrapf(err, "transmit 0x%03X", f.ID)
	}
	return nil
}

// StopTransmit stops the cyclic task of id and waits for it to exit.
func (b *Bus) StopTransmit(id uint32) error {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return ErrNotOpen
	}
	e, ok := b.sends[id]
	b.mu.Unlock()
	if !ok {
		b.logger.Error("Please check message id", "id", hexID(id))
		return errors.Wrapf(ErrNotSending, "message <%s>", hexID(id))
	}
	b.logger.Info("message is stop to send", "id", hexID(id))
	e.halt()
	return nil
}

// StopAll stops every cyclic task.
func (b *Bus) StopAll() error {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return ErrNotOpen
	}
	entries := make([]*cyclic, 0, len(b.sends))
	for _, e := range b.sends {
		entries = append(entries, e)
	}
	b.mu.Unlock()
	for _, e := range entries {
		b.logger.Info("message is stop to send", "id", hexID(e.id))
		e.halt()
	}
	return nil
}

// ResumeTransmit restarts the cyclic task of a stopped id with its last
// payload. A running id is left alone.
func (b *Bus) ResumeTransmit(id uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return ErrNotOpen
	}
	e, ok := b.sends[id]
	if !ok {
		b.logger.Error("Please check message id", "id", hexID(id))
		return errors.Wrapf(ErrNotSending, "message <%s>", hexID(id))
	}
	if e.stopped.Load() {
		b.logger.Info("message is resume to send", "id", hexID(id))
		b.startCyclic(e.id, e.period, e.snapshot())
	}
	return nil
}

// ResumeAll restarts every stopped cyclic task.
func (b *Bus) ResumeAll() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return ErrNotOpen
	}
	for _, id := range sortedKeys(b.sends) {
		if e := b.sends[id]; e.stopped.Load() {
			b.logger.Info("message is resume to send", "id", hexID(id))
			b.startCyclic(e.id, e.period, e.snapshot())
		}
	}
	return nil
}

// Sending lists the IDs with a running cyclic task.
func (b *Bus) Sending() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []uint32
	for _, id := range sortedKeys(b.sends) {
		if !b.sends[id].stopped.Load() {
			out = append(out, id)
		}
	}
	return out
}

// Payload returns the payload the cyclic task of id sends.
func (b *Bus) Payload(id uint32) ([]byte, bool) {
	b.mu.Lock()
	e, ok := b.sends[id]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	f := e.snapshot()
	return append([]byte(nil), f.Payload()...), true
}

func hexID(id uint32) string {
	return fmt.Sprintf("0x%03X", id)
}

func sortedKeys[V any](m map[uint32]V) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// failureLog logs the first of a run of identical loop errors at Warn and
// the repeats at Debug.
type failureLog struct {
	logger *slog.Logger
	last   atomic.Value
}

func (l *failureLog) report(msg string, err error, args ...any) {
	args = append(args, "error", err)
	text := err.Error()
	if prev, _ := l.last.Load().(string); prev == text {
		l.logger.Debug(msg, args...)
		return
	}
	l.last.Store(text)
	l.logger.Warn(msg, args...)
}

func (l *failureLog) ok() {
	l.last.Store("")
}
