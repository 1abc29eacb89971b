package device

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/config"
	"github.com/BIwashi/cansim/pkg/pcapng"
)

func init() {
	Register(KindReplay, true, func(cfg config.Config, logger *slog.Logger) (Device, error) {
		if cfg.Replay.Path == "" {
			return nil, errors.New("replay.path is not set")
		}
		return NewReplay(cfg.Replay.Path, cfg.Replay.Realtime, logger), nil
	})
}

const replayBuffer = 4096

// Replay plays a pcapng capture back as received traffic. Frame timestamps
// keep the spacing of the capture, shifted to the time Open was called. In
// realtime mode frames are also delivered with that spacing. Transmitted
// frames are dropped.
type Replay struct {
	path     string
	realtime bool
	logger   *slog.Logger

	mu     sync.Mutex
	file   *os.File
	rx     chan can.Frame
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReplay(path string, realtime bool, logger *slog.Logger) *Replay {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Replay{path: path, realtime: realtime, logger: logger}
}

func (r *Replay) Open(_ context.Context, opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return nil
	}
	f, err := os.Open(r.path)
	if err != nil {
		return errors.Wrap(err, "failed to open PCAPNG file")
	}
	reader, err := pcapng.NewReader(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.file = f
	r.rx = make(chan can.Frame, replayBuffer)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.play(ctx, reader, opts.CANFD, r.rx, r.done)
	r.logger.Info("replay opened", "path", r.path, "realtime", r.realtime)
	return nil
}

func (r *Replay) play(ctx context.Context, reader *pcapng.Reader, fd bool, rx chan<- can.Frame, done chan<- struct{}) {
	defer close(done)
	start := time.Now()
	var first time.Time
	count := 0
	for {
		f, err := reader.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Warn("replay stopped", "error", err)
			}
			r.logger.Info("replay finished", "frames", count)
			return
		}
		if f.IsFD && !fd {
			r.logger.Debug("skip CAN-FD frame on a classic channel", "frame", f.String())
			continue
		}
		if first.IsZero() {
			first = f.Timestamp
		}
		f.Timestamp = start.Add(f.Timestamp.Sub(first))
		if r.realtime {
			if wait := time.Until(f.Timestamp); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
			}
		}
		select {
		case rx <- f:
			count++
		case <-ctx.Done():
			return
		}
	}
}

func (r *Replay) Close() error {
	r.mu.Lock()
	file, cancel, done := r.file, r.cancel, r.done
	r.file = nil
	r.mu.Unlock()
	if file == nil {
		return nil
	}
	cancel()
	<-done
	return errors.Wrap(file.Close(), "close PCAPNG file")
}

func (r *Replay) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file != nil
}

func (r *Replay) Kind() Kind { return KindReplay }

func (r *Replay) Transmit(f can.Frame) error {
	if !r.IsOpen() {
		return ErrNotOpen
	}
	r.logger.Debug("TX dropped by replay", "frame", f.String())
	return nil
}

func (r *Replay) Receive() ([]can.Frame, error) {
	r.mu.Lock()
	rx, open := r.rx, r.file != nil
	r.mu.Unlock()
	if !open {
		return nil, ErrNotOpen
	}
	return drain(rx)
}
