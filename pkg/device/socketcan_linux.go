//go:build linux

package device

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.einride.tech/can/pkg/socketcan"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/config"
)

func init() {
	Register(KindSocketCAN, false, func(cfg config.Config, logger *slog.Logger) (Device, error) {
		return NewSocketCAN(cfg.SocketCAN.Interface, logger), nil
	})
}

const socketCANBuffer = 1024

// SocketCAN drives a Linux CAN network interface. The bit rate belongs to
// the interface (ip link set can0 type can bitrate 500000) and is not set
// here.
type SocketCAN struct {
	iface  string
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	tx   *socketcan.Transmitter
	rx   chan can.Frame
	done chan struct{}
}

func NewSocketCAN(iface string, logger *slog.Logger) *SocketCAN {
	return &SocketCAN{iface: iface, logger: logger}
}

func (s *SocketCAN) Open(ctx context.Context, opts Options) error {
	if opts.CANFD {
		return errors.Wrap(ErrUnsupported, "CAN-FD on socketcan")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, err := socketcan.DialContext(ctx, "can", s.iface)
	if err != nil {
		return errors.Wrapf(err, "dial socketcan %s", s.iface)
	}
	s.conn = conn
	s.tx = socketcan.NewTransmitter(conn)
	s.rx = make(chan can.Frame, socketCANBuffer)
	s.done = make(chan struct{})
	go s.readLoop(socketcan.NewReceiver(conn), s.rx, s.done)
	s.logger.Info("socketcan opened", "interface", s.iface, "baud_rate", opts.BaudRate)
	return nil
}

func (s *SocketCAN) readLoop(r *socketcan.Receiver, rx chan<- can.Frame, done chan<- struct{}) {
	defer close(done)
	for r.Receive() {
		if r.HasErrorFrame() {
			s.logger.Warn("socketcan error frame", "frame", r.ErrorFrame())
			continue
		}
		f := can.FromEinride(r.Frame(), time.Now())
		select {
		case rx <- f:
		default:
			s.logger.Warn("socketcan receive buffer full, frame dropped", "frame", f.String())
		}
	}
	if err := r.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("socketcan receive stopped", "error", err)
	}
}

func (s *SocketCAN) Close() error {
	s.mu.Lock()
	conn, done := s.conn, s.done
	s.conn, s.tx = nil, nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return errors.Wrapf(err, "close socketcan %s", s.iface)
}

func (s *SocketCAN) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *SocketCAN) Kind() Kind { return KindSocketCAN }

func (s *SocketCAN) Transmit(f can.Frame) error {
	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	if tx == nil {
		return ErrNotOpen
	}
	ef, err := f.Einride()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return errors.Wrapf(tx.TransmitFrame(ctx, ef), "transmit 0x%03X", f.ID)
}

func (s *SocketCAN) Receive() ([]can.Frame, error) {
	s.mu.Lock()
	rx, open := s.rx, s.conn != nil
	s.mu.Unlock()
	if !open {
		return nil, ErrNotOpen
	}
	return drain(rx)
}
