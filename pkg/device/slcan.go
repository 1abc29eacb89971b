package device

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.bug.st/serial"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/config"
)

func init() {
	Register(KindSLCAN, true, func(cfg config.Config, logger *slog.Logger) (Device, error) {
		if cfg.SLCAN.Port == "" {
			return nil, errors.New("slcan.port is not set")
		}
		return NewSLCAN(cfg.SLCAN.Port, cfg.SLCAN.BaudRate, logger), nil
	})
}

const hexDigits = "0123456789ABCDEF"

const (
	slcanReadTimeout = 3 * time.Millisecond
	slcanSettle      = 10 * time.Millisecond
	slcanBuffer      = 1024
)

// LAWICEL bit rate commands, kbit/s to command
var slcanBitRates = map[BaudRate]string{
	10: "S0", 20: "S1", 50: "S2", 100: "S3", 125: "S4",
	250: "S5", 500: "S6", 800: "S7", 1000: "S8",
}

// CANable 2 data phase commands
var slcanDataRates = map[BaudRate]string{
	1000: "Y1", 2000: "Y2", 4000: "Y4", 5000: "Y5",
}

// PortOpener opens the serial line an SLCAN adapter is attached to.
type PortOpener func(name string, baudRate int) (io.ReadWriteCloser, error)

func openSerial(name string, baudRate int) (io.ReadWriteCloser, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening serial port '%s'", name)
	}
	if err := p.SetReadTimeout(slcanReadTimeout); err != nil {
		_ = p.Close()
		return nil, errors.Wrap(err, "setting serial port read timeout")
	}
	if err := p.ResetInputBuffer(); err != nil {
		_ = p.Close()
		return nil, errors.Wrap(err, "resetting input buffer")
	}
	if err := p.ResetOutputBuffer(); err != nil {
		_ = p.Close()
		return nil, errors.Wrap(err, "resetting output buffer")
	}
	return p, nil
}

// SLCAN talks the LAWICEL serial line protocol used by CANable and similar
// USB adapters.
type SLCAN struct {
	name     string
	baudRate int
	open     PortOpener
	logger   *slog.Logger

	mu     sync.Mutex
	port   io.ReadWriteCloser
	fd     bool
	closed atomic.Bool
	rx     chan can.Frame
	done   chan struct{}
}

func NewSLCAN(name string, baudRate int, logger *slog.Logger) *SLCAN {
	return NewSLCANWithOpener(name, baudRate, openSerial, logger)
}

func NewSLCANWithOpener(name string, baudRate int, open PortOpener, logger *slog.Logger) *SLCAN {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SLCAN{name: name, baudRate: baudRate, open: open, logger: logger}
}

func (s *SLCAN) Open(_ context.Context, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	rate, ok := slcanBitRates[opts.BaudRate]
	if !ok {
		return errors.Wrapf(ErrUnsupported, "slcan bit rate %d", opts.BaudRate)
	}
	cmds := []string{"C", rate}
	if opts.CANFD {
		data, ok := slcanDataRates[opts.DataRate]
		if !ok {
			return errors.Wrapf(ErrUnsupported, "slcan data rate %d", opts.DataRate)
		}
		cmds = append(cmds, data)
	}
	cmds = append(cmds, "O")

	p, err := s.open(s.name, s.baudRate)
	if err != nil {
		return err
	}
	s.port = p
	s.fd = opts.CANFD
	s.closed.Store(false)
	s.rx = make(chan can.Frame, slcanBuffer)
	s.done = make(chan struct{})
	go s.readLoop(p, s.rx, s.done)

	for _, cmd := range cmds {
		if _, err := p.Write([]byte(cmd + "\r")); err != nil {
			s.closed.Store(true)
			_ = p.Close()
			<-s.done
			s.port = nil
			return errors.Wrapf(err, "failed to write %q to %s", cmd, s.name)
		}
		time.Sleep(slcanSettle)
	}
	s.logger.Info("slcan opened", "port", s.name, "baud_rate", opts.BaudRate, "can_fd", opts.CANFD)
	return nil
}

func (s *SLCAN) Close() error {
	s.mu.Lock()
	p, done := s.port, s.done
	s.port = nil
	s.closed.Store(true)
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	if _, err := p.Write([]byte("C\r")); err != nil {
		s.logger.Warn("slcan close command failed", "error", err)
	}
	err := p.Close()
	<-done
	return errors.Wrapf(err, "close %s", s.name)
}

func (s *SLCAN) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

func (s *SLCAN) Kind() Kind { return KindSLCAN }

func (s *SLCAN) Transmit(f can.Frame) error {
	s.mu.Lock()
	p, fd := s.port, s.fd
	s.mu.Unlock()
	if p == nil {
		return ErrNotOpen
	}
	if f.IsFD && !fd {
		return errors.Wrapf(ErrUnsupported, "CAN-FD frame 0x%03X on a classic channel", f.ID)
	}
	line, err := encodeSLCAN(f)
	if err != nil {
		return err
	}
	if _, err := p.Write(line); err != nil {
		return errors.Wrapf(err, "failed to write to com port %s", s.name)
	}
	return nil
}

func (s *SLCAN) Receive() ([]can.Frame, error) {
	s.mu.Lock()
	rx, open := s.rx, s.port != nil
	s.mu.Unlock()
	if !open {
		return nil, ErrNotOpen
	}
	return drain(rx)
}

func (s *SLCAN) readLoop(p io.Reader, rx chan<- can.Frame, done chan<- struct{}) {
	defer close(done)
	line := make([]byte, 0, 256)
	buf := make([]byte, 64)
	for {
		n, err := p.Read(buf)
		if err != nil {
			if !s.closed.Load() {
				s.logger.Warn("failed to read com port", "port", s.name, "error", err)
			}
			return
		}
		for _, b := range buf[:n] {
			switch b {
			case '\r':
				s.handleLine(line, rx)
				line = line[:0]
			case '\a':
				s.logger.Warn("slcan adapter rejected a command")
				line = line[:0]
			default:
				line = append(line, b)
			}
		}
	}
}

func (s *SLCAN) handleLine(line []byte, rx chan<- can.Frame) {
	if len(line) == 0 {
		return
	}
	switch line[0] {
	case 't', 'T', 'r', 'R', 'd', 'D':
	default:
		// z/Z transmit acknowledgements and command replies
		return
	}
	f, err := decodeSLCAN(line)
	if err != nil {
		s.logger.Warn("bad slcan frame", "line", string(line), "error", err)
		return
	}
	f.Timestamp = time.Now()
	select {
	case rx <- f:
	default:
		s.logger.Warn("slcan receive buffer full, frame dropped", "frame", f.String())
	}
}

func encodeSLCAN(f can.Frame) ([]byte, error) {
	var kind byte
	switch {
	case f.IsRemote && f.IsFD:
		return nil, errors.Wrapf(ErrUnsupported, "remote CAN-FD frame 0x%03X", f.ID)
	case f.IsRemote:
		kind = 'r'
	case f.IsFD:
		kind = 'd'
	default:
		kind = 't'
	}
	var id string
	if f.IsExtended {
		kind -= 'a' - 'A'
		id = fmt.Sprintf("%08X", f.ID&0x1FFFFFFF)
	} else {
		if f.ID > can.MaxStandardID {
			return nil, errors.Newf("standard id 0x%X does not fit 11 bits", f.ID)
		}
		id = fmt.Sprintf("%03X", f.ID)
	}
	dlc, err := can.LengthToDLC(int(f.Length))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(id)+1+2*int(f.Length)+1)
	out = append(out, kind)
	out = append(out, id...)
	out = append(out, hexDigits[dlc])
	if !f.IsRemote {
		out = append(out, []byte(fmt.Sprintf("%X", f.Payload()))...)
	}
	return append(out, '\r'), nil
}

func decodeSLCAN(line []byte) (can.Frame, error) {
	var f can.Frame
	idLen := 3
	switch line[0] {
	case 'T', 'R', 'D':
		f.IsExtended = true
		idLen = 8
	}
	f.IsRemote = line[0] == 'r' || line[0] == 'R'
	f.IsFD = line[0] == 'd' || line[0] == 'D'
	if len(line) < 1+idLen+1 {
		return can.Frame{}, errors.Newf("frame %q too short", line)
	}
	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return can.Frame{}, errors.Wrap(err, "failed to decode identifier")
	}
	f.ID = uint32(id)
	dlc, err := strconv.ParseUint(string(line[1+idLen]), 16, 8)
	if err != nil {
		return can.Frame{}, errors.Wrap(err, "failed to decode data length")
	}
	length := int(dlc)
	if f.IsFD {
		if length, err = can.DLCToLength(uint8(dlc)); err != nil {
			return can.Frame{}, err
		}
	} else if length > can.ClassicLength {
		return can.Frame{}, errors.Newf("invalid data length: %d", length)
	}
	f.Length = uint8(length)
	if f.IsRemote {
		return f, nil
	}
	body := line[2+idLen:]
	if len(body) < 2*length {
		return can.Frame{}, errors.Newf("frame %q carries less than %d bytes", line, length)
	}
	if _, err := hex.Decode(f.Data[:length], body[:2*length]); err != nil {
		return can.Frame{}, errors.Wrap(err, "failed to decode frame body")
	}
	return f, nil
}
