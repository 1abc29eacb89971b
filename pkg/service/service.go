// Package service is the test-facing API over a bus and a message matrix:
// sending by ID, name or signal values, reading decoded receptions back, and
// the queries over the receive stack.
package service

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/BIwashi/cansim/pkg/bus"
	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/matrix"
)

// Ident names a message either by ID or by name.
type Ident struct {
	ID   uint32
	Name string
}

func ByID(id uint32) Ident { return Ident{ID: id} }

func ByName(name string) Ident { return Ident{Name: name} }

func (i Ident) String() string {
	if i.Name != "" {
		return i.Name
	}
	return hexID(i.ID)
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRand sets the source of the values SendRandom draws.
func WithRand(r *rand.Rand) Option {
	return func(s *Service) {
		if r != nil {
			s.rand = r
		}
	}
}

// Service sends the live messages of a matrix on a bus and answers queries
// about what the bus received.
type Service struct {
	bus    *bus.Bus
	mx     *matrix.Matrix
	logger *slog.Logger
	rand   *rand.Rand

	// mu serialises changes to the live messages with handing them to the bus.
	mu sync.Mutex
}

func New(b *bus.Bus, mx *matrix.Matrix, opts ...Option) *Service {
	s := &Service{
		bus:    b,
		mx:     mx,
		logger: slog.New(slog.DiscardHandler),
		rand:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Bus() *bus.Bus { return s.bus }

func (s *Service) Matrix() *matrix.Matrix { return s.mx }

func (s *Service) lookup(ident Ident) (*matrix.Message, error) {
	if ident.Name != "" {
		return s.mx.MessageByName(ident.Name)
	}
	return s.mx.Message(ident.ID)
}

// SendByID sends the live message id with its current signal values.
func (s *Service) SendByID(id uint32) error {
	return s.Send(ByID(id))
}

// SendByName sends the live message called name with its current signal
// values.
func (s *Service) SendByName(name string) error {
	return s.Send(ByName(name))
}

// Send sends the live message ident with its current signal values.
func (s *Service) Send(ident Ident) error {
	msg, err := s.lookup(ident)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transmit(msg, false)
}

// SendSignals sets the given signals of the live message ident to physical
// values and sends it. Nothing is sent or changed when a value is out of range.
func (s *Service) SendSignals(ident Ident, signals map[string]float64) error {
	msg, err := s.lookup(ident)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := msg.SetPhysicals(signals); err != nil {
		return err
	}
	if err := msg.CheckMessage(false); err != nil {
		return err
	}
	return s.transmit(msg, false)
}

// SendMessage sends msg as it is. With raw the payload is sent untouched;
// otherwise it is encoded from the signal values first.
func (s *Service) SendMessage(msg *matrix.Message, raw bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transmit(msg, raw)
}

// transmit is called with s.mu held.
func (s *Service) transmit(msg *matrix.Message, raw bool) error {
	if err := msg.CheckMessage(raw); err != nil {
		return err
	}
	if !raw {
		if err := msg.Update(true); err != nil {
			return err
		}
	}
	s.logger.Debug("send message", "id", hexID(msg.ID), "name", msg.Name, "data", msg.String())
	return s.bus.Transmit(msg)
}

// SendRaw sends a whole payload. A known ID takes the payload into its live
// message and is scheduled by its send type; an unknown ID is sent once.
func (s *Service) SendRaw(id uint32, data []byte) error {
	msg, err := s.mx.Message(id)
	if errors.Is(err, matrix.ErrUnknownMessage) {
		f, err := can.NewFrame(id, data)
		if err != nil {
			return err
		}
		return s.bus.TransmitFrame(f)
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := msg.SetData(data); err != nil {
		return err
	}
	return s.transmit(msg, true)
}

// ReceiveMessage returns the latest reception of id. Known IDs come back
// with their signals decoded; unknown IDs carry the payload only.
func (s *Service) ReceiveMessage(id uint32) (*matrix.Message, error) {
	f, err := s.bus.Receive(id)
	if err != nil {
		return nil, err
	}
	msg, _ := s.mx.Decode(f)
	return msg, nil
}

// ReceiveSignalValue returns the physical value of a signal in the latest
// reception of id.
func (s *Service) ReceiveSignalValue(id uint32, name string) (float64, error) {
	msg, err := s.ReceiveMessage(id)
	if err != nil {
		return 0, err
	}
	sig, err := msg.Signal(name)
	if err != nil {
		return 0, err
	}
	return sig.Physical(), nil
}

// SendMessages sends every live message except the network management and
// diagnostic ones and those sent by the given nodes.
func (s *Service) SendMessages(filterSender ...string) error {
	msgs := s.filter(Filter{Senders: filterSender})
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		if err := s.transmit(msg, false); err != nil {
			return errors.Wrapf(err, "send %s", msg.Name)
		}
	}
	return nil
}

// SendDefaultMessages restores every live message to its definition and
// sends them as SendMessages does.
func (s *Service) SendDefaultMessages(filterSender ...string) error {
	s.mx.Reset()
	return s.SendMessages(filterSender...)
}

func hexID(id uint32) string {
	return fmt.Sprintf("0x%03X", id)
}
