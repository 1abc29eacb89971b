package matrix

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/dbc"
)

// SendType is how a message is scheduled on the bus.
type SendType string

const (
	SendCycle      SendType = "Cycle"
	SendEvent      SendType = "Event"
	SendCycleEvent SendType = "Cycle and Event"
)

// ParseSendType maps a definition send type onto the scheduler's types.
// Anything that is neither cycle nor event is treated as both.
func ParseSendType(s string) SendType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CYCLE":
		return SendCycle
	case "EVENT":
		return SendEvent
	default:
		return SendCycleEvent
	}
}

// Message is a frame definition with its signals and a payload buffer. A
// Message is not safe for concurrent use; the bus works on frame snapshots.
type Message struct {
	ID                 uint32
	Name               string
	Length             int
	Sender             string
	SendType           SendType
	CycleTime          int
	DelayTime          int
	CycleTimeFast      int
	CycleTimeFastTimes int
	NMMessage          bool
	DiagRequest        bool
	DiagResponse       bool
	DiagState          bool
	IsStandardCAN      bool
	IsFD               bool
	Comment            string

	Data []byte
	// StopFlag mirrors the scheduler state of this ID when the message was
	// last handed to the bus. It is informational only.
	StopFlag  bool
	Timestamp time.Time

	signals []*Signal
	index   map[string]int
}

// FromRecord builds a message from a parsed definition. Signals start at their
// declared start value and the payload is encoded from them.
func FromRecord(rec dbc.MessageRecord) (*Message, error) {
	if rec.Length < 0 || rec.Length > can.FDLength {
		return nil, errors.Wrapf(ErrRange, "message 0x%03X length %d must in [0, %d]", rec.ID, rec.Length, can.FDLength)
	}
	m := &Message{
		ID:                 rec.ID,
		Name:               rec.Name,
		Length:             rec.Length,
		Sender:             rec.Sender,
		SendType:           ParseSendType(rec.SendType),
		CycleTime:          rec.CycleTime,
		DelayTime:          rec.DelayTime,
		CycleTimeFast:      rec.CycleTimeFast,
		CycleTimeFastTimes: rec.NrOfRepetition,
		NMMessage:          rec.NMMessage,
		DiagRequest:        rec.DiagRequest,
		DiagResponse:       rec.DiagResponse,
		DiagState:          rec.DiagState,
		IsStandardCAN:      true,
		IsFD:               rec.IsCANFD || rec.Length > can.ClassicLength,
		Comment:            rec.Comment,
		Data:               make([]byte, rec.Length),
		index:              make(map[string]int, len(rec.Signals)),
	}
	if rec.IsStandardCAN != nil {
		m.IsStandardCAN = *rec.IsStandardCAN
	}
	// a cycle time makes the message periodic whatever the send type says
	if m.CycleTime > 0 {
		m.SendType = SendCycle
	}
	for _, sr := range rec.Signals {
		if _, ok := m.index[sr.Name]; ok {
			return nil, errors.Wrapf(dbc.ErrSyntax, "message 0x%03X has duplicate signal %s", rec.ID, sr.Name)
		}
		m.index[sr.Name] = len(m.signals)
		m.signals = append(m.signals, newSignal(sr))
	}
	if err := m.Update(true); err != nil {
		return nil, err
	}
	return m, nil
}

// Record converts the message back into its definition form.
func (m *Message) Record() dbc.MessageRecord {
	standard := m.IsStandardCAN
	rec := dbc.MessageRecord{
		ID:             m.ID,
		Name:           m.Name,
		Length:         m.Length,
		Sender:         m.Sender,
		SendType:       string(m.SendType),
		Signals:        make([]dbc.SignalRecord, 0, len(m.signals)),
		DiagRequest:    m.DiagRequest,
		DiagResponse:   m.DiagResponse,
		DiagState:      m.DiagState,
		NMMessage:      m.NMMessage,
		IsStandardCAN:  &standard,
		IsCANFD:        m.IsFD,
		CycleTime:      m.CycleTime,
		DelayTime:      m.DelayTime,
		CycleTimeFast:  m.CycleTimeFast,
		NrOfRepetition: m.CycleTimeFastTimes,
		Comment:        m.Comment,
	}
	for _, s := range m.signals {
		rec.Signals = append(rec.Signals, s.record())
	}
	return rec
}

func (m *Message) String() string {
	return fmt.Sprintf("0x%03X = % X", m.ID, m.Data)
}

// Signals returns the signals in definition order.
func (m *Message) Signals() []*Signal {
	return m.signals
}

// Signal looks a signal up by name.
func (m *Message) Signal(name string) (*Signal, error) {
	i, ok := m.index[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSignal, "no signal name [%s] found in message 0x%03X", name, m.ID)
	}
	return m.signals[i], nil
}

// HasSignal reports whether the message defines name.
func (m *Message) HasSignal(name string) bool {
	_, ok := m.index[name]
	return ok
}

// Clone deep copies the message, signals and payload included.
func (m *Message) Clone() *Message {
	c := *m
	c.Data = append([]byte(nil), m.Data...)
	c.signals = make([]*Signal, len(m.signals))
	for i, s := range m.signals {
		c.signals[i] = s.clone()
	}
	return &c
}

// Update encodes every signal into the payload when send is true, and
// decodes every signal from the payload otherwise. Nothing changes when a
// signal does not fit the payload.
func (m *Message) Update(send bool) error {
	if err := m.fits(len(m.Data)); err != nil {
		return err
	}
	for _, s := range m.signals {
		if send {
			can.SetData(m.Data, s.StartBit, s.Intel, s.value, s.BitLength, len(m.Data))
		} else {
			s.setRaw(can.GetData(m.Data, s.StartBit, s.Intel, s.BitLength, len(m.Data)))
		}
	}
	return nil
}

func (m *Message) fits(n int) error {
	for _, s := range m.signals {
		if !can.Fits(s.StartBit, s.Intel, s.BitLength, n) {
			return errors.Wrapf(ErrRange, "signal %s (start %d, length %d) does not fit message 0x%03X of %d bytes",
				s.Name, s.StartBit, s.BitLength, m.ID, n)
		}
	}
	return nil
}

// SetData replaces the payload and decodes the signals from it. Short payloads
// are zero padded to the message length. A payload longer than the message is
// only taken by a CAN FD message. The message is left unchanged on error.
func (m *Message) SetData(data []byte) error {
	if len(data) > m.Length && !m.IsFD {
		return errors.Wrapf(ErrRange, "data[% X] of 0x%03X is longer than the message length %d", data, m.ID, m.Length)
	}
	n := max(m.Length, len(data))
	if !can.ValidLength(n) {
		return errors.Wrapf(ErrRange, "data[% X] of 0x%03X has invalid length %d", data, m.ID, n)
	}
	if err := m.fits(n); err != nil {
		return err
	}
	buf := make([]byte, n)
	copy(buf, data)
	m.Data = buf
	return m.Update(false)
}

// SetPhysicals sets the physical values of several signals. Either every
// value is taken or, on error, none is.
func (m *Message) SetPhysicals(values map[string]float64) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	staged := make([]*Signal, 0, len(names))
	for _, name := range names {
		s, err := m.Signal(name)
		if err != nil {
			return err
		}
		c := s.clone()
		if err := c.SetPhysical(values[name]); err != nil {
			return err
		}
		staged = append(staged, c)
	}
	for _, c := range staged {
		s := m.signals[m.index[c.Name]]
		s.value, s.physical = c.value, c.physical
	}
	return nil
}

// CheckMessage validates the ID and, with checkData, the payload. Without
// checkData every signal value is checked against its bit length.
func (m *Message) CheckMessage(checkData bool) error {
	if m.ID > can.MaxStandardID {
		return errors.Wrapf(ErrRange, "msg id [0x%X] is incorrect, only support [0 - 0x7ff]", m.ID)
	}
	if checkData {
		if !can.ValidLength(len(m.Data)) {
			return errors.Wrapf(ErrRange, "data[% X] of 0x%03X has invalid length %d", m.Data, m.ID, len(m.Data))
		}
		return nil
	}
	for _, s := range m.signals {
		if err := s.Check(false); err != nil {
			return errors.Wrapf(err, "message 0x%03X", m.ID)
		}
	}
	return nil
}

// Frame snapshots the payload into a frame.
func (m *Message) Frame() (can.Frame, error) {
	f, err := can.NewFrame(m.ID, m.Data)
	if err != nil {
		return can.Frame{}, err
	}
	f.IsFD = f.IsFD || m.IsFD
	return f, nil
}
