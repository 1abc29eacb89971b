package matrix

import (
	"math"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/dbc"
)

var (
	// ErrRange marks an ID, byte or signal value outside its allowed range.
	ErrRange = errors.New("value out of range")
	// ErrUnknownMessage marks a lookup of a message the matrix does not define.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrUnknownSignal marks a lookup of a signal the message does not define.
	ErrUnknownSignal = errors.New("unknown signal")
)

// maxLayoutValue bounds start bit and bit length annotations.
const maxLayoutValue = 0x3F

// Signal is a bit field of a message with linear scaling. The raw value and the
// physical value are always set together.
//
// IsSign keeps the DBC '+' flag: true means the signal is unsigned.
type Signal struct {
	Name       string
	StartBit   int
	BitLength  int
	IsSign     bool
	Intel      bool
	Factor     float64
	Offset     float64
	Minimum    float64
	Maximum    float64
	Unit       string
	Receiver   string
	StartValue uint64
	Values     map[string]string
	Comment    string

	value    uint64
	physical float64
}

func newSignal(rec dbc.SignalRecord) *Signal {
	s := &Signal{
		Name:      rec.Name,
		StartBit:  rec.StartBit,
		BitLength: rec.Size,
		IsSign:    rec.IsSign,
		Intel:     rec.Intel,
		Factor:    rec.Factor,
		Offset:    rec.Offset,
		Minimum:   rec.Minimum,
		Maximum:   rec.Maximum,
		Unit:      rec.Unit,
		Receiver:  rec.Receiver,
		Values:    rec.Values,
		Comment:   rec.Comment,
	}
	if rec.StartValue != nil {
		s.StartValue = startRaw(*rec.StartValue, s.MaxRaw())
	}
	s.setRaw(s.StartValue)
	return s
}

// startRaw turns a start value into raw bits. Negative values are stored as
// two's complement of the bit length.
func startRaw(v float64, mask uint64) uint64 {
	v = math.Trunc(v)
	if v < 0 {
		if v < math.MinInt64 {
			return 0
		}
		return uint64(int64(v)) & mask
	}
	if v >= math.MaxUint64 {
		return mask
	}
	return uint64(v) & mask
}

func (s *Signal) record() dbc.SignalRecord {
	start := float64(s.StartValue)
	return dbc.SignalRecord{
		Name:       s.Name,
		Size:       s.BitLength,
		StartBit:   s.StartBit,
		IsSign:     s.IsSign,
		Intel:      s.Intel,
		Factor:     s.Factor,
		Offset:     s.Offset,
		Minimum:    s.Minimum,
		Maximum:    s.Maximum,
		Unit:       s.Unit,
		Receiver:   s.Receiver,
		StartValue: &start,
		Values:     s.Values,
		Comment:    s.Comment,
	}
}

func (s *Signal) clone() *Signal {
	c := *s
	return &c
}

// Value is the raw bus value.
func (s *Signal) Value() uint64 {
	return s.value
}

// Physical is the scaled value.
func (s *Signal) Physical() float64 {
	return s.physical
}

// MaxRaw is the largest raw value the bit length allows.
func (s *Signal) MaxRaw() uint64 {
	return can.MaxRaw(s.BitLength)
}

func (s *Signal) setRaw(raw uint64) {
	s.value = raw
	s.physical = math.Trunc(float64(raw)*s.Factor + s.Offset)
}

// SetValue sets the raw value and recomputes the physical value, truncated
// towards zero.
func (s *Signal) SetValue(raw uint64) error {
	if raw > s.MaxRaw() {
		return errors.Wrapf(ErrRange, "signal %s value [%d] must in [0, %d]", s.Name, raw, s.MaxRaw())
	}
	s.setRaw(raw)
	return nil
}

// SetPhysical sets the physical value and back computes the raw value. A
// physical value whose raw value does not fit the bit length is rejected and
// the signal is left unchanged; this is what catches a bus value passed where
// a physical value was expected.
func (s *Signal) SetPhysical(physical float64) error {
	if s.Factor == 0 {
		return errors.Wrapf(ErrRange, "signal %s has a zero factor", s.Name)
	}
	raw := (physical - s.Offset) / s.Factor
	// 25.3/0.1 is 252.99999999999997
	if r := math.Round(raw); math.Abs(raw-r) < 1e-9 {
		raw = r
	}
	raw = math.Trunc(raw)
	if raw < 0 || raw > float64(s.MaxRaw()) {
		return errors.Wrapf(ErrRange, "signal %s physical value %v gives raw %v outside [0, %d]: it need input physical value not bus value",
			s.Name, physical, raw, s.MaxRaw())
	}
	s.value = uint64(raw)
	s.physical = physical
	return nil
}

// Label returns the value table entry for the current raw value.
func (s *Signal) Label() (string, bool) {
	label, ok := s.Values[strconv.FormatUint(s.value, 10)]
	return label, ok
}

// Check validates the raw value against the bit length and, with needRange,
// the physical value against minimum and maximum.
func (s *Signal) Check(needRange bool) error {
	if needRange && !can.ValidatePhysicalValue(s.physical, s.Minimum, s.Maximum) {
		return errors.Wrapf(ErrRange, "signal %s value[%v] must in [%v, %v]", s.Name, s.physical, s.Minimum, s.Maximum)
	}
	if s.value > s.MaxRaw() {
		return errors.Wrapf(ErrRange, "signal %s value[%d] must in [0, %d]", s.Name, s.value, s.MaxRaw())
	}
	return nil
}

func (s *Signal) CheckStartBit() error {
	if s.StartBit < 0 || s.StartBit > maxLayoutValue {
		return errors.Wrapf(ErrRange, "signal %s start bit[%d] must in [0, 0x3f]", s.Name, s.StartBit)
	}
	return nil
}

func (s *Signal) CheckBitLength() error {
	if s.BitLength < 0 || s.BitLength > maxLayoutValue {
		return errors.Wrapf(ErrRange, "signal %s bit length[%d] must in [0, 0x3f]", s.Name, s.BitLength)
	}
	return nil
}
