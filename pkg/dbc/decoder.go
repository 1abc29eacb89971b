package dbc

import (
	"time"

	"github.com/cockroachdb/errors"
	ecan "go.einride.tech/can"
	"go.einride.tech/can/pkg/descriptor"

	"github.com/BIwashi/cansim/pkg/can"
)

type DecodedSignal struct {
	Raw         any
	Physical    *float64
	Description string
	Signal      *descriptor.Signal
	Timestamp   time.Time
}

// CrossDecoder decodes classic frames through can-go descriptors. It is the
// reference the local codec is checked against.
type CrossDecoder struct {
	db *descriptor.Database
}

func NewCrossDecoder(db *descriptor.Database) *CrossDecoder {
	return &CrossDecoder{db: db}
}

func (d *CrossDecoder) Decode(f can.Frame) (map[string]DecodedSignal, error) {
	message, ok := d.db.Message(f.ID)
	if !ok {
		return nil, errors.Newf("unknown message id: 0x%03X", f.ID)
	}
	if f.Length != message.Length || f.IsExtended != message.IsExtended || f.IsRemote {
		return nil, errors.Newf("frame shape mismatch for 0x%03X: length %d want %d", f.ID, f.Length, message.Length)
	}
	frame, err := f.Einride()
	if err != nil {
		return nil, errors.Wrapf(err, "convert frame 0x%03X", f.ID)
	}

	signals := make(map[string]DecodedSignal, len(message.Signals))
	for _, s := range message.Signals {
		signals[s.Name] = decodeSignal(s, frame.Data, f.Timestamp)
	}
	return signals, nil
}

func decodeSignal(s *descriptor.Signal, data ecan.Data, ts time.Time) DecodedSignal {
	var (
		raw         any
		physical    *float64
		description string
	)
	switch {
	case s.Length == 1:
		raw = s.UnmarshalBool(data)
	case s.IsSigned:
		raw = s.UnmarshalSigned(data)
	default:
		raw = s.UnmarshalUnsigned(data)
	}

	switch v := raw.(type) {
	case int64:
		pv := s.ToPhysical(float64(v))
		physical = &pv
	case uint64:
		pv := s.ToPhysical(float64(v))
		physical = &pv
	}
	if vd, ok := s.UnmarshalValueDescription(data); ok {
		description = vd
	}

	return DecodedSignal{
		Raw:         raw,
		Physical:    physical,
		Description: description,
		Signal:      s,
		Timestamp:   ts,
	}
}
