package check

import (
	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/dbc"
	"github.com/BIwashi/cansim/pkg/matrix"
)

// Parsers runs both DBC parsers on text and compares the message layouts.
func Parsers(name, text string) ([]dbc.Mismatch, error) {
	ours, err := dbc.Parse(text)
	if err != nil {
		return nil, err
	}
	theirs, err := dbc.ParseCanGo(name, []byte(text))
	if err != nil {
		return nil, err
	}
	return dbc.Verify(ours, theirs), nil
}

// Frame decodes f with the matrix and with the cross decoder and reports the
// signals whose raw values differ. Frames either side cannot decode are
// skipped, ok is false for them.
func Frame(mx *matrix.Matrix, cross *dbc.CrossDecoder, f can.Frame) (out []dbc.Mismatch, ok bool) {
	msg, known := mx.Decode(f)
	if !known {
		return nil, false
	}
	ref, err := cross.Decode(f)
	if err != nil {
		return nil, false
	}
	for _, sig := range msg.Signals() {
		r, found := ref[sig.Name]
		if !found {
			continue
		}
		theirs := rawBits(r.Raw) & sig.MaxRaw()
		if sig.Value() != theirs {
			out = append(out, dbc.Mismatch{ID: f.ID, Signal: sig.Name, Field: "raw", Ours: sig.Value(), Theirs: theirs})
		}
	}
	return out, true
}

// rawBits turns a can-go raw value into its bit pattern.
func rawBits(v any) uint64 {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case int64:
		return uint64(x)
	case uint64:
		return x
	default:
		return 0
	}
}
