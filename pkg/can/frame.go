package can

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	ecan "go.einride.tech/can"
)

const (
	// ClassicLength is the payload size of a classic CAN frame.
	ClassicLength = 8
	// FDLength is the largest CAN-FD payload.
	FDLength = 64

	// MaxStandardID is the largest 11-bit identifier.
	MaxStandardID = 0x7FF
)

// dlcTable maps payload byte counts to the data length code sent on the wire.
var dlcTable = map[int]uint8{
	0: 0, 1: 1, 2: 2, 3: 3, 4: 4, 5: 5, 6: 6, 7: 7, 8: 8,
	12: 9, 16: 10, 20: 11, 24: 12, 32: 13, 48: 14, 64: 15,
}

// Frame is a classic or FD CAN frame together with the time it was seen.
// Timestamp is filled by the device that produced the frame; transmit paths
// leave it zero.
type Frame struct {
	ID         uint32
	Length     uint8
	Data       [FDLength]byte
	IsFD       bool
	IsExtended bool
	IsRemote   bool
	Timestamp  time.Time
}

// NewFrame copies payload into a frame. The payload length must be a valid
// classic or FD length.
func NewFrame(id uint32, payload []byte) (Frame, error) {
	if !ValidLength(len(payload)) {
		return Frame{}, errors.Newf("invalid payload length %d for 0x%03X", len(payload), id)
	}
	f := Frame{
		ID:     id,
		Length: uint8(len(payload)),
		IsFD:   len(payload) > ClassicLength,
	}
	copy(f.Data[:], payload)
	return f, nil
}

// Payload returns the used part of Data.
func (f Frame) Payload() []byte {
	return f.Data[:f.Length]
}

func (f Frame) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "0x%03X [%d]", f.ID, f.Length)
	for _, b := range f.Payload() {
		fmt.Fprintf(&sb, " %02X", b)
	}
	return sb.String()
}

// Einride converts a classic frame into the go.einride.tech/can representation.
func (f Frame) Einride() (ecan.Frame, error) {
	if f.Length > ClassicLength {
		return ecan.Frame{}, errors.Newf("frame 0x%03X has %d bytes, classic CAN carries at most 8", f.ID, f.Length)
	}
	out := ecan.Frame{
		ID:         f.ID,
		Length:     f.Length,
		IsRemote:   f.IsRemote,
		IsExtended: f.IsExtended,
	}
	copy(out.Data[:], f.Data[:f.Length])
	return out, nil
}

// FromEinride wraps an einride frame captured at ts.
func FromEinride(f ecan.Frame, ts time.Time) Frame {
	out := Frame{
		ID:         f.ID,
		Length:     f.Length,
		IsRemote:   f.IsRemote,
		IsExtended: f.IsExtended,
		Timestamp:  ts,
	}
	copy(out.Data[:], f.Data[:])
	return out
}

// ValidLength reports whether n is a payload length a frame can carry.
func ValidLength(n int) bool {
	_, ok := dlcTable[n]
	return ok
}

// LengthToDLC returns the data length code for a payload of n bytes.
func LengthToDLC(n int) (uint8, error) {
	dlc, ok := dlcTable[n]
	if !ok {
		return 0, errors.Newf("length %d has no dlc, supported lengths are 0-8,12,16,20,24,32,48,64", n)
	}
	return dlc, nil
}

// DLCToLength returns the payload size encoded by dlc.
func DLCToLength(dlc uint8) (int, error) {
	for n, code := range dlcTable {
		if code == dlc {
			return n, nil
		}
	}
	return 0, errors.Newf("dlc %d not supported", dlc)
}
