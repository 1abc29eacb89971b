package can

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ecan "go.einride.tech/can"
	"go.einride.tech/can/pkg/descriptor"
)

func touched(data []byte) []int {
	var idx []int
	for i, b := range data {
		if b != 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

func TestSetDataSpeedSignal(t *testing.T) {
	data := make([]byte, 8)
	SetData(data, 0, true, 50, 8, 8)
	assert.Equal(t, []byte{50, 0, 0, 0, 0, 0, 0, 0}, data)
	assert.Equal(t, uint64(50), GetData(data, 0, true, 8, 8))
}

func TestSetDataKnownLayouts(t *testing.T) {
	tests := []struct {
		name      string
		startBit  int
		intel     bool
		bitLength int
		value     uint64
		want      []byte
	}{
		{name: "intel nibble", startBit: 4, intel: true, bitLength: 4, value: 0xA, want: []byte{0xA0, 0, 0, 0, 0, 0, 0, 0}},
		{name: "intel across bytes", startBit: 4, intel: true, bitLength: 12, value: 0xABC, want: []byte{0xC0, 0xAB, 0, 0, 0, 0, 0, 0}},
		{name: "intel word", startBit: 8, intel: true, bitLength: 16, value: 0x1234, want: []byte{0, 0x34, 0x12, 0, 0, 0, 0, 0}},
		{name: "motorola byte", startBit: 7, intel: false, bitLength: 8, value: 0x5A, want: []byte{0x5A, 0, 0, 0, 0, 0, 0, 0}},
		{name: "motorola word", startBit: 7, intel: false, bitLength: 16, value: 0x1234, want: []byte{0x12, 0x34, 0, 0, 0, 0, 0, 0}},
		{name: "motorola low nibble", startBit: 3, intel: false, bitLength: 4, value: 0x9, want: []byte{0x09, 0, 0, 0, 0, 0, 0, 0}},
		{name: "motorola across bytes", startBit: 3, intel: false, bitLength: 12, value: 0xABC, want: []byte{0x0A, 0xBC, 0, 0, 0, 0, 0, 0}},
		{name: "motorola remainder", startBit: 13, intel: false, bitLength: 10, value: 0x3FF, want: []byte{0, 0x3F, 0xF0, 0, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, 8)
			SetData(data, tt.startBit, tt.intel, tt.value, tt.bitLength, 8)
			assert.Equal(t, tt.want, data)
			assert.Equal(t, tt.value, GetData(data, tt.startBit, tt.intel, tt.bitLength, 8))
		})
	}
}

func TestSetDataBoundary(t *testing.T) {
	for startBit := 0; startBit < 56; startBit++ {
		for _, intel := range []bool{true, false} {
			room := startBit%8 + 1
			if intel {
				room = 8 - startBit%8
			}
			first := startBit / 8

			data := make([]byte, 8)
			SetData(data, startBit, intel, mask(uint(room)), room, 8)
			assert.Equal(t, []int{first}, touched(data), "start %d intel %v exact room", startBit, intel)

			data = make([]byte, 8)
			SetData(data, startBit, intel, mask(uint(room+1)), room+1, 8)
			assert.Equal(t, []int{first, first + 1}, touched(data), "start %d intel %v room+1", startBit, intel)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, byteLength := range []int{ClassicLength, 12, FDLength} {
		for startBit := 0; startBit < byteLength*8; startBit++ {
			for bitLength := 1; bitLength <= 64; bitLength++ {
				for _, intel := range []bool{true, false} {
					if !Fits(startBit, intel, bitLength, byteLength) {
						continue
					}
					top := mask(uint(bitLength))
					for _, value := range []uint64{0, 1, top, top >> 1, 0xA5A5A5A5A5A5A5A5 & top} {
						data := make([]byte, byteLength)
						SetData(data, startBit, intel, value, bitLength, byteLength)
						got := GetData(data, startBit, intel, bitLength, byteLength)
						if got != value {
							t.Fatalf("start %d len %d intel %v bytes %d: got %#x want %#x",
								startBit, bitLength, intel, byteLength, got, value)
						}
					}
				}
			}
		}
	}
}

func TestSetDataPreservesNeighbours(t *testing.T) {
	data := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	SetData(data, 12, true, 0, 8, 8)
	assert.Equal(t, []byte{0xFF, 0x0F, 0xF0, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, data)

	data = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	SetData(data, 11, false, 0, 8, 8)
	assert.Equal(t, []byte{0xFF, 0xF0, 0x0F, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, data)
}

func TestSetDataMasksWideValues(t *testing.T) {
	data := make([]byte, 8)
	SetData(data, 0, true, 0x1FF, 8, 8)
	assert.Equal(t, byte(0xFF), data[0])
	assert.Equal(t, byte(0), data[1])
}

func TestCodecMatchesEinrideDescriptor(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		startBit := rng.Intn(64)
		bitLength := rng.Intn(64) + 1
		intel := rng.Intn(2) == 0
		if !Fits(startBit, intel, bitLength, 8) {
			continue
		}
		value := rng.Uint64() & mask(uint(bitLength))
		sig := &descriptor.Signal{
			Name:        "s",
			Start:       uint8(startBit),
			Length:      uint8(bitLength),
			IsBigEndian: !intel,
		}

		data := make([]byte, 8)
		SetData(data, startBit, intel, value, bitLength, 8)

		var want ecan.Data
		sig.MarshalUnsigned(&want, value)
		require.Equal(t, want[:], data, "start %d len %d intel %v", startBit, bitLength, intel)
		require.Equal(t, sig.UnmarshalUnsigned(want), GetData(data, startBit, intel, bitLength, 8))
	}
}

func TestCodecFD(t *testing.T) {
	data := make([]byte, FDLength)
	SetData(data, 500, true, 0xABC, 12, FDLength)
	assert.Equal(t, byte(0xC0), data[62])
	assert.Equal(t, byte(0xAB), data[63])
	assert.Equal(t, uint64(0xABC), GetData(data, 500, true, 12, FDLength))
}

func TestCodecOutOfRangePanics(t *testing.T) {
	assert.Panics(t, func() { SetData(make([]byte, 8), 60, true, 0xFF, 8, 8) })
	assert.Panics(t, func() { GetData(make([]byte, 8), 7, true, 8, 16) })
}

func TestFits(t *testing.T) {
	assert.True(t, Fits(56, true, 8, 8))
	assert.False(t, Fits(57, true, 8, 8))
	assert.True(t, Fits(7, false, 64, 8))
	assert.False(t, Fits(6, false, 64, 8))
	assert.False(t, Fits(0, true, 0, 8))
	assert.Equal(t, uint64(0xFFF), MaxRaw(12))
	assert.Equal(t, uint64(0), MaxRaw(0))
}

func TestToSigned(t *testing.T) {
	assert.Equal(t, int64(-1), ToSigned(0xFF, 8))
	assert.Equal(t, int64(127), ToSigned(0x7F, 8))
	assert.Equal(t, int64(-2048), ToSigned(0x800, 12))
}
