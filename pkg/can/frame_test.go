package can

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ecan "go.einride.tech/can"
)

func TestDLCTable(t *testing.T) {
	tests := []struct {
		length int
		dlc    uint8
	}{
		{0, 0}, {8, 8}, {12, 9}, {16, 10}, {20, 11}, {24, 12}, {32, 13}, {48, 14}, {64, 15},
	}
	for _, tt := range tests {
		dlc, err := LengthToDLC(tt.length)
		require.NoError(t, err)
		assert.Equal(t, tt.dlc, dlc)

		length, err := DLCToLength(tt.dlc)
		require.NoError(t, err)
		assert.Equal(t, tt.length, length)
	}

	_, err := LengthToDLC(9)
	assert.Error(t, err)
	_, err = DLCToLength(16)
	assert.Error(t, err)
}

func TestNewFrame(t *testing.T) {
	f, err := NewFrame(0x64, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, f.Payload())
	assert.False(t, f.IsFD)
	assert.Equal(t, "0x064 [3] 01 02 03", f.String())

	f, err = NewFrame(0x64, make([]byte, 12))
	require.NoError(t, err)
	assert.True(t, f.IsFD)

	_, err = NewFrame(0x64, make([]byte, 10))
	assert.Error(t, err)
}

func TestEinrideConversion(t *testing.T) {
	ts := time.Unix(10, 0)
	in := ecan.Frame{ID: 0x123, Length: 2, Data: ecan.Data{0xAA, 0xBB}}
	f := FromEinride(in, ts)
	assert.Equal(t, ts, f.Timestamp)
	assert.Equal(t, []byte{0xAA, 0xBB}, f.Payload())

	out, err := f.Einride()
	require.NoError(t, err)
	assert.Equal(t, in, out)

	fd, err := NewFrame(0x1, make([]byte, 16))
	require.NoError(t, err)
	_, err = fd.Einride()
	assert.Error(t, err)
}
