package check

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/dbc"
	"github.com/BIwashi/cansim/pkg/matrix"
)

const testDBC = `VERSION ""

NS_ :

BS_:

BU_: ECU1 ECU2

BO_ 100 TestMsg: 8 ECU1
 SG_ Speed : 0|8@1+ (1,0) [0|255] "kmh" ECU2
 SG_ Temp : 15|12@0- (0.5,-40) [-40|100] "degC" ECU2

BO_ 200 Other: 4 ECU2
 SG_ Flag : 0|1@1+ (1,0) [0|1] "" ECU1
`

func TestParsers(t *testing.T) {
	got, err := Parsers("test.dbc", testDBC)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = Parsers("broken.dbc", "BO_ x")
	assert.Error(t, err)
}

func TestFrame(t *testing.T) {
	records, err := dbc.Parse(testDBC)
	require.NoError(t, err)
	mx, err := matrix.New(records)
	require.NoError(t, err)
	cross := dbc.NewCrossDecoder(dbc.Compile(records))

	data := make([]byte, 8)
	can.SetData(data, 0, true, 50, 8, 8)
	// negative on the can-go side, same bits on ours
	can.SetData(data, 15, false, 0xF00, 12, 8)
	f, err := can.NewFrame(100, data)
	require.NoError(t, err)

	out, ok := Frame(mx, cross, f)
	assert.True(t, ok)
	assert.Empty(t, out)

	flag, err := can.NewFrame(200, []byte{1, 0, 0, 0})
	require.NoError(t, err)
	out, ok = Frame(mx, cross, flag)
	assert.True(t, ok)
	assert.Empty(t, out)

	unknown, err := can.NewFrame(0x7FF, []byte{1})
	require.NoError(t, err)
	_, ok = Frame(mx, cross, unknown)
	assert.False(t, ok)
}

func TestRawBits(t *testing.T) {
	assert.Equal(t, uint64(1), rawBits(true))
	assert.Equal(t, uint64(0), rawBits(false))
	assert.Equal(t, uint64(0xF00), rawBits(int64(-256))&0xFFF)
	assert.Equal(t, uint64(7), rawBits(uint64(7)))
	assert.Equal(t, uint64(0), rawBits("x"))
}
