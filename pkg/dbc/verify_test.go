package dbc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BIwashi/cansim/pkg/can"
)

const crossDBC = `VERSION ""

NS_ :

BS_:

BU_: ECU1 ECU2

BO_ 100 TestMsg: 8 ECU1
 SG_ Speed : 0|8@1+ (1,0) [0|255] "kmh" ECU2
 SG_ Temp : 15|12@0- (0.5,-40) [-40|100] "degC" ECU2

BO_ 200 Other: 4 ECU2
 SG_ Flag : 0|1@1+ (1,0) [0|1] "" ECU1

CM_ SG_ 100 Speed "vehicle speed";
BA_DEF_ BO_ "GenMsgCycleTime" INT 0 10000;
BA_ "GenMsgCycleTime" BO_ 100 20;
VAL_ 200 Flag 0 "Off" 1 "On" ;
`

func TestParseMatchesCanGo(t *testing.T) {
	ours, err := Parse(crossDBC)
	require.NoError(t, err)
	theirs, err := ParseCanGo("cross.dbc", []byte(crossDBC))
	require.NoError(t, err)

	assert.Empty(t, Verify(ours, theirs))

	require.Len(t, theirs, 2)
	speed, ok := theirs[0].Signal("Speed")
	require.True(t, ok)
	assert.Equal(t, "vehicle speed", speed.Comment)
	flag, ok := theirs[1].Signal("Flag")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"0": "Off", "1": "On"}, flag.Values)
}

func TestVerifyReportsDifferences(t *testing.T) {
	ours, err := Parse(crossDBC)
	require.NoError(t, err)
	theirs, err := Parse(crossDBC)
	require.NoError(t, err)

	theirs[0].Name = "Renamed"
	theirs[0].Signals[1].StartBit = 16
	theirs = theirs[:1]

	got := Verify(ours, theirs)
	require.Len(t, got, 3)
	assert.Equal(t, "0x064 name: TestMsg != Renamed", got[0].String())
	assert.Equal(t, "0x064 Temp.start_bit: 15 != 16", got[1].String())
	assert.Equal(t, "0x0C8 present: true != false", got[2].String())
}

func TestCrossDecoder(t *testing.T) {
	records, err := Parse(crossDBC)
	require.NoError(t, err)
	dec := NewCrossDecoder(Compile(records))

	data := make([]byte, 8)
	can.SetData(data, 0, true, 50, 8, 8)
	can.SetData(data, 15, false, 100, 12, 8)
	f, err := can.NewFrame(100, data)
	require.NoError(t, err)

	signals, err := dec.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), signals["Speed"].Raw)
	assert.Equal(t, int64(100), signals["Temp"].Raw)
	require.NotNil(t, signals["Temp"].Physical)
	assert.InDelta(t, 10.0, *signals["Temp"].Physical, 1e-9)

	_, err = dec.Decode(can.Frame{ID: 0x7FF, Length: 8})
	assert.Error(t, err)

	short, err := can.NewFrame(100, []byte{1})
	require.NoError(t, err)
	_, err = dec.Decode(short)
	assert.Error(t, err)
}

func TestCompileSorted(t *testing.T) {
	records, err := Parse(crossDBC)
	require.NoError(t, err)
	records[0], records[1] = records[1], records[0]

	db := Compile(records)
	require.Len(t, db.Messages, 2)
	assert.Equal(t, uint32(100), db.Messages[0].ID)
	assert.Equal(t, "Speed", db.Messages[0].Signals[0].Name)
	assert.False(t, db.Messages[0].Signals[0].IsSigned)
	assert.True(t, db.Messages[0].Signals[1].IsBigEndian)
	require.Len(t, db.Nodes, 2)
	assert.Equal(t, "ECU1", db.Nodes[0].Name)
}
