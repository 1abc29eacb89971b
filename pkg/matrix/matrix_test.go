package matrix

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/dbc"
)

const testDBC = `BO_ 100 TestMsg: 8 ECU1
 SG_ Speed : 0|8@1+ (1,0) [0|255] "kmh" ECU2
 SG_ Level : 8|4@1+ (0.5,10) [10|17.5] "" ECU2

BO_ 513 BodyStatus: 8 GW
 SG_ DoorState : 7|2@0+ (1,0) [0|3] "" ECU1
 SG_ Temperature : 15|12@0+ (0.1,-40) [-40|125] "degC" ECU1

BA_DEF_ BO_ "GenMsgSendType" ENUM "Cycle","Event","CE";
BA_DEF_ BO_ "GenMsgCycleTime" INT 0 65535;
BA_DEF_ SG_ "GenSigStartValue" INT 0 65535;
BA_ "GenMsgSendType" BO_ 100 1;
BA_ "GenMsgSendType" BO_ 513 0;
BA_ "GenMsgCycleTime" BO_ 513 100;
BA_ "GenSigStartValue" SG_ 513 Temperature 400;
VAL_ 513 DoorState 0 "Closed" 1 "Open" ;
`

func newTestMatrix(t *testing.T) *Matrix {
	t.Helper()
	records, err := dbc.Parse(testDBC)
	require.NoError(t, err)
	mx, err := New(records)
	require.NoError(t, err)
	return mx
}

func TestSignalValues(t *testing.T) {
	mx := newTestMatrix(t)
	msg, err := mx.Message(100)
	require.NoError(t, err)
	level, err := msg.Signal("Level")
	require.NoError(t, err)

	require.NoError(t, level.SetValue(3))
	assert.Equal(t, uint64(3), level.Value())
	// 3*0.5+10 = 11.5 truncates to 11
	assert.Equal(t, 11.0, level.Physical())

	require.NoError(t, level.SetPhysical(12.5))
	assert.Equal(t, uint64(5), level.Value())
	assert.Equal(t, 12.5, level.Physical())

	err = level.SetPhysical(100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRange))
	assert.Contains(t, err.Error(), "it need input physical value not bus value")
	assert.Equal(t, uint64(5), level.Value(), "failed set leaves the signal unchanged")
	assert.Equal(t, 12.5, level.Physical())

	require.Error(t, level.SetPhysical(9))
	require.Error(t, level.SetValue(16))
}

func TestSetPhysicalFractionalFactor(t *testing.T) {
	mx := newTestMatrix(t)
	msg, err := mx.Message(513)
	require.NoError(t, err)
	temp, err := msg.Signal("Temperature")
	require.NoError(t, err)

	require.NoError(t, temp.SetPhysical(25.3))
	assert.Equal(t, uint64(653), temp.Value())
}

func TestSignalStartValueAndLabel(t *testing.T) {
	mx := newTestMatrix(t)
	msg, err := mx.Message(513)
	require.NoError(t, err)

	temp, err := msg.Signal("Temperature")
	require.NoError(t, err)
	assert.Equal(t, uint64(400), temp.Value())
	assert.Equal(t, 0.0, temp.Physical())

	door, err := msg.Signal("DoorState")
	require.NoError(t, err)
	label, ok := door.Label()
	require.True(t, ok)
	assert.Equal(t, "Closed", label)
	require.NoError(t, door.SetValue(1))
	label, _ = door.Label()
	assert.Equal(t, "Open", label)
	require.NoError(t, door.SetValue(3))
	_, ok = door.Label()
	assert.False(t, ok)
}

func TestFromRecordSendType(t *testing.T) {
	mx := newTestMatrix(t)
	event, err := mx.Message(100)
	require.NoError(t, err)
	assert.Equal(t, SendEvent, event.SendType)
	assert.False(t, event.IsStandardCAN, "parser backfills false")

	cycle, err := mx.Message(513)
	require.NoError(t, err)
	assert.Equal(t, SendCycle, cycle.SendType)
	assert.Equal(t, 100, cycle.CycleTime)

	msg, err := FromRecord(dbc.MessageRecord{ID: 1, Name: "A", Length: 8, SendType: "CE", CycleTime: 50})
	require.NoError(t, err)
	assert.Equal(t, SendCycle, msg.SendType, "a cycle time forces cycle")
	assert.True(t, msg.IsStandardCAN, "absent is_standard_can means standard")

	msg, err = FromRecord(dbc.MessageRecord{ID: 1, Name: "A", Length: 8, SendType: "whatever"})
	require.NoError(t, err)
	assert.Equal(t, SendCycleEvent, msg.SendType)
}

func TestMessageUpdate(t *testing.T) {
	mx := newTestMatrix(t)
	msg, err := mx.Message(100)
	require.NoError(t, err)
	speed, err := msg.Signal("Speed")
	require.NoError(t, err)

	require.NoError(t, speed.SetPhysical(50))
	require.NoError(t, msg.Update(true))
	assert.Equal(t, []byte{50, 0, 0, 0, 0, 0, 0, 0}, msg.Data)

	require.NoError(t, msg.SetData([]byte{0x20, 0x03}))
	assert.Equal(t, uint64(0x20), speed.Value())
	level, _ := msg.Signal("Level")
	assert.Equal(t, uint64(3), level.Value())
	assert.Len(t, msg.Data, 8)

	f, err := msg.Frame()
	require.NoError(t, err)
	assert.Equal(t, uint32(100), f.ID)
	assert.Equal(t, uint8(8), f.Length)
}

func TestMessageTooShortForSignal(t *testing.T) {
	_, err := FromRecord(dbc.MessageRecord{
		ID: 1, Name: "A", Length: 1,
		Signals: []dbc.SignalRecord{{Name: "S", StartBit: 8, Size: 8, Intel: true, Factor: 1}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRange))
}

func TestCheckMessage(t *testing.T) {
	mx := newTestMatrix(t)
	msg, err := mx.Message(100)
	require.NoError(t, err)
	require.NoError(t, msg.CheckMessage(false))
	require.NoError(t, msg.CheckMessage(true))

	bad := msg.Clone()
	bad.ID = 0x800
	assert.True(t, errors.Is(bad.CheckMessage(false), ErrRange))

	bad = msg.Clone()
	bad.Data = make([]byte, 10)
	assert.True(t, errors.Is(bad.CheckMessage(true), ErrRange))
}

func TestSignalChecks(t *testing.T) {
	s := &Signal{Name: "S", StartBit: 64, BitLength: 8, Factor: 1, Minimum: 0, Maximum: 10}
	assert.Error(t, s.CheckStartBit())
	assert.NoError(t, s.CheckBitLength())
	s.BitLength = 64
	assert.Error(t, s.CheckBitLength())

	s.BitLength = 8
	require.NoError(t, s.SetValue(20))
	assert.Error(t, s.Check(true))
	assert.NoError(t, s.Check(false))
}

func TestMatrixLookupsAndReset(t *testing.T) {
	mx := newTestMatrix(t)
	assert.Equal(t, 2, mx.Len())

	byName, err := mx.MessageByName("BodyStatus")
	require.NoError(t, err)
	assert.Equal(t, uint32(513), byName.ID)

	_, err = mx.Message(0x7FF)
	assert.True(t, errors.Is(err, ErrUnknownMessage))
	_, err = mx.MessageByName("Nope")
	assert.True(t, errors.Is(err, ErrUnknownMessage))
	_, err = byName.Signal("Nope")
	assert.True(t, errors.Is(err, ErrUnknownSignal))

	id, err := mx.MessageIDBySignal("Temperature")
	require.NoError(t, err)
	assert.Equal(t, uint32(513), id)
	_, err = mx.MessageIDBySignal("Nope")
	assert.True(t, errors.Is(err, ErrUnknownSignal))

	ids := []uint32{}
	for _, m := range mx.Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []uint32{100, 513}, ids)

	temp, _ := byName.Signal("Temperature")
	require.NoError(t, temp.SetValue(1))
	tmpl, err := mx.Template(513)
	require.NoError(t, err)
	tmplTemp, _ := tmpl.Signal("Temperature")
	assert.Equal(t, uint64(400), tmplTemp.Value(), "templates are not touched by live edits")

	mx.Reset()
	live, err := mx.Message(513)
	require.NoError(t, err)
	liveTemp, _ := live.Signal("Temperature")
	assert.Equal(t, uint64(400), liveTemp.Value())
}

func TestMatrixDecode(t *testing.T) {
	mx := newTestMatrix(t)
	ts := time.Unix(100, 0)

	f, err := can.NewFrame(100, []byte{42, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	f.Timestamp = ts
	msg, ok := mx.Decode(f)
	require.True(t, ok)
	speed, _ := msg.Signal("Speed")
	assert.Equal(t, uint64(42), speed.Value())
	assert.Equal(t, ts, msg.Timestamp)

	live, _ := mx.Message(100)
	liveSpeed, _ := live.Signal("Speed")
	assert.Equal(t, uint64(0), liveSpeed.Value(), "decode works on a clone")

	raw, err := can.NewFrame(0x321, []byte{1, 2, 3})
	require.NoError(t, err)
	msg, ok = mx.Decode(raw)
	assert.False(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, msg.Data)
	assert.Empty(t, msg.Signals())
}

func TestMatrixDuplicates(t *testing.T) {
	_, err := New([]dbc.MessageRecord{{ID: 1, Name: "A"}, {ID: 1, Name: "B"}})
	assert.Error(t, err)
	_, err = New([]dbc.MessageRecord{{ID: 1, Name: "A"}, {ID: 2, Name: "A"}})
	assert.Error(t, err)
}

func TestLoadJSONAndRecords(t *testing.T) {
	mx := newTestMatrix(t)
	path := filepath.Join(t.TempDir(), "messages.json")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, dbc.WriteJSON(f, mx.Records()))
	require.NoError(t, f.Close())

	loaded, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, mx.Records(), loaded.Records())
}

func TestNegativeStartValue(t *testing.T) {
	start := -2.0
	msg, err := FromRecord(dbc.MessageRecord{
		ID: 1, Name: "A", Length: 8,
		Signals: []dbc.SignalRecord{{Name: "T", StartBit: 0, Size: 8, Intel: true, Factor: 1, StartValue: &start}},
	})
	require.NoError(t, err)
	sig, err := msg.Signal("T")
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFE), sig.StartValue)
	assert.Equal(t, uint64(0xFE), sig.Value())
	assert.Equal(t, byte(0xFE), msg.Data[0])

	assert.Equal(t, uint64(0xF), startRaw(-1, 0xF))
	assert.Equal(t, uint64(0x5), startRaw(5.7, 0xF))
	assert.Equal(t, uint64(0xF), startRaw(1e30, 0xF))
}

func TestSetDataLeavesMessageOnError(t *testing.T) {
	mx := newTestMatrix(t)
	msg, err := mx.Message(100)
	require.NoError(t, err)
	require.NoError(t, msg.SetData([]byte{7}))

	for _, n := range []int{9, 12, 64} {
		err := msg.SetData(make([]byte, n))
		assert.True(t, errors.Is(err, ErrRange), "%d bytes", n)
		assert.Equal(t, []byte{7, 0, 0, 0, 0, 0, 0, 0}, msg.Data, "%d bytes", n)
	}
	speed, _ := msg.Signal("Speed")
	assert.Equal(t, uint64(7), speed.Value())

	fd, err := FromRecord(dbc.MessageRecord{ID: 2, Name: "FD", Length: 8, IsCANFD: true})
	require.NoError(t, err)
	require.NoError(t, fd.SetData(make([]byte, 12)))
	assert.Len(t, fd.Data, 12)
	assert.Error(t, fd.SetData(make([]byte, 13)))
	assert.Len(t, fd.Data, 12)
}

func TestSetPhysicals(t *testing.T) {
	mx := newTestMatrix(t)
	msg, err := mx.Message(100)
	require.NoError(t, err)
	speed, _ := msg.Signal("Speed")
	level, _ := msg.Signal("Level")

	require.NoError(t, msg.SetPhysicals(map[string]float64{"Speed": 20, "Level": 12.5}))
	assert.Equal(t, uint64(20), speed.Value())
	assert.Equal(t, uint64(5), level.Value())

	err = msg.SetPhysicals(map[string]float64{"Level": 11, "Speed": 300})
	assert.True(t, errors.Is(err, ErrRange))
	assert.Equal(t, uint64(5), level.Value(), "earlier values are not taken")
	assert.Equal(t, 12.5, level.Physical())

	err = msg.SetPhysicals(map[string]float64{"Level": 11, "Missing": 1})
	assert.True(t, errors.Is(err, ErrUnknownSignal))
	assert.Equal(t, uint64(5), level.Value())
}

func TestDecodeLogsRejectedFrame(t *testing.T) {
	records, err := dbc.Parse(testDBC)
	require.NoError(t, err)
	var logs bytes.Buffer
	mx, err := New(records, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)

	f, err := can.NewFrame(100, make([]byte, 12))
	require.NoError(t, err)
	msg, ok := mx.Decode(f)
	assert.False(t, ok)
	assert.Empty(t, msg.Signals())
	assert.Len(t, msg.Data, 12)
	assert.Contains(t, logs.String(), "failed to decode frame")
	assert.Contains(t, logs.String(), "id=0x064")
}
