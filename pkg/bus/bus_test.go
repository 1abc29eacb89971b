package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/dbc"
	"github.com/BIwashi/cansim/pkg/device"
	"github.com/BIwashi/cansim/pkg/matrix"
)

const wait = 2 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinCycleTime = 5 * time.Millisecond
	return cfg
}

func newMessage(t *testing.T, rec dbc.MessageRecord, data ...byte) *matrix.Message {
	t.Helper()
	if rec.Length == 0 {
		rec.Length = 8
	}
	if rec.Name == "" {
		rec.Name = "Msg"
	}
	msg, err := matrix.FromRecord(rec)
	require.NoError(t, err)
	require.NoError(t, msg.SetData(data))
	return msg
}

func openBus(t *testing.T, dev device.Device, cfg Config) *Bus {
	t.Helper()
	b := New(dev, cfg)
	require.NoError(t, b.Open(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func payloads(frames []can.Frame) []byte {
	out := make([]byte, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Data[0])
	}
	return out
}

func TestNotOpen(t *testing.T) {
	b := New(device.NewVirtual(nil), testConfig())
	msg := newMessage(t, dbc.MessageRecord{ID: 1, SendType: "Cycle", CycleTime: 10})
	assert.ErrorIs(t, b.Transmit(msg), ErrNotOpen)
	assert.ErrorIs(t, b.TransmitOne(msg), ErrNotOpen)
	assert.ErrorIs(t, b.StopTransmit(1), ErrNotOpen)
	assert.ErrorIs(t, b.StopAll(), ErrNotOpen)
	assert.ErrorIs(t, b.ResumeTransmit(1), ErrNotOpen)
	assert.ErrorIs(t, b.ResumeAll(), ErrNotOpen)
	_, err := b.Receive(1)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.NoError(t, b.Close())
}

func TestCycleSendsAndSwapsPayload(t *testing.T) {
	v := device.NewVirtual(nil)
	b := openBus(t, v, testConfig())
	msg := newMessage(t, dbc.MessageRecord{ID: 0x64, SendType: "Cycle", CycleTime: 5}, 1)

	require.NoError(t, b.Transmit(msg))
	assert.False(t, msg.StopFlag)
	assert.Equal(t, []uint32{0x64}, b.Sending())
	require.Eventually(t, func() bool { return len(v.SentByID(0x64)) >= 3 }, wait, time.Millisecond)

	require.NoError(t, msg.SetData([]byte{2}))
	require.NoError(t, b.Transmit(msg))
	assert.Equal(t, []uint32{0x64}, b.Sending(), "a running ID gets no second task")
	p, ok := b.Payload(0x64)
	require.True(t, ok)
	assert.Equal(t, byte(2), p[0])
	require.Eventually(t, func() bool {
		sent := v.SentByID(0x64)
		return sent[len(sent)-1].Data[0] == 2
	}, wait, time.Millisecond)
}

func TestZeroCycleTimeIsClamped(t *testing.T) {
	v := device.NewVirtual(nil)
	b := openBus(t, v, testConfig())
	msg := newMessage(t, dbc.MessageRecord{ID: 0x10, SendType: "Cycle"})
	require.NoError(t, b.Transmit(msg))
	require.Eventually(t, func() bool { return len(v.SentByID(0x10)) >= 2 }, wait, time.Millisecond)
}

func TestStopAndResume(t *testing.T) {
	v := device.NewVirtual(nil)
	b := openBus(t, v, testConfig())
	a := newMessage(t, dbc.MessageRecord{ID: 0x100, SendType: "Cycle", CycleTime: 5}, 0xA)
	c := newMessage(t, dbc.MessageRecord{ID: 0x200, SendType: "Cycle", CycleTime: 5}, 0xC)
	require.NoError(t, b.Transmit(a))
	require.NoError(t, b.Transmit(c))

	require.NoError(t, b.StopTransmit(0x100))
	assert.Equal(t, []uint32{0x200}, b.Sending())
	stopped := len(v.SentByID(0x100))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, len(v.SentByID(0x100)), "a stopped ID sends nothing")

	err := b.StopTransmit(0x300)
	assert.True(t, errors.Is(err, ErrNotSending))
	assert.True(t, errors.Is(b.ResumeTransmit(0x300), ErrNotSending))

	require.NoError(t, b.ResumeTransmit(0x100))
	require.Eventually(t, func() bool { return len(v.SentByID(0x100)) > stopped+2 }, wait, time.Millisecond)
	assert.Equal(t, byte(0xA), v.SentByID(0x100)[stopped].Data[0])

	require.NoError(t, b.StopAll())
	assert.Empty(t, b.Sending())
	require.NoError(t, b.ResumeAll())
	assert.Equal(t, []uint32{0x100, 0x200}, b.Sending())

	// transmitting a stopped ID starts it again with the new payload
	require.NoError(t, b.StopTransmit(0x200))
	require.NoError(t, c.SetData([]byte{0xD}))
	require.NoError(t, b.Transmit(c))
	require.Eventually(t, func() bool {
		sent := v.SentByID(0x200)
		return sent[len(sent)-1].Data[0] == 0xD
	}, wait, time.Millisecond)
}

func TestEventBurstsAreFIFO(t *testing.T) {
	v := device.NewVirtual(nil)
	b := openBus(t, v, testConfig())
	rec := dbc.MessageRecord{ID: 0x300, SendType: "Event", CycleTimeFast: 3, NrOfRepetition: 3}
	first := newMessage(t, rec, 1)
	second := newMessage(t, rec, 2)

	require.NoError(t, b.Transmit(first))
	require.NoError(t, b.Transmit(second))
	require.Eventually(t, func() bool { return len(v.SentByID(0x300)) == 6 }, wait, time.Millisecond)
	assert.Equal(t, []byte{1, 1, 1, 2, 2, 2}, payloads(v.SentByID(0x300)))
	assert.Empty(t, b.Sending())

	single := newMessage(t, dbc.MessageRecord{ID: 0x301, SendType: "Event"}, 9)
	require.NoError(t, b.Transmit(single))
	require.Eventually(t, func() bool { return len(v.SentByID(0x301)) == 1 }, wait, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, v.SentByID(0x301), 1, "no repetitions means one copy")
}

// countingDevice records the largest number of transmits in flight at once.
type countingDevice struct {
	*device.Virtual
	inflight atomic.Int32
	peak     atomic.Int32
}

func (d *countingDevice) Transmit(f can.Frame) error {
	n := d.inflight.Add(1)
	defer d.inflight.Add(-1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(300 * time.Microsecond)
	return d.Virtual.Transmit(f)
}

func TestCycleAndEventNeverOverlaps(t *testing.T) {
	dev := &countingDevice{Virtual: device.NewVirtual(nil)}
	b := openBus(t, dev, testConfig())
	rec := dbc.MessageRecord{ID: 0x400, SendType: "CE", CycleTimeFast: 1, NrOfRepetition: 3}
	msg := newMessage(t, rec, 1)
	require.Equal(t, matrix.SendCycleEvent, msg.SendType)

	require.NoError(t, b.Transmit(msg))
	require.Eventually(t, func() bool { return len(dev.SentByID(0x400)) >= 3 }, wait, time.Millisecond)

	for i := byte(2); i < 6; i++ {
		require.NoError(t, msg.SetData([]byte{i}))
		require.NoError(t, b.Transmit(msg))
	}
	assert.Equal(t, []uint32{0x400}, b.Sending(), "cyclic task resumed")
	require.Eventually(t, func() bool {
		sent := dev.SentByID(0x400)
		return sent[len(sent)-1].Data[0] == 5
	}, wait, time.Millisecond)
	assert.Equal(t, int32(1), dev.peak.Load())

	// every new payload starts with a full burst and never goes back
	seq := payloads(dev.SentByID(0x400))
	for v := byte(2); v < 6; v++ {
		i := indexOf(seq, v)
		require.GreaterOrEqual(t, i, 0)
		require.GreaterOrEqual(t, len(seq), i+3)
		assert.Equal(t, []byte{v, v, v}, seq[i:i+3])
		for _, later := range seq[i:] {
			assert.GreaterOrEqual(t, later, v)
		}
	}
}

func indexOf(seq []byte, v byte) int {
	for i, b := range seq {
		if b == v {
			return i
		}
	}
	return -1
}

func TestDeviceErrorsKeepCycling(t *testing.T) {
	v := device.NewVirtual(nil)
	b := openBus(t, v, testConfig())
	v.FailTransmit(errors.New("bus off"))
	msg := newMessage(t, dbc.MessageRecord{ID: 0x500, SendType: "Cycle", CycleTime: 5}, 1)
	require.NoError(t, b.Transmit(msg))
	assert.Error(t, b.TransmitOne(msg), "one shot sends report the device error")
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, v.SentByID(0x500))

	v.FailTransmit(nil)
	require.Eventually(t, func() bool { return len(v.SentByID(0x500)) >= 2 }, wait, time.Millisecond)
	require.NoError(t, b.TransmitOne(msg))
}

func TestWorkerLimit(t *testing.T) {
	v := device.NewVirtual(nil)
	cfg := testConfig()
	cfg.MaxWorkers = 1
	b := openBus(t, v, cfg)
	a := newMessage(t, dbc.MessageRecord{ID: 0x10, SendType: "Cycle", CycleTime: 5}, 1)
	c := newMessage(t, dbc.MessageRecord{ID: 0x20, SendType: "Cycle", CycleTime: 5}, 2)
	require.NoError(t, b.Transmit(a))
	require.Eventually(t, func() bool { return len(v.SentByID(0x10)) > 0 }, wait, time.Millisecond)
	require.NoError(t, b.Transmit(c))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, v.SentByID(0x20), "waits for a free worker")

	require.NoError(t, b.StopTransmit(0x10))
	require.Eventually(t, func() bool { return len(v.SentByID(0x20)) > 0 }, wait, time.Millisecond)
}

func TestSingleWorkerCycleAndEvent(t *testing.T) {
	v := device.NewVirtual(nil)
	cfg := testConfig()
	cfg.MaxWorkers = 1
	b := openBus(t, v, cfg)
	msg := newMessage(t, dbc.MessageRecord{ID: 0x410, SendType: "CE", CycleTimeFast: 1, NrOfRepetition: 2}, 1)

	require.NoError(t, b.Transmit(msg))
	require.Eventually(t, func() bool { return len(v.SentByID(0x410)) > 0 }, wait, time.Millisecond)

	require.NoError(t, msg.SetData([]byte{2}))
	done := make(chan error, 1)
	go func() { done <- b.Transmit(msg) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("burst never got a worker")
	}
	assert.Contains(t, payloads(v.SentByID(0x410)), byte(2))
}

func TestReceive(t *testing.T) {
	v := device.NewVirtual(nil)
	b := openBus(t, v, testConfig())

	var hooked atomic.Int32
	remove := b.OnReceive(func(can.Frame) { hooked.Add(1) })

	_, err := b.Receive(0x64)
	assert.True(t, errors.Is(err, ErrNotReceived))
	assert.Contains(t, err.Error(), "not receive")

	f1, _ := can.NewFrame(0x64, []byte{1})
	f2, _ := can.NewFrame(0x65, []byte{2})
	f3, _ := can.NewFrame(0x64, []byte{3})
	v.Inject(f1, f2, f3)
	require.Eventually(t, func() bool { return len(b.Stack()) == 3 }, wait, time.Millisecond)

	got, err := b.Receive(0x64)
	require.NoError(t, err)
	assert.Equal(t, byte(3), got.Data[0], "latest by ID")
	assert.Equal(t, []byte{1, 2, 3}, payloads(b.Stack()))
	assert.Equal(t, int32(3), hooked.Load())

	stack := b.Stack()
	stack[0].Data[0] = 0xFF
	assert.Equal(t, byte(1), b.Stack()[0].Data[0], "stack is a copy")

	b.ClearStack()
	assert.Empty(t, b.Stack())
	remove()
	v.Inject(f2)
	require.Eventually(t, func() bool { return len(b.Stack()) == 1 }, wait, time.Millisecond)
	assert.Equal(t, int32(3), hooked.Load())
}

func TestClose(t *testing.T) {
	v := device.NewVirtual(nil)
	b := New(v, testConfig())
	require.NoError(t, b.Open(context.Background()))
	assert.True(t, v.IsOpen())
	cyc := newMessage(t, dbc.MessageRecord{ID: 0x10, SendType: "Cycle", CycleTime: 5}, 1)
	ev := newMessage(t, dbc.MessageRecord{ID: 0x20, SendType: "Event", CycleTimeFast: 50, NrOfRepetition: 100}, 1)
	require.NoError(t, b.Transmit(cyc))
	require.NoError(t, b.Transmit(ev))

	start := time.Now()
	require.NoError(t, b.Close())
	assert.Less(t, time.Since(start), time.Second, "sleeping tasks wake up on close")
	assert.False(t, v.IsOpen())
	assert.False(t, b.IsOpen())
	assert.Empty(t, b.Sending())
	assert.ErrorIs(t, b.Transmit(cyc), ErrNotOpen)
	require.NoError(t, b.Close())

	sent := len(v.Sent())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, sent, len(v.Sent()))

	require.NoError(t, b.Open(context.Background()), "a closed bus opens again")
	require.NoError(t, b.Transmit(cyc))
	require.Eventually(t, func() bool { return len(v.Sent()) > sent }, wait, time.Millisecond)
	require.NoError(t, b.Close())
}

func TestWaitEvents(t *testing.T) {
	v := device.NewVirtual(nil)
	b := openBus(t, v, testConfig())
	msg := newMessage(t, dbc.MessageRecord{ID: 0x30, SendType: "Event", CycleTimeFast: 5, NrOfRepetition: 4}, 1)
	require.NoError(t, b.Transmit(msg))
	require.NoError(t, b.WaitEvents(context.Background()))
	assert.Len(t, v.SentByID(0x30), 4)

	long := newMessage(t, dbc.MessageRecord{ID: 0x31, SendType: "Event", CycleTimeFast: 1000, NrOfRepetition: 2}, 1)
	require.NoError(t, b.Transmit(long))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.WaitEvents(ctx), context.DeadlineExceeded)

	require.NoError(t, b.Close())
	assert.NoError(t, b.WaitEvents(context.Background()), "close drops pending bursts")
}
