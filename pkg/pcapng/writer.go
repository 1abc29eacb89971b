package pcapng

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"

	"github.com/BIwashi/cansim/pkg/can"
)

// Writer records frames as a SocketCAN pcapng capture. It is safe for
// concurrent use.
type Writer struct {
	mu     sync.Mutex
	writer *pcapgo.NgWriter
	count  uint64
}

func NewWriter(w io.Writer) (*Writer, error) {
	ng, err := pcapgo.NewNgWriter(w, LinkTypeCAN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pcapng writer")
	}
	return &Writer{writer: ng}, nil
}

// WriteFrame appends f. A zero timestamp is recorded as the current time.
func (w *Writer) WriteFrame(f can.Frame) error {
	data := encodeFrame(f)
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.WritePacket(ci, data); err != nil {
		return errors.Wrapf(err, "write frame 0x%03X", f.ID)
	}
	w.count++
	return nil
}

// Count is the number of frames written.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Flush writes buffered packets to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.Wrap(w.writer.Flush(), "flush pcapng")
}

func encodeFrame(f can.Frame) []byte {
	size := classicMTU
	if f.IsFD {
		size = fdMTU
	}
	data := make([]byte, size)
	raw := f.ID & idMaskStandard
	if f.IsExtended {
		raw = f.ID&idMaskExtended | idFlagExtended
	}
	if f.IsRemote {
		raw |= idFlagRemote
	}
	binary.BigEndian.PutUint32(data[0:4], raw)
	data[4] = f.Length
	if f.IsFD {
		data[5] = fdFlag
	}
	copy(data[headerLength:], f.Payload())
	return data
}
