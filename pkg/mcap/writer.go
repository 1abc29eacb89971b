package mcap

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/foxglove/mcap/go/mcap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/matrix"
)

const schemaName = "google.protobuf.Struct"

// Recorder writes CAN frames decoded through a matrix into an MCAP file.
//
//   - One protobuf schema (google.protobuf.Struct) shared by all channels.
//   - One channel per message: /can/<MessageName>. Frames of IDs the matrix
//     does not define go to /can/raw/0x<ID>.
//   - Each record carries id, name, data (hex), is_fd and one field per
//     signal holding its physical value.
//
// Channels are created on the first frame of their ID.
type Recorder struct {
	mu         sync.Mutex
	writer     *mcap.Writer
	mx         *matrix.Matrix
	schemaID   uint16
	nextChanID uint16
	channels   map[uint32]uint16
	sequence   map[uint16]uint32
	count      int
}

// NewRecorder writes the header and the schema. out is not closed by the
// recorder.
func NewRecorder(out io.Writer, mx *matrix.Matrix) (*Recorder, error) {
	w, err := mcap.NewWriter(out, &mcap.WriterOptions{
		Chunked:     true,
		ChunkSize:   2 * 1024 * 1024,
		Compression: mcap.CompressionZSTD,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create MCAP writer")
	}
	if err := w.WriteHeader(&mcap.Header{Profile: "", Library: "cansim"}); err != nil {
		return nil, errors.Wrap(err, "write header")
	}

	set := &descriptorpb.FileDescriptorSet{
		File: []*descriptorpb.FileDescriptorProto{protodesc.ToFileDescriptorProto(structpb.File_google_protobuf_struct_proto)},
	}
	data, err := proto.Marshal(set)
	if err != nil {
		return nil, errors.Wrap(err, "marshal schema descriptor")
	}
	schemaID := uint16(1)
	if err := w.WriteSchema(&mcap.Schema{
		ID:       schemaID,
		Name:     schemaName,
		Encoding: "protobuf",
		Data:     data,
	}); err != nil {
		return nil, errors.Wrap(err, "write schema")
	}

	return &Recorder{
		writer:   w,
		mx:       mx,
		schemaID: schemaID,
		channels: make(map[uint32]uint16),
		sequence: make(map[uint16]uint32),
	}, nil
}

// channel returns the channel of msg, writing it first if needed. Callers
// hold r.mu.
func (r *Recorder) channel(msg *matrix.Message, known bool) (uint16, error) {
	if id, ok := r.channels[msg.ID]; ok {
		return id, nil
	}
	r.nextChanID++
	chID := r.nextChanID

	hexID := fmt.Sprintf("0x%03X", msg.ID)
	topic := "/can/raw/" + hexID
	metadata := map[string]string{"can_id": hexID}
	if known {
		topic = "/can/" + msg.Name
		metadata["message"] = msg.Name
		metadata["sender"] = msg.Sender
		metadata["send_type"] = string(msg.SendType)
		for _, s := range msg.Signals() {
			if s.Unit != "" {
				metadata["unit."+s.Name] = s.Unit
			}
		}
	}
	if err := r.writer.WriteChannel(&mcap.Channel{
		ID:              chID,
		SchemaID:        r.schemaID,
		Topic:           topic,
		MessageEncoding: "protobuf",
		Metadata:        metadata,
	}); err != nil {
		return 0, errors.Wrapf(err, "write channel (topic=%s)", topic)
	}
	r.channels[msg.ID] = chID
	return chID, nil
}

func record(msg *matrix.Message, f can.Frame, known bool) (*structpb.Struct, error) {
	fields := map[string]any{
		"id":    float64(f.ID),
		"data":  hex.EncodeToString(f.Payload()),
		"is_fd": f.IsFD,
	}
	if known {
		fields["name"] = msg.Name
		for _, s := range msg.Signals() {
			fields[s.Name] = s.Physical()
		}
	}
	return structpb.NewStruct(fields)
}

// WriteFrame decodes f and writes it. A zero timestamp is recorded as now.
func (r *Recorder) WriteFrame(f can.Frame) error {
	msg, known := r.mx.Decode(f)
	st, err := record(msg, f, known)
	if err != nil {
		return errors.Wrapf(err, "build record for 0x%03X", f.ID)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	chID, err := r.channel(msg, known)
	if err != nil {
		return err
	}
	seq := r.sequence[chID]
	r.sequence[chID] = seq + 1
	if err := r.writer.WriteMessage(&mcap.Message{
		ChannelID:   chID,
		Sequence:    seq,
		LogTime:     uint64(ts.UnixNano()),
		PublishTime: uint64(ts.UnixNano()),
		Data:        data,
	}); err != nil {
		return errors.Wrap(err, "write message")
	}
	r.count++
	return nil
}

// Count is the number of frames written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close finalizes the MCAP file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Close()
}
