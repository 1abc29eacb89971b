package matrix

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/dbc"
)

// Matrix holds the parsed message definitions. Templates never change; the
// live messages are clones that callers mutate and Reset restores.
type Matrix struct {
	mu        sync.RWMutex
	templates map[uint32]*Message
	live      map[uint32]*Message
	names     map[string]uint32
	ids       []uint32
	logger    *slog.Logger
}

type Option func(*Matrix)

// WithLogger sets the logger frames that fail to decode are reported to.
func WithLogger(logger *slog.Logger) Option {
	return func(mx *Matrix) {
		if logger != nil {
			mx.logger = logger
		}
	}
}

// New builds a matrix from definition records.
func New(records []dbc.MessageRecord, opts ...Option) (*Matrix, error) {
	mx := &Matrix{
		templates: make(map[uint32]*Message, len(records)),
		names:     make(map[string]uint32, len(records)),
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(mx)
	}
	for _, rec := range records {
		if _, ok := mx.templates[rec.ID]; ok {
			return nil, errors.Wrapf(dbc.ErrSyntax, "duplicate message id 0x%03X", rec.ID)
		}
		if _, ok := mx.names[rec.Name]; ok {
			return nil, errors.Wrapf(dbc.ErrSyntax, "duplicate message name %s", rec.Name)
		}
		msg, err := FromRecord(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "message %s", rec.Name)
		}
		mx.templates[rec.ID] = msg
		mx.names[rec.Name] = rec.ID
		mx.ids = append(mx.ids, rec.ID)
	}
	sort.Slice(mx.ids, func(i, j int) bool { return mx.ids[i] < mx.ids[j] })
	mx.Reset()
	return mx, nil
}

// Load reads definitions from a .dbc, .json or .yaml file.
func Load(path, charset string, opts ...Option) (*Matrix, error) {
	records, err := dbc.LoadRecords(path, charset)
	if err != nil {
		return nil, err
	}
	return New(records, opts...)
}

// Reset replaces every live message with a fresh clone of its template.
func (mx *Matrix) Reset() {
	live := make(map[uint32]*Message, len(mx.templates))
	for id, tmpl := range mx.templates {
		live[id] = tmpl.Clone()
	}
	mx.mu.Lock()
	mx.live = live
	mx.mu.Unlock()
}

// Len is the number of defined messages.
func (mx *Matrix) Len() int {
	return len(mx.ids)
}

// Template returns a clone of the definition of id as parsed.
func (mx *Matrix) Template(id uint32) (*Message, error) {
	tmpl, ok := mx.templates[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMessage, "no message id [0x%03X] found in messages", id)
	}
	return tmpl.Clone(), nil
}

// Message returns the live message for id.
func (mx *Matrix) Message(id uint32) (*Message, error) {
	mx.mu.RLock()
	defer mx.mu.RUnlock()
	msg, ok := mx.live[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMessage, "no message id [0x%03X] found in messages", id)
	}
	return msg, nil
}

// MessageByName returns the live message called name.
func (mx *Matrix) MessageByName(name string) (*Message, error) {
	id, ok := mx.names[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMessage, "no message name [%s] found in messages", name)
	}
	return mx.Message(id)
}

// Messages returns the live messages ordered by ID.
func (mx *Matrix) Messages() []*Message {
	mx.mu.RLock()
	defer mx.mu.RUnlock()
	out := make([]*Message, 0, len(mx.ids))
	for _, id := range mx.ids {
		out = append(out, mx.live[id])
	}
	return out
}

// MessageIDBySignal returns the lowest ID of a message that defines signal.
func (mx *Matrix) MessageIDBySignal(signal string) (uint32, error) {
	for _, id := range mx.ids {
		if mx.templates[id].HasSignal(signal) {
			return id, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownSignal, "%s can not be found in messages", signal)
}

// Records returns the definitions in ID order.
func (mx *Matrix) Records() []dbc.MessageRecord {
	out := make([]dbc.MessageRecord, 0, len(mx.ids))
	for _, id := range mx.ids {
		out = append(out, mx.templates[id].Record())
	}
	return out
}

// Decode turns a frame into a message. Known IDs give a fresh clone with the
// signals decoded from the payload; unknown IDs, and frames the definition
// cannot take, give a bare message carrying the payload only, and ok is false.
func (mx *Matrix) Decode(f can.Frame) (msg *Message, ok bool) {
	tmpl, ok := mx.templates[f.ID]
	if !ok {
		return bare(f), false
	}
	msg = tmpl.Clone()
	msg.Timestamp = f.Timestamp
	if err := msg.SetData(f.Payload()); err != nil {
		mx.logger.Warn("failed to decode frame", "id", fmt.Sprintf("0x%03X", f.ID), "name", tmpl.Name, "error", err)
		return bare(f), false
	}
	return msg, true
}

func bare(f can.Frame) *Message {
	return &Message{
		ID:        f.ID,
		Length:    int(f.Length),
		IsFD:      f.IsFD,
		Data:      append([]byte(nil), f.Payload()...),
		Timestamp: f.Timestamp,
		index:     map[string]int{},
	}
}
