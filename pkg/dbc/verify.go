package dbc

import (
	"fmt"
	"sort"
)

// Mismatch is one difference between two parses of the same DBC.
type Mismatch struct {
	ID     uint32
	Signal string
	Field  string
	Ours   any
	Theirs any
}

func (m Mismatch) String() string {
	if m.Signal == "" {
		return fmt.Sprintf("0x%03X %s: %v != %v", m.ID, m.Field, m.Ours, m.Theirs)
	}
	return fmt.Sprintf("0x%03X %s.%s: %v != %v", m.ID, m.Signal, m.Field, m.Ours, m.Theirs)
}

// Verify compares message layout between two record sets, ordered by ID.
func Verify(ours, theirs []MessageRecord) []Mismatch {
	index := func(records []MessageRecord) map[uint32]*MessageRecord {
		out := make(map[uint32]*MessageRecord, len(records))
		for i := range records {
			out[records[i].ID] = &records[i]
		}
		return out
	}
	a, b := index(ours), index(theirs)

	ids := make([]uint32, 0, len(a)+len(b))
	for id := range a {
		ids = append(ids, id)
	}
	for id := range b {
		if _, ok := a[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []Mismatch
	add := func(id uint32, sig, field string, x, y any) {
		if x != y {
			out = append(out, Mismatch{ID: id, Signal: sig, Field: field, Ours: x, Theirs: y})
		}
	}
	for _, id := range ids {
		m, n := a[id], b[id]
		if m == nil || n == nil {
			add(id, "", "present", m != nil, n != nil)
			continue
		}
		add(id, "", "name", m.Name, n.Name)
		add(id, "", "length", m.Length, n.Length)
		add(id, "", "sender", m.Sender, n.Sender)
		add(id, "", "signals", len(m.Signals), len(n.Signals))
		for _, s := range m.Signals {
			t, ok := n.Signal(s.Name)
			if !ok {
				add(id, s.Name, "present", true, false)
				continue
			}
			add(id, s.Name, "start_bit", s.StartBit, t.StartBit)
			add(id, s.Name, "signal_size", s.Size, t.Size)
			add(id, s.Name, "byte_type", s.Intel, t.Intel)
			add(id, s.Name, "is_sign", s.IsSign, t.IsSign)
			add(id, s.Name, "factor", s.Factor, t.Factor)
			add(id, s.Name, "offset", s.Offset, t.Offset)
		}
	}
	return out
}
