package dbc

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"go.einride.tech/can/pkg/descriptor"
)

// Compile turns message records into can-go descriptors so frames can be
// decoded by an independent implementation.
//
// ref: https://github.com/einride/can-go/internal/generate/compile.go
func Compile(records []MessageRecord) *descriptor.Database {
	db := &descriptor.Database{}
	nodes := make(map[string]bool)
	for _, rec := range records {
		message := &descriptor.Message{
			Name:        rec.Name,
			ID:          rec.ID,
			Length:      uint8(rec.Length),
			SenderNode:  rec.Sender,
			Description: rec.Comment,
			CycleTime:   time.Duration(rec.CycleTime) * time.Millisecond,
			DelayTime:   time.Duration(rec.DelayTime) * time.Millisecond,
		}
		if rec.SendType != "" {
			// can-go only knows a subset of send types; anything else stays unset
			_ = message.SendType.UnmarshalString(rec.SendType)
		}
		nodes[rec.Sender] = true
		for _, s := range rec.Signals {
			signal := &descriptor.Signal{
				Name:        s.Name,
				IsBigEndian: !s.Intel,
				IsSigned:    !s.IsSign,
				Start:       uint8(s.StartBit),
				Length:      uint8(s.Size),
				Scale:       s.Factor,
				Offset:      s.Offset,
				Min:         s.Minimum,
				Max:         s.Maximum,
				Unit:        s.Unit,
				Description: s.Comment,
			}
			if s.StartValue != nil {
				signal.DefaultValue = int(*s.StartValue)
			}
			for _, receiver := range strings.Split(s.Receiver, ",") {
				if receiver = strings.TrimSpace(receiver); receiver != "" {
					signal.ReceiverNodes = append(signal.ReceiverNodes, receiver)
					nodes[receiver] = true
				}
			}
			for key, label := range s.Values {
				value, err := strconv.ParseInt(key, 10, 64)
				if err != nil {
					continue
				}
				signal.ValueDescriptions = append(signal.ValueDescriptions, &descriptor.ValueDescription{
					Description: label,
					Value:       value,
				})
			}
			message.Signals = append(message.Signals, signal)
		}
		db.Messages = append(db.Messages, message)
	}
	for name := range nodes {
		if name != "" {
			db.Nodes = append(db.Nodes, &descriptor.Node{Name: name})
		}
	}
	sortDescriptors(db)
	return db
}

func sortDescriptors(db *descriptor.Database) {
	sort.Slice(db.Nodes, func(i, j int) bool {
		return db.Nodes[i].Name < db.Nodes[j].Name
	})
	sort.Slice(db.Messages, func(i, j int) bool {
		return db.Messages[i].ID < db.Messages[j].ID
	})
	for _, m := range db.Messages {
		sort.SliceStable(m.Signals, func(j, k int) bool {
			return m.Signals[j].Start < m.Signals[k].Start
		})
		for _, s := range m.Signals {
			sort.Slice(s.ValueDescriptions, func(k, l int) bool {
				return s.ValueDescriptions[k].Value < s.ValueDescriptions[l].Value
			})
		}
	}
}
