package dbc

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	cdbc "go.einride.tech/can/pkg/dbc"
)

// ParseCanGo parses DBC text with the can-go (go.einride.tech/can) parser and
// maps the result onto message records, so both parsers can be compared on the
// same input. Only the fields can-go models are filled.
func ParseCanGo(name string, data []byte) ([]MessageRecord, error) {
	parser := cdbc.NewParser(name, data)
	if err := parser.Parse(); err != nil {
		return nil, errors.Wrap(err, "parse dbc (can-go)")
	}
	defs := parser.Defs()

	var (
		messages []*MessageRecord
		byID     = make(map[uint32]*MessageRecord)
		enums    = make(map[string][]string)
	)
	for _, def := range defs {
		switch d := def.(type) {
		case *cdbc.MessageDef:
			if d.MessageID == cdbc.IndependentSignalsMessageID || d.MessageID.IsExtended() {
				continue
			}
			msg := &MessageRecord{
				ID:      d.MessageID.ToCAN(),
				Name:    string(d.Name),
				Length:  int(d.Size),
				Sender:  string(d.Transmitter),
				Signals: []SignalRecord{},
			}
			for _, s := range d.Signals {
				receivers := make([]string, 0, len(s.Receivers))
				for _, r := range s.Receivers {
					receivers = append(receivers, string(r))
				}
				msg.Signals = append(msg.Signals, SignalRecord{
					Name:     string(s.Name),
					Size:     int(s.Size),
					StartBit: int(s.StartBit),
					// can-go reports the signedness; the record keeps the '+' flag.
					IsSign:   !s.IsSigned,
					Intel:    !s.IsBigEndian,
					Factor:   s.Factor,
					Offset:   s.Offset,
					Minimum:  s.Minimum,
					Maximum:  s.Maximum,
					Unit:     s.Unit,
					Receiver: strings.Join(receivers, ","),
				})
			}
			messages = append(messages, msg)
			byID[msg.ID] = msg
		case *cdbc.AttributeDef:
			if len(d.EnumValues) > 0 {
				enums[string(d.Name)] = d.EnumValues
			}
		}
	}

	for _, def := range defs {
		switch d := def.(type) {
		case *cdbc.CommentDef:
			msg, ok := byID[d.MessageID.ToCAN()]
			if !ok {
				continue
			}
			switch d.ObjectType {
			case cdbc.ObjectTypeMessage:
				msg.Comment = collapse(d.Comment)
			case cdbc.ObjectTypeSignal:
				if sig, ok := msg.Signal(string(d.SignalName)); ok {
					sig.Comment = collapse(d.Comment)
				}
			}
		case *cdbc.ValueDescriptionsDef:
			if d.ObjectType != cdbc.ObjectTypeSignal {
				continue
			}
			msg, ok := byID[d.MessageID.ToCAN()]
			if !ok {
				continue
			}
			sig, ok := msg.Signal(string(d.SignalName))
			if !ok {
				continue
			}
			sig.Values = make(map[string]string, len(d.ValueDescriptions))
			for _, vd := range d.ValueDescriptions {
				sig.Values[strconv.FormatInt(int64(vd.Value), 10)] = vd.Description
			}
		case *cdbc.AttributeValueForObjectDef:
			msg, ok := byID[d.MessageID.ToCAN()]
			if !ok {
				continue
			}
			switch d.ObjectType {
			case cdbc.ObjectTypeMessage:
				applyCanGoMessageAttribute(msg, d, enums)
			case cdbc.ObjectTypeSignal:
				if string(d.AttributeName) != attrSigStartValue {
					continue
				}
				if sig, ok := msg.Signal(string(d.SignalName)); ok {
					v := float64(d.IntValue)
					if d.FloatValue != 0 {
						v = d.FloatValue
					}
					sig.StartValue = &v
				}
			}
		}
	}
	return filterMessages(messages), nil
}

func applyCanGoMessageAttribute(msg *MessageRecord, d *cdbc.AttributeValueForObjectDef, enums map[string][]string) {
	name := string(d.AttributeName)
	switch name {
	case attrCycleTime:
		msg.CycleTime = int(d.IntValue)
	case attrDelayTime:
		msg.DelayTime = int(d.IntValue)
	case attrCycleTimeFast:
		msg.CycleTimeFast = int(d.IntValue)
	case attrNrOfRepetition:
		msg.NrOfRepetition = int(d.IntValue)
	case attrSendType:
		msg.SendType = d.StringValue
		if labels := enums[name]; msg.SendType == "" && d.IntValue >= 0 && int(d.IntValue) < len(labels) {
			msg.SendType = labels[d.IntValue]
		}
	}
}
