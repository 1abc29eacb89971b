package dbc

import (
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrSyntax marks a record that could not be parsed.
	ErrSyntax = errors.New("dbc syntax error")
	// ErrCommentScope marks a CM_ record without BU_/BO_/EV_/SG_ scope.
	ErrCommentScope = errors.New("comment without scope")
	// ErrUnknownMessage marks an attachment to a message ID that was never declared.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrUnknownSignal marks an attachment to a signal name that was never declared.
	ErrUnknownSignal = errors.New("unknown signal")
)

// Record keywords. The trailing blank is part of the keyword.
const (
	kwMessage       = "BO_ "
	kwSignal        = "SG_ "
	kwNode          = "BU_ "
	kwEnvVar        = "EV_ "
	kwComment       = "CM_ "
	kwGlobalComment = `CM_ "`
	kwAttrDef       = "BA_DEF_ "
	kwAttrDefRel    = "BA_DEF_REL_ "
	kwAttrDefault   = "BA_DEF_DEF_ "
	kwAttrDefRelDef = "BA_DEF_DEF_REL_ "
	kwAttr          = "BA_ "
	kwValues        = "VAL_ "
)

// Attribute names the data model understands.
const (
	attrCycleTimeFast   = "GenMsgCycleTimeFast"
	attrNrOfRepetition  = "GenMsgNrOfRepetition"
	attrDelayTime       = "GenMsgDelayTime"
	attrSendType        = "GenMsgSendType"
	attrCycleTime       = "GenMsgCycleTime"
	attrFrameFormat     = "VFrameFormat"
	attrNMMessage       = "NmMessage"
	attrNMAsrMessage    = "NmAsrMessage"
	attrDiagState       = "DiagState"
	attrDiagRequest     = "DiagRequest"
	attrDiagResponse    = "DiagResponse"
	attrStandardCANFD   = "StandardCAN_FD"
	attrSigStartValue   = "GenSigStartValue"
	attrModeTransmisson = "ModeTransmission"

	standardCAN = "StandardCAN"
	yes         = "Yes"
)

// periodAttrs is the French cycle-time attribute, also as it reads after a
// latin-1 file went through a GBK decoder.
var periodAttrs = map[string]bool{"Période": true, "P茅riode": true}

var (
	messageRe = regexp.MustCompile(`^BO_\s+(\d+)\s+([^\s:]+)\s*:\s*(\d+)\s+(\S+)`)
	signalRe  = regexp.MustCompile(`^SG_\s+(\S+)(?:\s+\S+)?\s*:\s*(\d+)\s*\|\s*(\d+)\s*@\s*(\S)\s*(\S)\s*\(\s*([^,)]+?)\s*,\s*([^)]+?)\s*\)\s*\[\s*([^|\]]+?)\s*\|\s*([^\]]+?)\s*\]\s*"([^"]*)"\s*(.*)$`)
	quotedRe  = regexp.MustCompile(`"([^"]*)"`)
	spaceRe   = regexp.MustCompile(`\s+`)
)

type attrKind int

const (
	attrInt attrKind = iota
	attrEnum
)

// attribute is a scoped BA_DEF_ entry.
type attribute struct {
	kind   attrKind
	rng    string
	labels []string
}

func (a attribute) label(name, value string) (string, error) {
	if a.kind != attrEnum {
		return "", errors.Wrapf(ErrSyntax, "attribute %q is not an ENUM", name)
	}
	idx, err := strconv.Atoi(value)
	if err != nil || idx < 0 || idx >= len(a.labels) {
		return "", errors.Wrapf(ErrSyntax, "attribute %q has no label at index %q", name, value)
	}
	return a.labels[idx], nil
}

// Parser turns DBC text into message records.
type Parser struct {
	logger *slog.Logger
}

// NewParser returns a parser logging to logger. A nil logger discards.
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Parser{logger: logger}
}

// Parse parses DBC text with a discarding logger.
func Parse(text string) ([]MessageRecord, error) {
	return NewParser(nil).Parse(text)
}

// ParseFile reads path with encoding fallback and parses it.
func ParseFile(path, charset string) ([]MessageRecord, error) {
	text, err := ReadFile(path, charset)
	if err != nil {
		return nil, err
	}
	records, err := Parse(text)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return records, nil
}

// ParseReader reads r with encoding fallback and parses it.
func ParseReader(r io.Reader, charset string) ([]MessageRecord, error) {
	text, err := ReadAll(r, charset)
	if err != nil {
		return nil, err
	}
	return Parse(text)
}

// parseState is the working set of a single Parse call.
type parseState struct {
	attrs    map[string]attribute
	messages []*MessageRecord
	current  *MessageRecord
}

// Parse folds the text into records, dispatches each one and filters the
// result. Any malformed record aborts the parse.
func (p *Parser) Parse(text string) ([]MessageRecord, error) {
	st := &parseState{attrs: make(map[string]attribute)}
	for _, rec := range fold(text) {
		if err := p.dispatch(st, rec); err != nil {
			return nil, err
		}
	}
	st.flush()
	p.logger.Debug("dbc parsed", "messages", len(st.messages), "attributes", len(st.attrs))
	return filterMessages(st.messages), nil
}

// fold joins continuation lines onto the record they belong to. Lines that
// follow a global comment (CM_ "...) are dropped until the next record.
func fold(text string) []string {
	var (
		records []string
		current strings.Builder
		adding  = true
	)
	flush := func() {
		if current.Len() != 0 {
			records = append(records, current.String())
			current.Reset()
		}
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.Contains(line, kwGlobalComment):
			adding = false
		case startsRecord(line):
			adding = true
			flush()
			current.WriteString(line)
		case adding && line != "":
			if current.Len() != 0 {
				current.WriteString(" ")
			}
			current.WriteString(line)
		}
	}
	flush()
	return records
}

func startsRecord(line string) bool {
	for _, kw := range []string{
		kwMessage, kwSignal, kwComment, kwAttrDef, kwAttrDefault,
		kwAttrDefRelDef, kwAttrDefRel, kwAttr, kwValues,
	} {
		if strings.Contains(line, kw) {
			return true
		}
	}
	return false
}

func (st *parseState) flush() {
	if st.current != nil {
		st.messages = append(st.messages, st.current)
		st.current = nil
	}
}

func (st *parseState) message(id uint32) (*MessageRecord, error) {
	for _, m := range st.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, errors.Wrapf(ErrUnknownMessage, "no message id [%d] found in messages", id)
}

func (st *parseState) signal(id uint32, name string) (*SignalRecord, error) {
	m, err := st.message(id)
	if err != nil {
		return nil, err
	}
	s, ok := m.Signal(name)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSignal, "no signal name [%s] found in message 0x%03X", name, id)
	}
	return s, nil
}

func (p *Parser) dispatch(st *parseState, rec string) error {
	switch {
	case strings.HasPrefix(rec, kwMessage):
		st.flush()
		m, err := parseMessage(rec)
		if err != nil {
			return err
		}
		st.current = m
	case strings.HasPrefix(rec, kwSignal):
		if st.current == nil {
			return errors.Wrapf(ErrSyntax, "signal outside of a message: %q", rec)
		}
		s, err := parseSignal(rec)
		if err != nil {
			return err
		}
		st.current.Signals = append(st.current.Signals, s)
	case strings.HasPrefix(rec, kwComment):
		st.flush()
		return st.setComment(rec)
	case strings.HasPrefix(rec, kwAttrDef):
		st.flush()
		st.defineAttribute(rec)
	case strings.HasPrefix(rec, kwAttrDefault):
		st.flush()
		return st.setDefault(rec)
	case strings.HasPrefix(rec, kwAttr):
		st.flush()
		return p.setAttribute(st, rec)
	case strings.HasPrefix(rec, kwValues):
		st.flush()
		return st.setValues(rec)
	}
	return nil
}

// body strips the keyword and the terminating semicolons.
func body(rec, kw string) string {
	rec = strings.TrimPrefix(rec, kw)
	return strings.TrimSpace(strings.ReplaceAll(rec, ";", ""))
}

func parseID(s string) (uint32, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrSyntax, "invalid message id %q", s)
	}
	return uint32(id), nil
}

// parseInt accepts integers and truncates decimal notation.
func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrSyntax, "invalid integer %q", s)
	}
	return int(f), nil
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, errors.Wrapf(ErrSyntax, "invalid number %q", s)
	}
	return v, nil
}

// parseMessage handles `BO_ 883 GW_373: 8 Vector__XXX`.
func parseMessage(rec string) (*MessageRecord, error) {
	m := messageRe.FindStringSubmatch(strings.TrimSpace(strings.ReplaceAll(rec, ";", "")))
	if m == nil {
		return nil, errors.Wrapf(ErrSyntax, "expected `BO_ id name: length sender`, got %q", rec)
	}
	id, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return nil, errors.Wrapf(ErrSyntax, "invalid message id %q", m[1])
	}
	length, err := strconv.Atoi(m[3])
	if err != nil {
		return nil, errors.Wrapf(ErrSyntax, "invalid message length %q", m[3])
	}
	return &MessageRecord{
		ID:      uint32(id),
		Name:    m[2],
		Length:  length,
		Sender:  m[4],
		Signals: []SignalRecord{},
	}, nil
}

// parseSignal handles
// `SG_ HU_LocTiY : 6|5@0+ (1,2019) [2019|2050] "year" TBox,CGW`.
func parseSignal(rec string) (SignalRecord, error) {
	m := signalRe.FindStringSubmatch(strings.TrimSpace(rec))
	if m == nil {
		return SignalRecord{}, errors.Wrapf(ErrSyntax,
			"expected `SG_ name : start|size@order sign (factor,offset) [min|max] \"unit\" receivers`, got %q", rec)
	}
	var (
		s   = SignalRecord{Name: m[1], Unit: m[10]}
		err error
	)
	if s.StartBit, err = strconv.Atoi(m[2]); err != nil {
		return s, errors.Wrapf(ErrSyntax, "invalid start bit %q", m[2])
	}
	if s.Size, err = strconv.Atoi(m[3]); err != nil {
		return s, errors.Wrapf(ErrSyntax, "invalid signal size %q", m[3])
	}
	s.Intel = m[4] == "1"
	s.IsSign = m[5] == "+"
	if s.Factor, err = parseFloat(m[6]); err != nil {
		return s, err
	}
	if s.Offset, err = parseFloat(m[7]); err != nil {
		return s, err
	}
	if s.Minimum, err = parseFloat(m[8]); err != nil {
		return s, err
	}
	if s.Maximum, err = parseFloat(m[9]); err != nil {
		return s, err
	}
	s.Receiver = receivers(m[11])
	return s, nil
}

// receivers keeps the comma separated receiver list and drops anything that
// was folded onto the end of the line.
func receivers(s string) string {
	fields := strings.Fields(strings.ReplaceAll(s, ";", ""))
	if len(fields) == 0 {
		return ""
	}
	out := fields[0]
	for _, f := range fields[1:] {
		if !strings.HasSuffix(out, ",") && !strings.HasPrefix(f, ",") {
			break
		}
		out += f
	}
	parts := strings.Split(out, ",")
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ",")
}

func hasScope(s string) bool {
	for _, kw := range []string{kwNode, kwMessage, kwEnvVar, kwSignal} {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// tokens splits on whitespace, keeping quoted strings together and
// dropping their quotes.
func tokens(s string) []string {
	var (
		out     []string
		current strings.Builder
		quoted  bool
		started bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			started = true
		case !quoted && (r == ' ' || r == '\t'):
			if started {
				out = append(out, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if started {
		out = append(out, current.String())
	}
	return out
}

func collapse(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// setComment handles `CM_ SG_ 643 Name "text";` and `CM_ BO_ 643 "text";`.
// Node and environment variable comments are accepted and ignored.
func (st *parseState) setComment(rec string) error {
	if !hasScope(rec) {
		return errors.Wrapf(ErrCommentScope, "not %s, %s, %s, %s found in content[%s]",
			strings.TrimSpace(kwNode), strings.TrimSpace(kwMessage), strings.TrimSpace(kwEnvVar), strings.TrimSpace(kwSignal), rec)
	}
	cm := body(rec, kwComment)
	switch {
	case strings.HasPrefix(cm, kwSignal):
		fields := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(cm, kwSignal)), " ", 3)
		if len(fields) < 3 {
			return errors.Wrapf(ErrSyntax, "expected `CM_ SG_ id signal \"comment\"`, got %q", rec)
		}
		id, err := parseID(fields[0])
		if err != nil {
			return err
		}
		sig, err := st.signal(id, fields[1])
		if err != nil {
			return err
		}
		sig.Comment = collapse(strings.ReplaceAll(fields[2], `"`, " "))
	case strings.HasPrefix(cm, kwMessage):
		fields := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(cm, kwMessage)), " ", 2)
		if len(fields) < 2 {
			return errors.Wrapf(ErrSyntax, "expected `CM_ BO_ id \"comment\"`, got %q", rec)
		}
		id, err := parseID(fields[0])
		if err != nil {
			return err
		}
		msg, err := st.message(id)
		if err != nil {
			return err
		}
		msg.Comment = collapse(strings.ReplaceAll(fields[1], `"`, " "))
	}
	return nil
}

// defineAttribute handles `BA_DEF_ BO_ "GenMsgSendType" ENUM "Cycle","Event";`.
// Unscoped definitions and STRING/FLOAT types are not needed by the model.
func (st *parseState) defineAttribute(rec string) {
	def := body(rec, kwAttrDef)
	if !hasScope(def) {
		return
	}
	fields := strings.Fields(def)
	if len(fields) < 3 {
		return
	}
	name := strings.Trim(fields[1], `"`)
	switch strings.ToUpper(fields[2]) {
	case "INT", "HEX":
		st.attrs[name] = attribute{kind: attrInt, rng: strings.Join(fields[3:], " ")}
	case "ENUM":
		// the first quoted string is the attribute name
		var labels []string
		for i, m := range quotedRe.FindAllStringSubmatch(def, -1) {
			if i > 0 {
				labels = append(labels, m[1])
			}
		}
		st.attrs[name] = attribute{kind: attrEnum, labels: labels}
	}
}

// setDefault handles `BA_DEF_DEF_ "GenMsgCycleTime" 100;` by applying the
// value to every message parsed so far.
func (st *parseState) setDefault(rec string) error {
	fields := tokens(body(rec, kwAttrDefault))
	if len(fields) != 2 {
		return nil
	}
	name, value := fields[0], fields[1]

	switch {
	case name == attrCycleTimeFast:
		v, err := parseInt(value)
		if err != nil {
			return err
		}
		for _, m := range st.messages {
			m.CycleTimeFast = v
		}
	case strings.EqualFold(name, attrFrameFormat):
		for _, m := range st.messages {
			m.IsStandardCAN = boolPtr(value == standardCAN)
		}
	case name == attrNrOfRepetition:
		v, err := parseInt(value)
		if err != nil {
			return err
		}
		for _, m := range st.messages {
			m.NrOfRepetition = v
		}
	case name == attrCycleTime:
		v, err := parseInt(value)
		if err != nil {
			return err
		}
		for _, m := range st.messages {
			m.CycleTime = v
		}
	case name == attrDelayTime:
		v, err := parseInt(value)
		if err != nil {
			return err
		}
		for _, m := range st.messages {
			m.DelayTime = v
		}
	case name == attrSendType:
		for _, m := range st.messages {
			m.SendType = value
		}
	case name == attrNMMessage:
		for _, m := range st.messages {
			m.NMMessage = value == yes
		}
	case name == attrDiagState:
		for _, m := range st.messages {
			m.DiagState = value == yes
		}
	case name == attrDiagRequest:
		for _, m := range st.messages {
			m.DiagRequest = value == yes
		}
	case name == attrDiagResponse:
		for _, m := range st.messages {
			m.DiagResponse = value == yes
		}
	case name == attrStandardCANFD:
		for _, m := range st.messages {
			m.IsStandardCAN = boolPtr(value != standardCAN)
		}
	case name == attrSigStartValue:
		v, err := parseInt(value)
		if err != nil {
			return err
		}
		for _, m := range st.messages {
			for i := range m.Signals {
				start := float64(v)
				m.Signals[i].StartValue = &start
			}
		}
	}
	return nil
}

// setAttribute handles `BA_ "GenMsgDelayTime" BO_ 1069 0;` and
// `BA_ "GenSigStartValue" SG_ 994 ESC_ReqTargetExternal 32256;`.
func (p *Parser) setAttribute(st *parseState, rec string) error {
	fields := strings.Fields(strings.ReplaceAll(body(rec, kwAttr), `"`, ""))
	if len(fields) < 2 {
		return nil
	}
	name := fields[0]
	switch fields[1] {
	case strings.TrimSpace(kwMessage):
		if len(fields) < 4 {
			return errors.Wrapf(ErrSyntax, "expected `BA_ name BO_ id value`, got %q", rec)
		}
		id, err := parseID(fields[2])
		if err != nil {
			return err
		}
		msg, err := st.message(id)
		if err != nil {
			return err
		}
		return st.setMessageAttribute(msg, name, fields[3])
	case strings.TrimSpace(kwSignal):
		if len(fields) < 5 {
			return errors.Wrapf(ErrSyntax, "expected `BA_ name SG_ id signal value`, got %q", rec)
		}
		id, err := parseID(fields[2])
		if err != nil {
			return err
		}
		sig, err := st.signal(id, fields[3])
		if err != nil {
			return err
		}
		if strings.EqualFold(name, attrSigStartValue) {
			v, err := parseFloat(fields[4])
			if err != nil {
				return err
			}
			if !strings.Contains(fields[4], ".") {
				v = float64(int64(v))
			}
			sig.StartValue = &v
		}
	default:
		p.logger.Debug("attribute scope not handled", "record", rec)
	}
	return nil
}

func (st *parseState) enumLabel(name, value string) (string, error) {
	attr, ok := st.attrs[name]
	if !ok {
		return "", errors.Wrapf(ErrSyntax, "attribute %q used before its BA_DEF_", name)
	}
	return attr.label(name, value)
}

func (st *parseState) enumYes(name, value string) (bool, error) {
	label, err := st.enumLabel(name, value)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(label, yes), nil
}

func (st *parseState) setMessageAttribute(msg *MessageRecord, name, value string) error {
	var err error
	switch {
	case name == attrCycleTimeFast:
		msg.CycleTimeFast, err = parseInt(value)
	case name == attrNrOfRepetition:
		msg.NrOfRepetition, err = parseInt(value)
	case name == attrDelayTime:
		msg.DelayTime, err = parseInt(value)
	case name == attrSendType:
		msg.SendType, err = st.enumLabel(name, value)
	case name == attrCycleTime:
		msg.CycleTime, err = parseInt(value)
	case name == attrNMMessage || name == attrNMAsrMessage:
		msg.NMMessage, err = st.enumYes(name, value)
	case name == attrDiagState:
		msg.DiagState, err = st.enumYes(name, value)
	case name == attrDiagRequest:
		msg.DiagRequest, err = st.enumYes(name, value)
	case name == attrDiagResponse:
		msg.DiagResponse, err = st.enumYes(name, value)
	case name == attrFrameFormat:
		format := value
		if attr, ok := st.attrs[name]; ok && attr.kind == attrEnum {
			if label, lerr := attr.label(name, value); lerr == nil {
				format = label
			}
		}
		msg.IsStandardCAN = boolPtr(strings.EqualFold(format, standardCAN))
	case name == attrModeTransmisson:
		// PSA matrices carry the send type in their own enum.
		var mode string
		if mode, err = st.enumLabel(name, value); err == nil {
			switch mode {
			case "P":
				msg.SendType = "Cycle"
			case "E":
				msg.SendType = "Event"
			case "P+E":
				msg.SendType = "CE"
			}
		}
	case periodAttrs[name]:
		msg.CycleTime, err = parseInt(value)
	}
	return err
}

// setValues handles `VAL_ 1069 BCU_BalnFlg 1 "Balance Closed" 0 "Balance Open" ;`.
func (st *parseState) setValues(rec string) error {
	val := body(rec, kwValues)
	fields := strings.SplitN(val, " ", 3)
	if len(fields) < 2 {
		return errors.Wrapf(ErrSyntax, "expected `VAL_ id signal value \"label\" ...`, got %q", rec)
	}
	id, err := parseID(fields[0])
	if err != nil {
		return err
	}
	name := strings.TrimSpace(fields[1])
	values := make(map[string]string)
	if len(fields) == 3 {
		rest := fields[2]
		for strings.TrimSpace(rest) != "" {
			open := strings.Index(rest, `"`)
			if open < 0 {
				break
			}
			key := strings.TrimSpace(rest[:open])
			rest = rest[open+1:]
			end := strings.Index(rest, `"`)
			if end < 0 {
				return errors.Wrapf(ErrSyntax, "unterminated label in %q", rec)
			}
			values[key] = collapse(rest[:end])
			rest = rest[end+1:]
		}
	}
	sig, err := st.signal(id, name)
	if err != nil {
		return err
	}
	sig.Values = values
	return nil
}

// filterMessages drops extended IDs and fills the fields the data model
// expects on every record.
func filterMessages(messages []*MessageRecord) []MessageRecord {
	out := make([]MessageRecord, 0, len(messages))
	for _, m := range messages {
		if m.ID > 0x7FF {
			continue
		}
		if m.IsStandardCAN == nil {
			m.IsStandardCAN = boolPtr(false)
		}
		if m.Signals == nil {
			m.Signals = []SignalRecord{}
		}
		out = append(out, *m)
	}
	return out
}

func boolPtr(b bool) *bool {
	return &b
}
