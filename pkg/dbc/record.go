package dbc

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageRecord is one parsed BO_ block together with the attributes that were
// attached to it. It is also the on-disk shape of the JSON/YAML message
// definition format.
type MessageRecord struct {
	ID             uint32         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Length         int            `json:"length" yaml:"length"`
	Sender         string         `json:"sender" yaml:"sender"`
	SendType       string         `json:"msg_send_type" yaml:"msg_send_type"`
	Signals        []SignalRecord `json:"signals" yaml:"signals"`
	DiagRequest    bool           `json:"diag_request" yaml:"diag_request"`
	DiagResponse   bool           `json:"diag_response" yaml:"diag_response"`
	DiagState      bool           `json:"diag_state" yaml:"diag_state"`
	NMMessage      bool           `json:"nm_message" yaml:"nm_message"`
	IsStandardCAN  *bool          `json:"is_standard_can,omitempty" yaml:"is_standard_can,omitempty"`
	IsCANFD        bool           `json:"is_can_fd" yaml:"is_can_fd"`
	CycleTime      int            `json:"msg_cycle_time" yaml:"msg_cycle_time"`
	DelayTime      int            `json:"msg_delay_time" yaml:"msg_delay_time"`
	CycleTimeFast  int            `json:"msg_cycle_time_fast" yaml:"msg_cycle_time_fast"`
	NrOfRepetition int            `json:"gen_msg_nr_of_repetition" yaml:"gen_msg_nr_of_repetition"`
	Comment        string         `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// SignalRecord is one SG_ line.
//
// IsSign follows the DBC value-type character: '+' sets it. That character
// marks an *unsigned* signal, so IsSign == true means unsigned. The name is
// kept for compatibility with existing definition files.
type SignalRecord struct {
	Name       string            `json:"name" yaml:"name"`
	Size       int               `json:"signal_size" yaml:"signal_size"`
	StartBit   int               `json:"start_bit" yaml:"start_bit"`
	IsSign     bool              `json:"is_sign" yaml:"is_sign"`
	Intel      bool              `json:"byte_type" yaml:"byte_type"`
	Factor     float64           `json:"factor" yaml:"factor"`
	Offset     float64           `json:"offset" yaml:"offset"`
	Minimum    float64           `json:"minimum" yaml:"minimum"`
	Maximum    float64           `json:"maximum" yaml:"maximum"`
	Unit       string            `json:"unit" yaml:"unit"`
	Receiver   string            `json:"receiver" yaml:"receiver"`
	StartValue *float64          `json:"start_value,omitempty" yaml:"start_value,omitempty"`
	Values     map[string]string `json:"values,omitempty" yaml:"values,omitempty"`
	Comment    string            `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// Signal returns the signal record with the given name.
func (m *MessageRecord) Signal(name string) (*SignalRecord, bool) {
	for i := range m.Signals {
		if m.Signals[i].Name == name {
			return &m.Signals[i], true
		}
	}
	return nil, false
}

// ReadJSON decodes a list of message records.
func ReadJSON(r io.Reader) ([]MessageRecord, error) {
	var records []MessageRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, errors.Wrap(err, "decode message definitions")
	}
	return records, nil
}

// WriteJSON encodes records with a four space indent.
func WriteJSON(w io.Writer, records []MessageRecord) error {
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return errors.Wrap(err, "encode message definitions")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "write message definitions")
	}
	return nil
}

// ReadYAML decodes a list of message records.
func ReadYAML(r io.Reader) ([]MessageRecord, error) {
	var records []MessageRecord
	if err := yaml.NewDecoder(r).Decode(&records); err != nil {
		return nil, errors.Wrap(err, "decode message definitions")
	}
	return records, nil
}

// WriteYAML encodes records as a YAML sequence.
func WriteYAML(w io.Writer, records []MessageRecord) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(records); err != nil {
		return errors.Wrap(err, "encode message definitions")
	}
	return errors.Wrap(enc.Close(), "flush message definitions")
}

// LoadRecords reads message definitions from a .dbc, .json, .yaml or .yml
// file. encoding only applies to DBC files.
func LoadRecords(path, encoding string) ([]MessageRecord, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".dbc":
		return ParseFile(path, encoding)
	case ".json":
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "open message definitions")
		}
		defer f.Close()
		return ReadJSON(f)
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "open message definitions")
		}
		defer f.Close()
		return ReadYAML(f)
	default:
		return nil, errors.Newf("messages only support dbc, json or yaml files, got %q", path)
	}
}
