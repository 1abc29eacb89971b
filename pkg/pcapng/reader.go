package pcapng

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/BIwashi/cansim/pkg/can"
)

// LinkTypeCAN is LINKTYPE_CAN_SOCKETCAN. ref: https://www.tcpdump.org/linktypes.html
const LinkTypeCAN layers.LinkType = 227

const (
	idFlagExtended = 0x80000000
	idFlagRemote   = 0x40000000
	idFlagError    = 0x20000000
	idMaskExtended = 0x1fffffff
	idMaskStandard = 0x7ff

	// header of struct can_frame / canfd_frame: id(4) len(1) flags(1) res(2)
	headerLength = 8
	classicMTU   = headerLength + can.ClassicLength
	fdMTU        = headerLength + can.FDLength
	fdFlag       = 0x04
)

var errErrorFrame = errors.New("error frame")

// Reader reads CAN frames from a PCAPNG capture.
type Reader struct {
	reader      *pcapgo.NgReader
	linkType    layers.LinkType
	packetCount uint64
}

// NewReader creates a new PCAPNG reader
func NewReader(r io.Reader) (*Reader, error) {
	ngReader, err := pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pcapng reader")
	}
	linkType := ngReader.LinkType()
	switch linkType {
	case layers.LinkTypeLinuxSLL, LinkTypeCAN:
	default:
		return nil, errors.Newf("unsupported link type: %v", linkType)
	}
	return &Reader{
		reader:   ngReader,
		linkType: linkType,
	}, nil
}

// ReadFrame returns the next CAN frame, skipping packets that do not hold
// one. It returns io.EOF at the end of the capture.
func (r *Reader) ReadFrame() (can.Frame, error) {
	for {
		data, ci, err := r.reader.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return can.Frame{}, io.EOF
			}
			return can.Frame{}, errors.Wrap(err, "failed to read packet data")
		}
		r.packetCount++

		f, err := r.extractFrame(data, ci)
		if err != nil {
			continue
		}
		return f, nil
	}
}

func (r *Reader) extractFrame(data []byte, ci gopacket.CaptureInfo) (can.Frame, error) {
	// SocketCAN captures store the ID in network order; cooked captures keep
	// the host order of the capturing machine.
	var order binary.ByteOrder = binary.BigEndian
	payload := data
	if r.linkType == layers.LinkTypeLinuxSLL {
		order = binary.LittleEndian
		packet := gopacket.NewPacket(data, r.linkType, gopacket.Default)
		if sll, ok := packet.Layer(layers.LayerTypeLinuxSLL).(*layers.LinuxSLL); ok {
			payload = sll.Payload
		}
	}
	f, err := decodeFrame(payload, order)
	if err != nil {
		return can.Frame{}, err
	}
	f.Timestamp = ci.Timestamp
	return f, nil
}

func decodeFrame(data []byte, order binary.ByteOrder) (can.Frame, error) {
	if len(data) < headerLength {
		return can.Frame{}, errors.Newf("data too short for CAN frame: %d", len(data))
	}
	raw := order.Uint32(data[0:4])
	if raw&idFlagError != 0 {
		return can.Frame{}, errErrorFrame
	}
	f := can.Frame{
		IsExtended: raw&idFlagExtended != 0,
		IsRemote:   raw&idFlagRemote != 0,
		IsFD:       len(data) >= fdMTU || data[5]&fdFlag != 0,
	}
	if f.IsExtended {
		f.ID = raw & idMaskExtended
	} else {
		f.ID = raw & idMaskStandard
	}
	n := int(data[4])
	limit := can.ClassicLength
	if f.IsFD {
		limit = can.FDLength
	}
	n = min(n, limit, len(data)-headerLength)
	f.Length = uint8(n)
	copy(f.Data[:], data[headerLength:headerLength+n])
	return f, nil
}

// PacketCount is the number of packets read so far, CAN or not.
func (r *Reader) PacketCount() uint64 {
	return r.packetCount
}
