package can

import (
	"fmt"
	"math"
)

// bitsPerByte is the per-chunk unit for both byte orders, classic and FD.
const bitsPerByte = 8

// chunk is the part of a signal that lives in one byte.
type chunk struct {
	index int    // byte index in the payload
	shift uint   // position of the chunk's lowest bit inside the byte
	width uint   // number of bits
	value uint64 // chunk bits, right aligned
}

// layout splits a signal into per-byte chunks. The first chunk takes the room
// left in the start byte, then whole bytes follow, then the remainder.
//
// Intel signals start at startBit and grow towards higher bits and bytes, the
// low part of the value first. Motorola signals have their MSB at startBit and
// grow downwards inside the byte, continuing at bit 7 of the next byte.
func layout(startBit int, intel bool, value uint64, bitLength int) []chunk {
	index := startBit / bitsPerByte
	pos := startBit % bitsPerByte
	length := uint(bitLength)
	value &= mask(length)

	if intel {
		room := uint(bitsPerByte - pos)
		if length <= room {
			return []chunk{{index: index, shift: uint(pos), width: length, value: value}}
		}
		chunks := []chunk{{index: index, shift: uint(pos), width: room, value: value & mask(room)}}
		value >>= room
		for rest := length - room; rest > 0; {
			width := min(rest, bitsPerByte)
			index++
			chunks = append(chunks, chunk{index: index, shift: 0, width: width, value: value & mask(width)})
			value >>= width
			rest -= width
		}
		return chunks
	}

	room := uint(pos + 1)
	if length <= room {
		return []chunk{{index: index, shift: room - length, width: length, value: value}}
	}
	rest := length - room
	chunks := []chunk{{index: index, shift: 0, width: room, value: (value >> rest) & mask(room)}}
	for rest > 0 {
		width := min(rest, bitsPerByte)
		rest -= width
		index++
		chunks = append(chunks, chunk{index: index, shift: bitsPerByte - width, width: width, value: (value >> rest) & mask(width)})
	}
	return chunks
}

// Fits reports whether a field lies inside the first byteLength bytes.
func Fits(startBit int, intel bool, bitLength, byteLength int) bool {
	if startBit < 0 || bitLength <= 0 || bitLength > 64 {
		return false
	}
	chunks := layout(startBit, intel, 0, bitLength)
	return chunks[len(chunks)-1].index < byteLength
}

// MaxRaw is the largest value a bitLength wide field can hold.
func MaxRaw(bitLength int) uint64 {
	if bitLength <= 0 {
		return 0
	}
	return mask(uint(bitLength))
}

func mask(width uint) uint64 {
	if width >= 64 {
		return math.MaxUint64
	}
	return (uint64(1) << width) - 1
}

// SetData writes value as a bitLength wide unsigned field into data. Bits
// outside the field are preserved. Only data[:byteLength] is addressed; a
// field that does not fit panics with an index error.
func SetData(data []byte, startBit int, intel bool, value uint64, bitLength, byteLength int) {
	buf := data[:byteLength]
	for _, c := range layout(startBit, intel, value, bitLength) {
		m := byte(mask(c.width) << c.shift)
		buf[c.index] = buf[c.index]&^m | byte(c.value<<c.shift)&m
	}
}

// GetData reads a bitLength wide unsigned field from data.
func GetData(data []byte, startBit int, intel bool, bitLength, byteLength int) uint64 {
	buf := data[:byteLength]
	var value uint64
	chunks := layout(startBit, intel, 0, bitLength)
	if intel {
		var offset uint
		for _, c := range chunks {
			part := uint64(buf[c.index]>>c.shift) & mask(c.width)
			value |= part << offset
			offset += c.width
		}
		return value
	}
	for _, c := range chunks {
		part := uint64(buf[c.index]>>c.shift) & mask(c.width)
		value = value<<c.width | part
	}
	return value
}

// ToSigned reinterprets a raw field as two's complement.
func ToSigned(raw uint64, bitLength int) int64 {
	if bitLength <= 0 || bitLength >= 64 {
		return int64(raw)
	}
	signBit := uint64(1) << (bitLength - 1)
	if raw&signBit != 0 {
		return int64(raw | ^mask(uint(bitLength)))
	}
	return int64(raw)
}

// ValidatePhysicalValue checks if the physical value is within the specified
// range. A zero range disables the check.
func ValidatePhysicalValue(value, min, max float64) bool {
	if min == 0 && max == 0 {
		return true
	}
	const epsilon = 1e-9
	return value >= (min-epsilon) && value <= (max+epsilon)
}

// FormatSignalValue formats a signal value with its unit
func FormatSignalValue(value float64, unit string) string {
	formatted := ""
	absValue := math.Abs(value)

	if absValue == 0 {
		formatted = "0"
	} else if absValue >= 1000 || absValue < 0.01 {
		formatted = fmt.Sprintf("%.3e", value)
	} else if absValue >= 100 {
		formatted = fmt.Sprintf("%.1f", value)
	} else if absValue >= 10 {
		formatted = fmt.Sprintf("%.2f", value)
	} else {
		formatted = fmt.Sprintf("%.3f", value)
	}

	if unit != "" {
		return fmt.Sprintf("%s %s", formatted, unit)
	}
	return formatted
}
