// Package frame decodes wireless M-Bus link layer frames.
//
// A frame is accepted in format A (block CRCs, L excludes CRCs), format B
// (L includes CRCs) or, when configured, with the CRCs already removed by
// the receiver. The
// decoder verifies every block checksum, parses the data link header and the
// transport layer header and exposes the remaining application payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTruncated        = errors.New("frame truncated")
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
	ErrMalformed        = errors.New("frame malformed")
)

// Format identifies the link layer framing of a received telegram.
type Format uint8

const (
	FormatAuto Format = iota
	FormatA
	FormatB
	// FormatNone is a frame whose CRCs were stripped by the receiver.
	FormatNone
)

func (f Format) String() string {
	switch f {
	case FormatA:
		return "A"
	case FormatB:
		return "B"
	case FormatNone:
		return "none"
	default:
		return "auto"
	}
}

const (
	syncByte      = 0x54
	syncFormatA   = 0xCD
	syncFormatB   = 0x3D
	dllHeaderSize = 10 // L C M M A A A A A A
)

// Address is the M-Bus device address: manufacturer, id, version and type.
type Address struct {
	Manufacturer uint16
	ID           [4]byte
	Version      byte
	DeviceType   byte
}

// MeterID renders the BCD id the way it is printed on the meter.
func (a Address) MeterID() string {
	return fmt.Sprintf("%02X%02X%02X%02X", a.ID[3], a.ID[2], a.ID[1], a.ID[0])
}

// ManufacturerCode returns the three letter FLAG code.
func (a Address) ManufacturerCode() string {
	return DecodeManufacturer(a.Manufacturer)
}

// Bytes returns the address in transmission order, as used for the AES IV.
func (a Address) Bytes() [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint16(b[0:2], a.Manufacturer)
	copy(b[2:6], a.ID[:])
	b[6] = a.Version
	b[7] = a.DeviceType
	return b
}

// Frame is one decoded wM-Bus telegram.
type Frame struct {
	Raw     []byte
	Format  Format
	Length  byte
	Control byte
	Address Address
	ELL     *ELL
	TPL     TPL
	// Payload is the application layer after the transport header. It may
	// still be encrypted or compressed.
	Payload []byte
}

// MeterID is the id of the metering device. Repeated telegrams carry the
// meter address in the long transport header.
func (f *Frame) MeterID() string {
	if f.TPL.Address != nil {
		return f.TPL.Address.MeterID()
	}
	return f.Address.MeterID()
}

// MeterAddress returns the address used for decryption.
func (f *Frame) MeterAddress() Address {
	if f.TPL.Address != nil {
		return *f.TPL.Address
	}
	return f.Address
}

// Type names the link layer function of the control field.
func (f *Frame) Type() string {
	switch f.Control & 0x4F {
	case 0x44:
		return "SND_NR"
	case 0x46:
		return "SND_IR"
	case 0x47:
		return "ACC_NR"
	case 0x48:
		return "ACC_DMD"
	case 0x08:
		return "RSP_UD"
	case 0x40:
		return "SND_NKE"
	case 0x53, 0x73:
		return "SND_UD"
	default:
		return fmt.Sprintf("C_%02X", f.Control)
	}
}

// Decoder decodes frames of a fixed or auto detected format.
type Decoder struct {
	Format Format
}

// Decode parses raw with automatic format detection.
func Decode(raw []byte) (*Frame, error) {
	return Decoder{}.Decode(raw)
}

// Decode validates and parses a single frame.
func (d Decoder) Decode(raw []byte) (*Frame, error) {
	format := d.Format
	data := raw
	if len(data) >= 2 && data[0] == syncByte {
		switch data[1] {
		case syncFormatA:
			format, data = FormatA, data[2:]
		case syncFormatB:
			format, data = FormatB, data[2:]
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrTruncated)
	}

	l := int(data[0])
	if l < dllHeaderSize {
		return nil, fmt.Errorf("%w: length field %d too small", ErrMalformed, l)
	}

	if format == FormatAuto {
		format = detectFormat(data, l)
	}

	var (
		body []byte
		err  error
	)
	switch format {
	case FormatA:
		body, err = stripFormatA(data, l)
	case FormatB:
		body, err = stripFormatB(data, l)
	case FormatNone:
		if len(data) < l+1 {
			err = fmt.Errorf("%w: have %d bytes, length field says %d", ErrTruncated, len(data), l+1)
		} else {
			body = data[:l+1]
		}
	default:
		err = fmt.Errorf("%w: unknown format %d", ErrMalformed, format)
	}
	if err != nil {
		return nil, err
	}
	if len(body) < dllHeaderSize+1 {
		return nil, fmt.Errorf("%w: no CI field", ErrTruncated)
	}

	f := &Frame{
		Raw:     raw,
		Format:  format,
		Length:  byte(l),
		Control: body[1],
		Address: parseAddress(body[2:dllHeaderSize]),
	}
	if err := parseTransport(f, body[dllHeaderSize:]); err != nil {
		return nil, err
	}
	return f, nil
}

// detectFormat picks the framing from the amount of received data. Anything
// shorter than a format A frame is checked as format B. Frames with stripped
// CRCs are never detected and need FormatNone.
func detectFormat(data []byte, l int) Format {
	if len(data) >= formatALength(l) {
		return FormatA
	}
	return FormatB
}

// ParseFormat reads a configured framing: auto, a, b or none.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "a":
		return FormatA, nil
	case "b":
		return FormatB, nil
	case "none":
		return FormatNone, nil
	}
	return FormatAuto, fmt.Errorf("unknown frame format %q", s)
}

func parseAddress(b []byte) Address {
	var a Address
	a.Manufacturer = binary.LittleEndian.Uint16(b[0:2])
	copy(a.ID[:], b[2:6])
	a.Version = b[6]
	a.DeviceType = b[7]
	return a
}

// DecodeManufacturer converts the 15 bit manufacturer field to its letters.
func DecodeManufacturer(m uint16) string {
	return string([]byte{
		byte((m>>10)&0x1F) + 64,
		byte((m>>5)&0x1F) + 64,
		byte(m&0x1F) + 64,
	})
}

// EncodeManufacturer converts a three letter code to the manufacturer field.
func EncodeManufacturer(code string) (uint16, error) {
	code = strings.ToUpper(code)
	if len(code) != 3 {
		return 0, fmt.Errorf("manufacturer code %q must have 3 letters", code)
	}
	var m uint16
	for i := 0; i < 3; i++ {
		c := code[i]
		if c < 'A' || c > 'Z' {
			return 0, fmt.Errorf("manufacturer code %q must be A-Z", code)
		}
		m = m<<5 | uint16(c-64)
	}
	return m, nil
}
