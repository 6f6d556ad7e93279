package frame

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Header holds the link layer fields used to build a frame.
type Header struct {
	Control      byte
	Manufacturer string
	ID           string
	Version      byte
	DeviceType   byte
}

// ParseMeterID converts an 8 digit meter id to its transmission order.
func ParseMeterID(id string) ([4]byte, error) {
	var out [4]byte
	if len(id) != 8 {
		return out, fmt.Errorf("meter id %q must have 8 digits", id)
	}
	b, err := hex.DecodeString(id)
	if err != nil {
		return out, fmt.Errorf("meter id %q: %w", id, err)
	}
	for i := range out {
		out[i] = b[3-i]
	}
	return out, nil
}

// ShortTPL returns a short transport header.
func ShortTPL(access, status byte, config uint16) []byte {
	b := []byte{CIShortHeader, access, status, 0, 0}
	binary.LittleEndian.PutUint16(b[3:], config)
	return b
}

// LongTPL returns a long transport header for the given meter address.
func LongTPL(a Address, access, status byte, config uint16) []byte {
	b := make([]byte, 0, 13)
	b = append(b, CILongHeader)
	b = append(b, a.ID[:]...)
	b = binary.LittleEndian.AppendUint16(b, a.Manufacturer)
	b = append(b, a.Version, a.DeviceType, access, status)
	return binary.LittleEndian.AppendUint16(b, config)
}

// Address converts the header into a link layer address.
func (h Header) Address() (Address, error) {
	m, err := EncodeManufacturer(h.Manufacturer)
	if err != nil {
		return Address{}, err
	}
	id, err := ParseMeterID(h.ID)
	if err != nil {
		return Address{}, err
	}
	return Address{Manufacturer: m, ID: id, Version: h.Version, DeviceType: h.DeviceType}, nil
}

// Encode builds an on-air frame. apl starts with the CI field.
func Encode(format Format, h Header, apl []byte) ([]byte, error) {
	a, err := h.Address()
	if err != nil {
		return nil, err
	}
	addr := a.Bytes()
	body := make([]byte, 0, dllHeaderSize+len(apl))
	body = append(body, 0, h.Control)
	body = append(body, addr[:]...)
	body = append(body, apl...)

	switch format {
	case FormatA:
		if len(body)-1 > 0xFF {
			return nil, fmt.Errorf("frame of %d bytes too long", len(body))
		}
		body[0] = byte(len(body) - 1)
		return appendFormatA(body), nil
	case FormatB:
		return encodeFormatB(body)
	case FormatNone, FormatAuto:
		if len(body)-1 > 0xFF {
			return nil, fmt.Errorf("frame of %d bytes too long", len(body))
		}
		body[0] = byte(len(body) - 1)
		return body, nil
	}
	return nil, fmt.Errorf("unknown format %d", format)
}

func appendFormatA(body []byte) []byte {
	out := make([]byte, 0, formatALength(len(body)-1))
	pos, size := 0, firstBlockSize
	for pos < len(body) {
		n := min(size, len(body)-pos)
		block := body[pos : pos+n]
		out = append(out, block...)
		out = binary.BigEndian.AppendUint16(out, Checksum(block))
		pos += n
		size = blockSize
	}
	return out
}

func encodeFormatB(body []byte) ([]byte, error) {
	if len(body) <= formatBBlock2End {
		if len(body)+1 > 0xFF {
			return nil, fmt.Errorf("frame of %d bytes too long", len(body))
		}
		body[0] = byte(len(body) + 2 - 1)
		return binary.BigEndian.AppendUint16(body, Checksum(body)), nil
	}
	total := len(body) + 4
	if total-1 > 0xFF {
		return nil, fmt.Errorf("frame of %d bytes too long", len(body))
	}
	body[0] = byte(total - 1)
	out := make([]byte, 0, total)
	out = append(out, body[:formatBBlock2End]...)
	out = binary.BigEndian.AppendUint16(out, Checksum(body[:formatBBlock2End]))
	block3 := body[formatBBlock2End:]
	out = append(out, block3...)
	return binary.BigEndian.AppendUint16(out, Checksum(block3)), nil
}
