package frame

import (
	"encoding/binary"
	"fmt"
)

// CI field values understood by the decoder.
const (
	CIShortHeader    = 0x7A
	CILongHeader     = 0x72
	CINoHeader       = 0x78
	CICompactFrame   = 0x79
	CIExtendedLink   = 0x8C
	CIExtendedLinkS  = 0x8D
	CIExtendedLinkA  = 0x8E
	CIExtendedLinkAS = 0x8F
)

// ellSize is the size of each extended link layer including its CI.
var ellSize = map[byte]int{
	CIExtendedLink:   3,
	CIExtendedLinkS:  9,
	CIExtendedLinkA:  11,
	CIExtendedLinkAS: 17,
}

// HeaderType is the size of the transport layer header.
type HeaderType uint8

const (
	HeaderNone HeaderType = iota
	HeaderShort
	HeaderLong
)

// Security modes from the configuration field.
const (
	SecurityNone   = 0
	SecurityAESCBC = 5
)

// ELL is the extended link layer carried by some radio modes.
type ELL struct {
	CI           byte
	Control      byte
	AccessNumber byte
	// Address is sent with CI 0x8E and 0x8F.
	Address *Address
	// SessionNumber and PayloadCRC are sent with CI 0x8D and 0x8F.
	SessionNumber uint32
	PayloadCRC    uint16
}

// Encryption returns the ENC bits of the session number; 0 is plain text.
func (e ELL) Encryption() uint8 {
	return uint8(e.SessionNumber >> 29)
}

func parseELL(apl []byte) (*ELL, int, error) {
	ci := apl[0]
	size := ellSize[ci]
	// The transport CI must follow.
	if len(apl) < size+1 {
		return nil, 0, fmt.Errorf("%w: extended link layer %02X", ErrTruncated, ci)
	}
	e := &ELL{CI: ci, Control: apl[1], AccessNumber: apl[2]}
	pos := 3
	if ci == CIExtendedLinkA || ci == CIExtendedLinkAS {
		a := parseAddress(apl[pos : pos+8])
		e.Address = &a
		pos += 8
	}
	if ci == CIExtendedLinkS || ci == CIExtendedLinkAS {
		e.SessionNumber = binary.LittleEndian.Uint32(apl[pos : pos+4])
		e.PayloadCRC = binary.LittleEndian.Uint16(apl[pos+4 : pos+6])
		pos += 6
		if enc := e.Encryption(); enc != 0 {
			return nil, 0, fmt.Errorf("%w: extended link layer encryption %d is not supported", ErrMalformed, enc)
		}
		if got := Checksum(apl[pos:]); got != e.PayloadCRC {
			return nil, 0, fmt.Errorf("%w: payload has %04X, computed %04X", ErrChecksumMismatch, e.PayloadCRC, got)
		}
	}
	return e, pos, nil
}

// TPL is the transport layer header.
type TPL struct {
	CI           byte
	Header       HeaderType
	AccessNumber byte
	Status       byte
	Config       uint16
	// Address is set by the long header only.
	Address *Address
}

// SecurityMode returns the encryption mode announced by the config field.
func (t TPL) SecurityMode() uint8 {
	return uint8(t.Config>>8) & 0x1F
}

// EncryptedBlocks is the number of 16 byte blocks that are encrypted.
func (t TPL) EncryptedBlocks() int {
	return int(t.Config>>4) & 0x0F
}

// Compact reports whether the application layer is a compact frame.
func (t TPL) Compact() bool {
	return t.CI == CICompactFrame
}

func parseTransport(f *Frame, apl []byte) error {
	pos := 0
	ci := apl[pos]
	pos++

	if _, ok := ellSize[ci]; ok {
		ell, n, err := parseELL(apl)
		if err != nil {
			return err
		}
		f.ELL = ell
		pos = n
		ci = apl[pos]
		pos++
	}

	tpl := TPL{CI: ci}
	switch ci {
	case CIShortHeader:
		if len(apl) < pos+4 {
			return fmt.Errorf("%w: short transport header", ErrTruncated)
		}
		tpl.Header = HeaderShort
		tpl.AccessNumber = apl[pos]
		tpl.Status = apl[pos+1]
		tpl.Config = binary.LittleEndian.Uint16(apl[pos+2 : pos+4])
		pos += 4
	case CILongHeader:
		if len(apl) < pos+12 {
			return fmt.Errorf("%w: long transport header", ErrTruncated)
		}
		// The long header stores id before manufacturer.
		var a Address
		copy(a.ID[:], apl[pos:pos+4])
		a.Manufacturer = binary.LittleEndian.Uint16(apl[pos+4 : pos+6])
		a.Version = apl[pos+6]
		a.DeviceType = apl[pos+7]
		tpl.Header = HeaderLong
		tpl.Address = &a
		tpl.AccessNumber = apl[pos+8]
		tpl.Status = apl[pos+9]
		tpl.Config = binary.LittleEndian.Uint16(apl[pos+10 : pos+12])
		pos += 12
	case CINoHeader, CICompactFrame:
		tpl.Header = HeaderNone
	default:
		return fmt.Errorf("%w: unsupported CI field %02X", ErrMalformed, ci)
	}

	f.TPL = tpl
	f.Payload = apl[pos:]
	return nil
}
