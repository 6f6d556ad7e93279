// Package mbus walks and builds M-Bus application layer data records
// (EN 13757-3): DIF/DIFE, VIF/VIFE and the encoded data field.
package mbus

import (
	"fmt"

	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

const (
	difExtension      = 0x80
	vifExtension      = 0x80
	difIdleFiller     = 0x2F
	difManufacturer   = 0x0F
	difMoreRecords    = 0x1F
	difGlobalReadout  = 0x7F
	vifPlainText      = 0x7C
	maxExtensionBytes = 10
)

// Data field codes of the DIF.
const (
	CodingNone     = 0x0
	CodingInt8     = 0x1
	CodingInt16    = 0x2
	CodingInt24    = 0x3
	CodingInt32    = 0x4
	CodingReal32   = 0x5
	CodingInt48    = 0x6
	CodingInt64    = 0x7
	CodingReadout  = 0x8
	CodingBCD2     = 0x9
	CodingBCD4     = 0xA
	CodingBCD6     = 0xB
	CodingBCD8     = 0xC
	CodingVariable = 0xD
	CodingBCD12    = 0xE
	CodingSpecial  = 0xF
)

var codingLength = [16]int{0, 1, 2, 3, 4, 4, 6, 8, 0, 1, 2, 3, 4, -1, 6, 0}

// DataRecord is one record as found in the payload.
type DataRecord struct {
	Offset int
	DIF    byte
	DIFE   []byte
	VIF    byte
	VIFE   []byte
	// Header holds the raw DIF..VIFE bytes, Raw the raw data field
	// including a variable length prefix.
	Header []byte
	Raw    []byte
	Data   []byte
	LVAR   byte
}

// Coding is the data field code of the DIF.
func (r DataRecord) Coding() byte {
	return r.DIF & 0x0F
}

// Function is the function field of the DIF.
func (r DataRecord) Function() types.Function {
	return types.Function((r.DIF >> 4) & 0x03)
}

// Storage combines the storage bit of the DIF with the DIFE nibbles.
func (r DataRecord) Storage() uint32 {
	storage := uint32(r.DIF>>6) & 0x01
	shift := 1
	for _, dife := range r.DIFE {
		storage |= uint32(dife&0x0F) << shift
		shift += 4
	}
	return storage
}

func (r DataRecord) Tariff() uint32 {
	var tariff uint32
	shift := 0
	for _, dife := range r.DIFE {
		tariff |= uint32((dife>>4)&0x03) << shift
		shift += 2
	}
	return tariff
}

func (r DataRecord) Subunit() uint32 {
	var subunit uint32
	shift := 0
	for _, dife := range r.DIFE {
		subunit |= uint32((dife>>6)&0x01) << shift
		shift++
	}
	return subunit
}

// Telegram is the result of walking an application layer.
type Telegram struct {
	Records           []DataRecord
	ManufacturerData  []byte
	MoreRecordsFollow bool
	Warnings          []string
}

func (t *Telegram) warn(format string, args ...any) {
	t.Warnings = append(t.Warnings, fmt.Sprintf(format, args...))
}

// Parse walks all records of apl. A record that cannot be framed ends the
// walk with a warning; records read up to that point are kept.
func Parse(apl []byte) *Telegram {
	t := &Telegram{}
	pos := 0
	for pos < len(apl) {
		start := pos
		dif := apl[pos]
		pos++

		switch dif {
		case difIdleFiller:
			continue
		case difManufacturer, difMoreRecords:
			t.ManufacturerData = apl[pos:]
			t.MoreRecordsFollow = dif == difMoreRecords
			return t
		case difGlobalReadout:
			t.warn("offset %d: global readout request ends records", start)
			return t
		}
		if dif&0x0F == CodingSpecial {
			t.warn("offset %d: reserved DIF %02X", start, dif)
			return t
		}

		rec := DataRecord{Offset: start, DIF: dif}
		var ok bool
		if dif&difExtension != 0 {
			if rec.DIFE, pos, ok = readExtensions(apl, pos); !ok {
				t.warn("offset %d: truncated DIFE chain", start)
				return t
			}
		}
		if pos >= len(apl) {
			t.warn("offset %d: record without VIF", start)
			return t
		}
		rec.VIF = apl[pos]
		pos++
		if rec.VIF&vifExtension != 0 {
			if rec.VIFE, pos, ok = readExtensions(apl, pos); !ok {
				t.warn("offset %d: truncated VIFE chain", start)
				return t
			}
		}
		if rec.VIF&0x7F == vifPlainText {
			if pos >= len(apl) || pos+1+int(apl[pos]) > len(apl) {
				t.warn("offset %d: truncated plain text unit", start)
				return t
			}
			pos += 1 + int(apl[pos])
		}
		rec.Header = apl[start:pos]

		n, err := dataLength(rec.Coding(), apl[pos:])
		if err != nil {
			t.warn("offset %d: %v", start, err)
			return t
		}
		if pos+n > len(apl) {
			t.warn("offset %d: data field needs %d bytes, %d left", start, n, len(apl)-pos)
			return t
		}
		rec.Raw = apl[pos : pos+n]
		rec.Data = rec.Raw
		if rec.Coding() == CodingVariable {
			rec.LVAR = rec.Raw[0]
			rec.Data = rec.Raw[1:]
		}
		pos += n
		t.Records = append(t.Records, rec)
	}
	return t
}

func readExtensions(apl []byte, pos int) ([]byte, int, bool) {
	start := pos
	for {
		if pos >= len(apl) || pos-start >= maxExtensionBytes {
			return nil, pos, false
		}
		b := apl[pos]
		pos++
		if b&0x80 == 0 {
			return apl[start:pos], pos, true
		}
	}
}

// dataLength returns the size of the data field including a variable
// length prefix.
func dataLength(coding byte, rest []byte) (int, error) {
	if coding != CodingVariable {
		return codingLength[coding], nil
	}
	if len(rest) == 0 {
		return 0, fmt.Errorf("missing LVAR")
	}
	n, ok := lvarLength(rest[0])
	if !ok {
		return 0, fmt.Errorf("reserved LVAR %02X", rest[0])
	}
	return n + 1, nil
}

func lvarLength(l byte) (int, bool) {
	switch {
	case l <= 0xBF:
		return int(l), true
	case l <= 0xCF:
		return int(l - 0xC0), true
	case l <= 0xDF:
		return int(l - 0xD0), true
	case l <= 0xEF:
		return int(l - 0xE0), true
	case l <= 0xF4:
		return 4 * int(l-0xEC), true
	case l == 0xF5:
		return 48, true
	case l == 0xF6:
		return 64, true
	}
	return 0, false
}
