package mbus

import (
	"errors"
	"fmt"
)

var ErrLayoutMismatch = errors.New("record layout does not match data")

// SplitLayout separates the record headers of apl from the data fields.
// The headers form the format of a compact frame. Idle fillers are
// dropped; a manufacturer trailer keeps its DIF in the format and its
// bytes in the data.
func SplitLayout(apl []byte) (format, values []byte, err error) {
	t := Parse(apl)
	if len(t.Warnings) > 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrLayoutMismatch, t.Warnings[0])
	}
	for _, r := range t.Records {
		format = append(format, r.Header...)
		values = append(values, r.Raw...)
	}
	if t.ManufacturerData != nil {
		if t.MoreRecordsFollow {
			format = append(format, difMoreRecords)
		} else {
			format = append(format, difManufacturer)
		}
		values = append(values, t.ManufacturerData...)
	}
	return format, values, nil
}

// JoinLayout interleaves format headers with values, reversing
// SplitLayout.
func JoinLayout(format, values []byte) ([]byte, error) {
	out := make([]byte, 0, len(format)+len(values))
	pos, vpos := 0, 0
	for pos < len(format) {
		dif := format[pos]
		if dif == difManufacturer || dif == difMoreRecords {
			out = append(out, dif)
			return append(out, values[vpos:]...), nil
		}
		header, next, err := headerAt(format, pos)
		if err != nil {
			return nil, err
		}
		out = append(out, header...)
		pos = next

		n, err := dataLength(dif&0x0F, values[vpos:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLayoutMismatch, err)
		}
		if vpos+n > len(values) {
			return nil, fmt.Errorf("%w: data ends inside record at offset %d", ErrLayoutMismatch, vpos)
		}
		out = append(out, values[vpos:vpos+n]...)
		vpos += n
	}
	if vpos != len(values) {
		return nil, fmt.Errorf("%w: %d trailing data bytes", ErrLayoutMismatch, len(values)-vpos)
	}
	return out, nil
}

// headerAt returns the DIF..VIFE bytes starting at pos.
func headerAt(format []byte, pos int) ([]byte, int, error) {
	start := pos
	dif := format[pos]
	pos++
	var ok bool
	if dif&difExtension != 0 {
		if _, pos, ok = readExtensions(format, pos); !ok {
			return nil, 0, fmt.Errorf("%w: truncated DIFE in format", ErrLayoutMismatch)
		}
	}
	if pos >= len(format) {
		return nil, 0, fmt.Errorf("%w: missing VIF in format", ErrLayoutMismatch)
	}
	vif := format[pos]
	pos++
	if vif&vifExtension != 0 {
		if _, pos, ok = readExtensions(format, pos); !ok {
			return nil, 0, fmt.Errorf("%w: truncated VIFE in format", ErrLayoutMismatch)
		}
	}
	if vif&0x7F == vifPlainText {
		if pos >= len(format) || pos+1+int(format[pos]) > len(format) {
			return nil, 0, fmt.Errorf("%w: truncated plain text unit in format", ErrLayoutMismatch)
		}
		pos += 1 + int(format[pos])
	}
	return format[start:pos], pos, nil
}
