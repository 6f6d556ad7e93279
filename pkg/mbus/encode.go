package mbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

// Field describes the header of a record to encode. VIF is given without
// the extension bit; it is set when VIFE is not empty.
type Field struct {
	Coding   byte
	Function types.Function
	Storage  uint32
	Tariff   uint32
	Subunit  uint32
	VIF      byte
	VIFE     []byte
}

// Bytes returns the DIF, DIFE, VIF and VIFE bytes of f.
func (f Field) Bytes() []byte {
	dif := f.Coding&0x0F | byte(f.Function&0x03)<<4 | byte(f.Storage&0x01)<<6
	storage, tariff, subunit := f.Storage>>1, f.Tariff, f.Subunit
	var difes []byte
	for storage > 0 || tariff > 0 || subunit > 0 {
		difes = append(difes, byte(storage&0x0F)|byte(tariff&0x03)<<4|byte(subunit&0x01)<<6)
		storage >>= 4
		tariff >>= 2
		subunit >>= 1
	}
	out := []byte{dif}
	if len(difes) > 0 {
		out[0] |= difExtension
		for i := range difes[:len(difes)-1] {
			difes[i] |= difExtension
		}
		out = append(out, difes...)
	}
	vif := f.VIF
	if len(f.VIFE) > 0 {
		vif |= vifExtension
	}
	out = append(out, vif)
	for i, e := range f.VIFE {
		if i < len(f.VIFE)-1 {
			e |= vifExtension
		} else {
			e &^= vifExtension
		}
		out = append(out, e)
	}
	return out
}

// Encoder appends records to an application layer payload. The first
// error stops further encoding and is reported by Err.
type Encoder struct {
	buf []byte
	err error
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// Filler appends n idle filler bytes.
func (e *Encoder) Filler(n int) *Encoder {
	for i := 0; i < n; i++ {
		e.buf = append(e.buf, difIdleFiller)
	}
	return e
}

// Int appends v using the integer or BCD coding of f.
func (e *Encoder) Int(f Field, v int64) *Encoder {
	if e.err != nil {
		return e
	}
	data, err := encodeInt(f.Coding, v)
	if err != nil {
		e.err = fmt.Errorf("encode %02X: %w", f.VIF, err)
		return e
	}
	return e.Data(f, data)
}

// Date appends t as type G (16 bit coding) or type F (32 bit coding).
func (e *Encoder) Date(f Field, t time.Time) *Encoder {
	switch f.Coding {
	case CodingInt16:
		return e.Data(f, encodeDateG(t))
	case CodingInt32:
		return e.Data(f, encodeDateTimeF(t))
	}
	if e.err == nil {
		e.err = fmt.Errorf("date needs 16 or 32 bit coding, got %X", f.Coding)
	}
	return e
}

// Data appends a record with a pre-encoded data field.
func (e *Encoder) Data(f Field, data []byte) *Encoder {
	if e.err != nil {
		return e
	}
	e.buf = append(e.buf, f.Bytes()...)
	e.buf = append(e.buf, data...)
	return e
}

// ManufacturerData appends the manufacturer specific trailer.
func (e *Encoder) ManufacturerData(more bool, data []byte) *Encoder {
	if more {
		e.buf = append(e.buf, difMoreRecords)
	} else {
		e.buf = append(e.buf, difManufacturer)
	}
	e.buf = append(e.buf, data...)
	return e
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Err() error {
	return e.err
}

func encodeInt(coding byte, v int64) ([]byte, error) {
	switch coding {
	case CodingInt8, CodingInt16, CodingInt24, CodingInt32, CodingInt48, CodingInt64:
		n := codingLength[coding]
		if n < 8 {
			limit := int64(1) << (uint(n)*8 - 1)
			if v < -limit || v >= limit {
				return nil, fmt.Errorf("value %d does not fit %d bytes", v, n)
			}
		}
		out := make([]byte, n)
		u := uint64(v)
		for i := range out {
			out[i] = byte(u >> (8 * i))
		}
		return out, nil
	case CodingBCD2, CodingBCD4, CodingBCD6, CodingBCD8, CodingBCD12:
		if v < 0 {
			return nil, errors.New("negative BCD values are not supported")
		}
		out := make([]byte, codingLength[coding])
		for i := range out {
			lo := v % 10
			v /= 10
			hi := v % 10
			v /= 10
			out[i] = byte(hi<<4 | lo)
		}
		if v != 0 {
			return nil, fmt.Errorf("value does not fit %d BCD digits", 2*len(out))
		}
		return out, nil
	}
	return nil, fmt.Errorf("coding %X is not an integer coding", coding)
}
