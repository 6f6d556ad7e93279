package mbus

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidBCD  = errors.New("invalid BCD digit")
	ErrNotNumeric  = errors.New("data field is not numeric")
	ErrInvalidDate = errors.New("invalid date")
)

// Int decodes integer, BCD and numeric variable length data fields.
func (r DataRecord) Int() (int64, error) {
	switch c := r.Coding(); c {
	case CodingInt8, CodingInt16, CodingInt24, CodingInt32, CodingInt48, CodingInt64:
		return signedLE(r.Data), nil
	case CodingBCD2, CodingBCD4, CodingBCD6, CodingBCD8, CodingBCD12:
		return decodeBCD(r.Data)
	case CodingVariable:
		switch {
		case r.LVAR >= 0xC0 && r.LVAR <= 0xCF:
			return decodeBCD(r.Data)
		case r.LVAR >= 0xD0 && r.LVAR <= 0xDF:
			v, err := decodeBCD(r.Data)
			return -v, err
		case r.LVAR >= 0xE0 && r.LVAR <= 0xEF && len(r.Data) <= 8:
			return signedLE(r.Data), nil
		}
		return 0, fmt.Errorf("%w: LVAR %02X", ErrNotNumeric, r.LVAR)
	default:
		return 0, fmt.Errorf("%w: coding %X", ErrNotNumeric, c)
	}
}

// Uint decodes the data field as an unsigned little endian integer, the
// way flag and counter fields are transmitted.
func (r DataRecord) Uint() uint64 {
	var v uint64
	for i := min(len(r.Data), 8) - 1; i >= 0; i-- {
		v = v<<8 | uint64(r.Data[i])
	}
	return v
}

// Decimal returns the numeric value scaled by 10^exp.
func (r DataRecord) Decimal(exp int32) (decimal.Decimal, error) {
	if r.Coding() == CodingReal32 {
		f := math.Float32frombits(binary.LittleEndian.Uint32(r.Data))
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return decimal.Zero, fmt.Errorf("%w: real value %v", ErrNotNumeric, f)
		}
		return decimal.NewFromFloat32(f).Shift(exp), nil
	}
	v, err := r.Int()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(v, exp), nil
}

// Text renders identifiers: BCD as digits, ASCII variable length fields
// as text and anything else as hex, most significant byte first.
func (r DataRecord) Text() string {
	switch c := r.Coding(); {
	case c >= CodingBCD2 && c <= CodingBCD12 && c != CodingVariable:
		return bcdString(r.Data)
	case c == CodingVariable && r.LVAR <= 0xBF:
		return reversedASCII(r.Data)
	case c == CodingVariable && r.LVAR >= 0xC0 && r.LVAR <= 0xCF:
		return bcdString(r.Data)
	default:
		return reversedHex(r.Data)
	}
}

func signedLE(data []byte) int64 {
	var v uint64
	for i := len(data) - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[i])
	}
	bits := uint(len(data) * 8)
	if bits == 0 || bits >= 64 {
		return int64(v)
	}
	if v&(1<<(bits-1)) != 0 {
		v |= ^uint64(0) << bits
	}
	return int64(v)
}

// maxBCDDigits is the longest BCD value that fits an int64.
const maxBCDDigits = 18

func decodeBCD(data []byte) (int64, error) {
	if len(data)*2 > maxBCDDigits {
		return 0, fmt.Errorf("%w: %d BCD digits", ErrNotNumeric, len(data)*2)
	}
	var v int64
	negative := false
	for i := len(data) - 1; i >= 0; i-- {
		hi, lo := data[i]>>4, data[i]&0x0F
		if i == len(data)-1 && hi == 0x0F {
			negative = true
			hi = 0
		}
		if hi > 9 || lo > 9 {
			return 0, fmt.Errorf("%w: %02X", ErrInvalidBCD, data[i])
		}
		v = v*100 + int64(hi)*10 + int64(lo)
	}
	if negative {
		v = -v
	}
	return v, nil
}

func bcdString(data []byte) string {
	var b strings.Builder
	for i := len(data) - 1; i >= 0; i-- {
		hi, lo := data[i]>>4, data[i]&0x0F
		if hi > 9 || lo > 9 {
			return reversedHex(data)
		}
		b.WriteByte('0' + hi)
		b.WriteByte('0' + lo)
	}
	return b.String()
}

func reversedHex(data []byte) string {
	rev := make([]byte, len(data))
	for i, b := range data {
		rev[len(data)-1-i] = b
	}
	return strings.ToUpper(hex.EncodeToString(rev))
}

func reversedASCII(data []byte) string {
	rev := make([]byte, len(data))
	for i, b := range data {
		rev[len(data)-1-i] = b
	}
	return string(rev)
}

// DateG decodes a type G date (2 bytes).
func DateG(data []byte) (time.Time, error) {
	if len(data) < 2 {
		return time.Time{}, fmt.Errorf("%w: type G needs 2 bytes", ErrInvalidDate)
	}
	day := int(data[0] & 0x1F)
	month := int(data[1] & 0x0F)
	year := 2000 + int((data[1]&0xF0)>>1|(data[0]&0xE0)>>5)
	if day == 0 || month == 0 || month > 12 {
		return time.Time{}, fmt.Errorf("%w: %02X%02X", ErrInvalidDate, data[1], data[0])
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}

// DateTimeF decodes a type F date and time (4 bytes).
func DateTimeF(data []byte) (time.Time, error) {
	if len(data) < 4 {
		return time.Time{}, fmt.Errorf("%w: type F needs 4 bytes", ErrInvalidDate)
	}
	if data[0]&0x80 != 0 {
		return time.Time{}, fmt.Errorf("%w: time marked invalid", ErrInvalidDate)
	}
	date, err := DateG(data[2:4])
	if err != nil {
		return time.Time{}, err
	}
	minute := int(data[0] & 0x3F)
	hour := int(data[1] & 0x1F)
	if minute > 59 || hour > 23 {
		return time.Time{}, fmt.Errorf("%w: %02d:%02d", ErrInvalidDate, hour, minute)
	}
	return date.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute), nil
}

func encodeDateG(t time.Time) []byte {
	y := byte(t.Year() - 2000)
	return []byte{
		byte(t.Day()) | (y&0x07)<<5,
		byte(t.Month()) | (y&0x78)<<1,
	}
}

func encodeDateTimeF(t time.Time) []byte {
	return append([]byte{byte(t.Minute()), byte(t.Hour())}, encodeDateG(t)...)
}
