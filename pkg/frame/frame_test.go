package frame

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHeader = Header{
	Control:      0x44,
	Manufacturer: "ACM",
	ID:           "12345678",
	Version:      0x01,
	DeviceType:   0x07,
}

func testAPL(payloadLen int) []byte {
	apl := ShortTPL(0x2A, 0x00, 0x0000)
	for i := 0; i < payloadLen; i++ {
		apl = append(apl, byte(i))
	}
	return apl
}

func TestDecodeFormats(t *testing.T) {
	for _, tc := range []struct {
		name       string
		format     Format
		decoder    Decoder
		payloadLen int
	}{
		{"none", FormatNone, Decoder{Format: FormatNone}, 6},
		{"A single block", FormatA, Decoder{}, 0},
		{"A multi block", FormatA, Decoder{}, 40},
		{"B short", FormatB, Decoder{}, 20},
		{"B three blocks", FormatB, Decoder{}, 160},
	} {
		t.Run(tc.name, func(t *testing.T) {
			apl := testAPL(tc.payloadLen)
			raw, err := Encode(tc.format, testHeader, apl)
			require.NoError(t, err)

			f, err := tc.decoder.Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tc.format, f.Format)
			assert.Equal(t, "12345678", f.MeterID())
			assert.Equal(t, "ACM", f.Address.ManufacturerCode())
			assert.Equal(t, byte(0x07), f.Address.DeviceType)
			assert.Equal(t, "SND_NR", f.Type())
			assert.Equal(t, HeaderShort, f.TPL.Header)
			assert.Equal(t, byte(0x2A), f.TPL.AccessNumber)
			assert.Equal(t, apl[5:], f.Payload)
		})
	}
}

func TestDecodeSyncPrefix(t *testing.T) {
	raw, err := Encode(FormatA, testHeader, testAPL(8))
	require.NoError(t, err)

	f, err := Decode(append([]byte{0x54, 0xCD}, raw...))
	require.NoError(t, err)
	assert.Equal(t, FormatA, f.Format)

	raw, err = Encode(FormatB, testHeader, testAPL(8))
	require.NoError(t, err)
	f, err = Decode(append([]byte{0x54, 0x3D}, raw...))
	require.NoError(t, err)
	assert.Equal(t, FormatB, f.Format)
}

func TestDecodeChecksumMismatch(t *testing.T) {
	raw, err := Encode(FormatA, testHeader, testAPL(30))
	require.NoError(t, err)

	corrupt := bytes.Clone(raw)
	corrupt[14] ^= 0xFF
	_, err = Decoder{Format: FormatA}.Decode(corrupt)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	raw, err = Encode(FormatB, testHeader, testAPL(30))
	require.NoError(t, err)
	corrupt = bytes.Clone(raw)
	corrupt[len(corrupt)-1] ^= 0x01
	_, err = Decoder{Format: FormatB}.Decode(corrupt)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDecodeAutoRejectsCorruptFrames(t *testing.T) {
	raw, err := Encode(FormatB, testHeader, testAPL(8))
	require.NoError(t, err)
	_, err = Decode(raw)
	require.NoError(t, err)

	// A bit error in the data must not turn the frame into one without CRCs.
	corrupt := bytes.Clone(raw)
	corrupt[len(corrupt)-5] ^= 0x01
	_, err = Decode(corrupt)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	// Frames with stripped CRCs are only accepted when configured.
	stripped, err := Encode(FormatNone, testHeader, testAPL(8))
	require.NoError(t, err)
	_, err = Decode(stripped)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	f, err := Decoder{Format: FormatNone}.Decode(stripped)
	require.NoError(t, err)
	assert.Equal(t, FormatNone, f.Format)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"":     FormatAuto,
		"auto": FormatAuto,
		"A":    FormatA,
		"b":    FormatB,
		"None": FormatNone,
	} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("c")
	require.Error(t, err)
}

func TestDecodeTruncated(t *testing.T) {
	raw, err := Encode(FormatA, testHeader, testAPL(30))
	require.NoError(t, err)

	_, err = Decoder{Format: FormatA}.Decode(raw[:len(raw)-5])
	require.ErrorIs(t, err, ErrTruncated)

	_, err = Decode(nil)
	require.ErrorIs(t, err, ErrTruncated)

	_, err = Decoder{Format: FormatNone}.Decode([]byte{0x20, 0x44, 0x01})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{0x05, 0x44, 0x01, 0x02, 0x03, 0x04})
	require.ErrorIs(t, err, ErrMalformed)

	raw, err := Encode(FormatNone, testHeader, []byte{0x51, 0x01, 0x02})
	require.NoError(t, err)
	_, err = Decoder{Format: FormatNone}.Decode(raw)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeLongHeaderUsesTransportAddress(t *testing.T) {
	inner, err := Header{Manufacturer: "EVO", ID: "87654321", Version: 0x10, DeviceType: 0x07}.Address()
	require.NoError(t, err)

	apl := append(LongTPL(inner, 0x11, 0x00, 0x0510), 0x2F, 0x2F)
	raw, err := Encode(FormatNone, testHeader, apl)
	require.NoError(t, err)

	f, err := Decoder{Format: FormatNone}.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "87654321", f.MeterID())
	assert.Equal(t, "12345678", f.Address.MeterID())
	assert.Equal(t, "EVO", f.MeterAddress().ManufacturerCode())
	assert.Equal(t, uint8(SecurityAESCBC), f.TPL.SecurityMode())
	assert.Equal(t, 1, f.TPL.EncryptedBlocks())
	assert.Equal(t, []byte{0x2F, 0x2F}, f.Payload)
}

func TestDecodeExtendedLinkLayer(t *testing.T) {
	apl := append([]byte{CIExtendedLink, 0x20, 0x33}, testAPL(4)...)
	raw, err := Encode(FormatNone, testHeader, apl)
	require.NoError(t, err)

	f, err := Decoder{Format: FormatNone}.Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, f.ELL)
	assert.Equal(t, byte(0x33), f.ELL.AccessNumber)
	assert.Equal(t, byte(CIShortHeader), f.TPL.CI)
	assert.Len(t, f.Payload, 4)
}

func sessionELL(ci byte, address []byte, sn uint32, rest []byte) []byte {
	apl := append([]byte{ci, 0x20, 0x33}, address...)
	apl = binary.LittleEndian.AppendUint32(apl, sn)
	apl = binary.LittleEndian.AppendUint16(apl, Checksum(rest))
	return append(apl, rest...)
}

func TestDecodeSessionExtendedLinkLayer(t *testing.T) {
	ellAddress := []byte{0x2D, 0x2C, 0x78, 0x56, 0x34, 0x12, 0x30, 0x04}

	for _, tc := range []struct {
		name    string
		ci      byte
		address []byte
	}{
		{"session", CIExtendedLinkS, nil},
		{"address", CIExtendedLinkA, ellAddress},
		{"address and session", CIExtendedLinkAS, ellAddress},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var apl []byte
			if tc.ci == CIExtendedLinkA {
				apl = append(append([]byte{tc.ci, 0x20, 0x33}, tc.address...), testAPL(4)...)
			} else {
				apl = sessionELL(tc.ci, tc.address, 0x00001234, testAPL(4))
			}
			raw, err := Encode(FormatA, testHeader, apl)
			require.NoError(t, err)

			f, err := Decode(raw)
			require.NoError(t, err)
			require.NotNil(t, f.ELL)
			assert.Equal(t, tc.ci, f.ELL.CI)
			assert.Equal(t, byte(0x33), f.ELL.AccessNumber)
			assert.Equal(t, byte(CIShortHeader), f.TPL.CI)
			assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03}, f.Payload)
			if tc.address != nil {
				require.NotNil(t, f.ELL.Address)
				assert.Equal(t, "12345678", f.ELL.Address.MeterID())
				assert.Equal(t, "KAM", f.ELL.Address.ManufacturerCode())
			}
			// The link layer address is the meter's
			assert.Equal(t, "12345678", f.MeterID())
		})
	}
}

func TestDecodeSessionExtendedLinkLayerErrors(t *testing.T) {
	apl := sessionELL(CIExtendedLinkS, nil, 0x00001234, testAPL(4))
	apl[len(apl)-1] ^= 0x01
	raw, err := Encode(FormatA, testHeader, apl)
	require.NoError(t, err)
	_, err = Decode(raw)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	// ENC bits 29..31 announce AES-CTR session encryption
	apl = sessionELL(CIExtendedLinkS, nil, 1<<29|0x1234, testAPL(4))
	raw, err = Encode(FormatA, testHeader, apl)
	require.NoError(t, err)
	_, err = Decode(raw)
	require.ErrorIs(t, err, ErrMalformed)

	raw, err = Encode(FormatA, testHeader, []byte{CIExtendedLinkAS, 0x20, 0x33, 0x2D, 0x2C})
	require.NoError(t, err)
	_, err = Decode(raw)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeNoneIsZeroCopy(t *testing.T) {
	raw, err := Encode(FormatNone, testHeader, testAPL(4))
	require.NoError(t, err)

	f, err := Decoder{Format: FormatNone}.Decode(raw)
	require.NoError(t, err)
	raw[len(raw)-1] = 0xEE
	assert.Equal(t, byte(0xEE), f.Payload[len(f.Payload)-1])
}

func TestManufacturerRoundTrip(t *testing.T) {
	m, err := EncodeManufacturer("kam")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x2C2D), m)
	assert.Equal(t, "KAM", DecodeManufacturer(m))

	_, err = EncodeManufacturer("K1")
	require.Error(t, err)
}
