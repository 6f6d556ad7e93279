package mbus

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

func TestParseVolumeRecord(t *testing.T) {
	tg := Parse([]byte{0x2F, 0x2F, 0x04, 0x13, 0xD2, 0x04, 0x00, 0x00})
	require.Empty(t, tg.Warnings)
	require.Len(t, tg.Records, 1)

	rec, err := tg.Records[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, types.QuantityVolume, rec.Quantity)
	assert.Equal(t, types.UnitM3, rec.Unit)
	assert.True(t, rec.Value.Equal(decimal.RequireFromString("1.234")), rec.Value.String())
	assert.True(t, rec.Cumulative)
	assert.Equal(t, "volume_m3", rec.Name)
}

func TestFieldStorageTariffSubunit(t *testing.T) {
	f := Field{Coding: CodingInt32, Storage: 9, Tariff: 2, Subunit: 1, Function: types.FunctionMaximum, VIF: 0x13}
	apl := NewEncoder().Int(f, 5).Bytes()

	tg := Parse(apl)
	require.Len(t, tg.Records, 1)
	r := tg.Records[0]
	assert.Equal(t, uint32(9), r.Storage())
	assert.Equal(t, uint32(2), r.Tariff())
	assert.Equal(t, uint32(1), r.Subunit())
	assert.Equal(t, types.FunctionMaximum, r.Function())

	rec, err := r.Decode()
	require.NoError(t, err)
	assert.False(t, rec.Cumulative)
	assert.Equal(t, "volume_m3_max_storage_9_tariff_2_subunit_1", rec.Name)
}

func TestIntegerCodings(t *testing.T) {
	for _, tc := range []struct {
		coding byte
		value  int64
	}{
		{CodingInt8, -5},
		{CodingInt16, -1},
		{CodingInt24, 8388607},
		{CodingInt32, 1234},
		{CodingInt48, -140737488355328},
		{CodingInt64, 1 << 40},
		{CodingBCD2, 42},
		{CodingBCD8, 12345678},
		{CodingBCD12, 987654321012},
	} {
		enc := NewEncoder().Int(Field{Coding: tc.coding, VIF: 0x13}, tc.value)
		require.NoError(t, enc.Err())
		tg := Parse(enc.Bytes())
		require.Len(t, tg.Records, 1)
		got, err := tg.Records[0].Int()
		require.NoError(t, err)
		assert.Equal(t, tc.value, got, "coding %X", tc.coding)
	}
}

func TestEncodeIntOverflow(t *testing.T) {
	enc := NewEncoder().Int(Field{Coding: CodingInt8, VIF: 0x13}, 300)
	require.Error(t, enc.Err())

	enc = NewEncoder().Int(Field{Coding: CodingBCD2, VIF: 0x13}, 100)
	require.Error(t, enc.Err())
}

func TestBCD(t *testing.T) {
	v, err := decodeBCD([]byte{0x34, 0x12})
	require.NoError(t, err)
	assert.Equal(t, int64(1234), v)

	v, err = decodeBCD([]byte{0x34, 0xF2})
	require.NoError(t, err)
	assert.Equal(t, int64(-234), v)

	_, err = decodeBCD([]byte{0x3A, 0x12})
	require.ErrorIs(t, err, ErrInvalidBCD)

	v, err = decodeBCD([]byte{0x99, 0x99, 0x99, 0x99, 0x99, 0x99, 0x99, 0x99, 0x99})
	require.NoError(t, err)
	assert.Equal(t, int64(999999999999999999), v)

	_, err = decodeBCD(make([]byte, 10))
	require.ErrorIs(t, err, ErrNotNumeric)

	assert.Equal(t, "00012345", bcdString([]byte{0x45, 0x23, 0x01, 0x00}))
	assert.Equal(t, "0001AB45", bcdString([]byte{0x45, 0xAB, 0x01, 0x00}))
}

func TestLongVariableBCDIsNotNumeric(t *testing.T) {
	// LVAR 0xCF: 15 bytes, 30 BCD digits
	data := []byte{0xCF}
	for range 15 {
		data = append(data, 0x99)
	}
	apl := NewEncoder().Data(Field{Coding: CodingVariable, VIF: 0x13}, data).Bytes()
	tg := Parse(apl)
	require.Len(t, tg.Records, 1)

	_, err := tg.Records[0].Int()
	require.ErrorIs(t, err, ErrNotNumeric)
	_, err = tg.Records[0].Decode()
	require.ErrorIs(t, err, ErrNotNumeric)
}

func TestDates(t *testing.T) {
	date := time.Date(2025, time.September, 30, 0, 0, 0, 0, time.UTC)
	got, err := DateG(encodeDateG(date))
	require.NoError(t, err)
	assert.Equal(t, date, got)

	stamp := time.Date(2024, time.February, 29, 13, 37, 0, 0, time.UTC)
	got, err = DateTimeF(encodeDateTimeF(stamp))
	require.NoError(t, err)
	assert.Equal(t, stamp, got)

	_, err = DateG([]byte{0x00, 0x00})
	require.ErrorIs(t, err, ErrInvalidDate)

	_, err = DateTimeF([]byte{0x80, 0x00, 0x01, 0x01})
	require.ErrorIs(t, err, ErrInvalidDate)
}

func TestDecodeDateRecords(t *testing.T) {
	day := time.Date(2025, time.March, 31, 0, 0, 0, 0, time.UTC)
	apl := NewEncoder().
		Date(Field{Coding: CodingInt16, VIF: 0x6C, Storage: 1}, day).
		Date(Field{Coding: CodingInt32, VIF: 0x6D}, day.Add(8*time.Hour+5*time.Minute)).
		Bytes()

	tg := Parse(apl)
	require.Len(t, tg.Records, 2)

	rec, err := tg.Records[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, "2025-03-31", rec.Text)
	assert.Equal(t, uint32(1), rec.Storage)

	rec, err = tg.Records[1].Decode()
	require.NoError(t, err)
	assert.Equal(t, "2025-03-31 08:05", rec.Text)
}

func TestVIFNormalization(t *testing.T) {
	for _, tc := range []struct {
		name  string
		field Field
		raw   int64
		q     types.Quantity
		unit  types.Unit
		want  string
	}{
		{"energy Wh", Field{Coding: CodingInt32, VIF: 0x03}, 123456, types.QuantityEnergy, types.UnitKWh, "123.456"},
		{"energy kWh", Field{Coding: CodingInt32, VIF: 0x06}, 42, types.QuantityEnergy, types.UnitKWh, "42"},
		{"energy MWh ext", Field{Coding: CodingInt32, VIF: 0xFB, VIFE: []byte{0x00}}, 15, types.QuantityEnergy, types.UnitKWh, "1500"},
		{"volume liters", Field{Coding: CodingInt32, VIF: 0x13}, 1234, types.QuantityVolume, types.UnitM3, "1.234"},
		{"volume 10l", Field{Coding: CodingBCD8, VIF: 0x14}, 1234, types.QuantityVolume, types.UnitM3, "12.34"},
		{"volume m3", Field{Coding: CodingInt16, VIF: 0x16}, 7, types.QuantityVolume, types.UnitM3, "7"},
		{"power W", Field{Coding: CodingInt24, VIF: 0x2B}, 2500, types.QuantityPower, types.UnitKW, "2.5"},
		{"flow l/h", Field{Coding: CodingInt24, VIF: 0x3B}, 1963, types.QuantityVolumeFlow, types.UnitM3h, "1.963"},
		{"flow temp", Field{Coding: CodingInt16, VIF: 0x5A}, 654, types.QuantityFlowTemperature, types.UnitCelsius, "65.4"},
		{"return temp", Field{Coding: CodingInt16, VIF: 0x5E}, 412, types.QuantityReturnTemp, types.UnitCelsius, "41.2"},
		{"on time hours", Field{Coding: CodingInt16, VIF: 0x22}, 2, types.QuantityOnTime, types.UnitSeconds, "7200"},
		{"storage interval", Field{Coding: CodingInt8, VIF: 0xFD, VIFE: []byte{0x28}}, 1, types.QuantityStorageInterval, types.UnitMonths, "1"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			enc := NewEncoder().Int(tc.field, tc.raw)
			require.NoError(t, enc.Err())
			tg := Parse(enc.Bytes())
			require.Len(t, tg.Records, 1)
			rec, err := tg.Records[0].Decode()
			require.NoError(t, err)
			assert.Equal(t, tc.q, rec.Quantity)
			assert.Equal(t, tc.unit, rec.Unit)
			assert.True(t, rec.Value.Equal(decimal.RequireFromString(tc.want)), "got %s", rec.Value)
		})
	}
}

func TestCombinableVIFE(t *testing.T) {
	for _, tc := range []struct {
		name      string
		field     Field
		raw       int64
		want      string
		qualifier types.Qualifier
		recName   string
	}{
		{"multiplier 10^-1", Field{Coding: CodingInt32, VIF: 0x13, VIFE: []byte{0x75}}, 1234, "0.1234", types.QualifierNone, "volume_m3"},
		{"multiplier 10^-6", Field{Coding: CodingInt32, VIF: 0x16, VIFE: []byte{0x70}}, 2000000, "2", types.QualifierNone, "volume_m3"},
		{"multiplier 10^3", Field{Coding: CodingInt16, VIF: 0x16, VIFE: []byte{0x7D}}, 7, "7000", types.QualifierNone, "volume_m3"},
		{"additive 1 m3", Field{Coding: CodingInt32, VIF: 0x13, VIFE: []byte{0x7B}}, 1234, "2.234", types.QualifierNone, "volume_m3"},
		{"additive 0.1 Wh", Field{Coding: CodingInt32, VIF: 0x03, VIFE: []byte{0x7A}}, 1000, "1.0001", types.QualifierNone, "energy_kwh"},
		{"extension then multiplier", Field{Coding: CodingInt32, VIF: 0xFB, VIFE: []byte{0x00, 0x7D}}, 15, "1500000", types.QualifierNone, "energy_kwh"},
		{"forward flow", Field{Coding: CodingInt32, VIF: 0x13, VIFE: []byte{0x3B}}, 5, "0.005", types.QualifierForward, "volume_m3_forward"},
		{"backward flow", Field{Coding: CodingInt32, VIF: 0x13, VIFE: []byte{0x3C}}, 5, "0.005", types.QualifierBackward, "volume_m3_backward"},
		{"backward with multiplier", Field{Coding: CodingInt32, VIF: 0x13, VIFE: []byte{0x3C, 0x75}}, 50, "0.005", types.QualifierBackward, "volume_m3_backward"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			enc := NewEncoder().Int(tc.field, tc.raw)
			require.NoError(t, enc.Err())
			tg := Parse(enc.Bytes())
			require.Empty(t, tg.Warnings)
			require.Len(t, tg.Records, 1)
			rec, err := tg.Records[0].Decode()
			require.NoError(t, err)
			assert.True(t, rec.Value.Equal(decimal.RequireFromString(tc.want)), "got %s", rec.Value)
			assert.Equal(t, tc.qualifier, rec.Qualifier)
			assert.Equal(t, tc.recName, rec.Name)
		})
	}
}

func TestVIFECorrectionFromRawBytes(t *testing.T) {
	tg := Parse([]byte{0x04, 0x93, 0x75, 0xD2, 0x04, 0x00, 0x00})
	require.Len(t, tg.Records, 1)
	rec, err := tg.Records[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, "0.1234", rec.Value.String())
}

func TestUnsupportedVIFE(t *testing.T) {
	for _, tc := range []struct {
		name  string
		field Field
	}{
		{"manufacturer specific", Field{Coding: CodingInt32, VIF: 0x13, VIFE: []byte{0x7F}}},
		{"manufacturer specific after qualifier", Field{Coding: CodingInt32, VIF: 0x13, VIFE: []byte{0x3C, 0x7F}}},
		{"per second", Field{Coding: CodingInt32, VIF: 0x13, VIFE: []byte{0x20}}},
		{"error code", Field{Coding: CodingInt32, VIF: 0x13, VIFE: []byte{0x05}}},
		{"multiplier on a date", Field{Coding: CodingInt32, VIF: 0x6D, VIFE: []byte{0x75}}},
		{"extension table qualifier", Field{Coding: CodingInt32, VIF: 0xFB, VIFE: []byte{0x00, 0x20}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			enc := NewEncoder().Int(tc.field, 1)
			require.NoError(t, enc.Err())
			tg := Parse(enc.Bytes())
			require.Len(t, tg.Records, 1)
			_, err := tg.Records[0].Decode()
			require.ErrorIs(t, err, ErrUnsupportedVIF)
		})
	}
}

func TestErrorFlagsAndFabricationNumber(t *testing.T) {
	apl := NewEncoder().
		Data(Field{Coding: CodingInt16, VIF: 0xFD, VIFE: []byte{0x17}}, []byte{0x04, 0x00}).
		Int(Field{Coding: CodingBCD8, VIF: 0x78}, 12345).
		Bytes()

	tg := Parse(apl)
	require.Len(t, tg.Records, 2)

	flags, err := tg.Records[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, "ERROR_FLAGS_0004", flags.Text)

	fab, err := tg.Records[1].Decode()
	require.NoError(t, err)
	assert.Equal(t, "00012345", fab.Text)
}

func TestVariableLengthText(t *testing.T) {
	apl := NewEncoder().Data(Field{Coding: CodingVariable, VIF: 0x79}, []byte{0x03, 'C', 'B', 'A'}).Bytes()
	tg := Parse(apl)
	require.Len(t, tg.Records, 1)
	assert.Equal(t, "ABC", tg.Records[0].Text())
	assert.Equal(t, byte(0x03), tg.Records[0].LVAR)
}

func TestUnsupportedVIFIsReportedPerRecord(t *testing.T) {
	apl := NewEncoder().
		Int(Field{Coding: CodingInt32, VIF: 0x13}, 10).
		Int(Field{Coding: CodingInt16, VIF: 0x7F}, 99).
		Bytes()

	tg := Parse(apl)
	require.Len(t, tg.Records, 2)
	_, err := tg.Records[1].Decode()
	require.ErrorIs(t, err, ErrUnsupportedVIF)
}

func TestParseTruncatedKeepsEarlierRecords(t *testing.T) {
	apl := NewEncoder().Int(Field{Coding: CodingInt32, VIF: 0x13}, 10).Bytes()
	apl = append(apl, 0x04, 0x13, 0x01)

	tg := Parse(apl)
	assert.Len(t, tg.Records, 1)
	require.Len(t, tg.Warnings, 1)
	assert.Contains(t, tg.Warnings[0], "data field needs 4 bytes")
}

func TestManufacturerData(t *testing.T) {
	apl := NewEncoder().
		Int(Field{Coding: CodingInt32, VIF: 0x13}, 10).
		ManufacturerData(true, []byte{0xAA, 0xBB}).
		Bytes()

	tg := Parse(apl)
	require.Len(t, tg.Records, 1)
	assert.True(t, tg.MoreRecordsFollow)
	assert.Equal(t, []byte{0xAA, 0xBB}, tg.ManufacturerData)
}

func TestLayoutRoundTrip(t *testing.T) {
	apl := NewEncoder().
		Int(Field{Coding: CodingInt32, VIF: 0x13}, 1234).
		Int(Field{Coding: CodingInt32, VIF: 0x13, Storage: 8}, 1000).
		Data(Field{Coding: CodingVariable, VIF: 0x79}, []byte{0x02, 'B', 'A'}).
		ManufacturerData(false, []byte{0x01}).
		Bytes()

	format, values, err := SplitLayout(apl)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x13, 0x84, 0x04, 0x13, 0x0D, 0x79, 0x0F}, format)

	joined, err := JoinLayout(format, values)
	require.NoError(t, err)
	assert.Equal(t, apl, joined)

	_, err = JoinLayout(format, values[:3])
	require.ErrorIs(t, err, ErrLayoutMismatch)
}
