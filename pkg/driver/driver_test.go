package driver

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotCoffee418/wmbus_parser/pkg/mbus"
	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

func byName(t *testing.T, res *Result) map[string]types.DecodedRecord {
	t.Helper()
	out := make(map[string]types.DecodedRecord, len(res.Records))
	for _, r := range res.Records {
		_, dup := out[r.Name]
		require.False(t, dup, "duplicate record %s", r.Name)
		out[r.Name] = r
	}
	return out
}

func requireValue(t *testing.T, want string, rec types.DecodedRecord) {
	t.Helper()
	assert.True(t, rec.Value.Equal(decimal.RequireFromString(want)), "%s: want %s, got %s", rec.Name, want, rec.Value)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	d := DecodeFunc(decodeGeneric)
	require.NoError(t, r.Register("b", d))
	require.NoError(t, r.Register("a", d))
	require.ErrorIs(t, r.Register("a", d), ErrDuplicateDriver)
	require.Error(t, r.Register("", d))

	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("c"))

	_, err := r.Decode("c", nil)
	require.ErrorIs(t, err, ErrUnknownDriver)
	assert.Panics(t, func() { r.MustRegister("a", d) })
}

func TestDefaultRegistry(t *testing.T) {
	assert.Equal(t, []string{NameAcmeHeat, NameAcmeWater, NameEvo868, NameGeneric}, Default().Names())
	assert.Same(t, Default(), Default())
}

// Every driver that reports a total volume normalizes it to m3 whatever
// exponent the meter uses.
func TestVolumeRoundTrip(t *testing.T) {
	for _, name := range []string{NameGeneric, NameAcmeWater, NameEvo868} {
		for _, tc := range []struct {
			vif  byte
			raw  int64
			want string
		}{
			{0x10, 1234567, "1.234567"},
			{0x13, 1234, "1.234"},
			{0x14, 1234, "12.34"},
			{0x15, 1234, "123.4"},
			{0x16, 1234, "1234"},
			{0x17, 1234, "12340"},
		} {
			enc := mbus.NewEncoder().Filler(2).Int(mbus.Field{Coding: mbus.CodingInt32, VIF: tc.vif}, tc.raw)
			require.NoError(t, enc.Err())

			res, err := Default().Decode(name, enc.Bytes())
			require.NoError(t, err, name)
			require.Len(t, res.Records, 1, name)
			assert.Equal(t, types.UnitM3, res.Records[0].Unit)
			requireValue(t, tc.want, res.Records[0])
		}
	}
}

func TestPartialDecodeKeepsUnderstoodRecords(t *testing.T) {
	enc := mbus.NewEncoder().
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13}, 1234).
		Int(mbus.Field{Coding: mbus.CodingInt16, VIF: 0x7F}, 7)
	require.NoError(t, enc.Err())

	res, err := Default().Decode(NameAcmeWater, enc.Bytes())
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, RecordTotalM3, res.Records[0].Name)
	requireValue(t, "1.234", res.Records[0])
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "unsupported VIF")
}

func TestAcmeWater(t *testing.T) {
	enc := mbus.NewEncoder().
		Filler(2).
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13}, 1234).
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13, Storage: 1}, 1000).
		Data(mbus.Field{Coding: mbus.CodingInt16, VIF: 0xFD, VIFE: []byte{0x17}}, []byte{0, 0}).
		Int(mbus.Field{Coding: mbus.CodingInt16, VIF: 0x5A}, 100)
	require.NoError(t, enc.Err())

	res, err := Default().Decode(NameAcmeWater, enc.Bytes())
	require.NoError(t, err)
	records := byName(t, res)
	require.Len(t, records, 3)
	requireValue(t, "1.234", records[RecordTotalM3])
	assert.True(t, records[RecordTotalM3].Cumulative)
	requireValue(t, "1", records[RecordTargetM3])
	assert.False(t, records[RecordTargetM3].Cumulative)
	assert.Equal(t, "OK", records[RecordCurrentStatus].Text)
	assert.Empty(t, res.Warnings)
}

func TestAcmeWaterMissingTotal(t *testing.T) {
	enc := mbus.NewEncoder().Int(mbus.Field{Coding: mbus.CodingInt16, VIF: 0x5A}, 100)
	_, err := Default().Decode(NameAcmeWater, enc.Bytes())
	require.ErrorIs(t, err, ErrMissingTotal)
}

func TestAcmeHeat(t *testing.T) {
	enc := mbus.NewEncoder().
		Filler(2).
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x06}, 4321).
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13}, 98765).
		Int(mbus.Field{Coding: mbus.CodingInt24, VIF: 0x2B}, 1500).
		Int(mbus.Field{Coding: mbus.CodingInt24, VIF: 0x3B}, 250).
		Int(mbus.Field{Coding: mbus.CodingInt16, VIF: 0x5A}, 652).
		Int(mbus.Field{Coding: mbus.CodingInt16, VIF: 0x5E}, 401).
		Int(mbus.Field{Coding: mbus.CodingInt16, VIF: 0x62}, 251).
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x06, Storage: 1}, 4000)
	require.NoError(t, enc.Err())

	res, err := Default().Decode(NameAcmeHeat, enc.Bytes())
	require.NoError(t, err)
	records := byName(t, res)
	require.Len(t, records, 7)
	requireValue(t, "4321", records[RecordTotalEnergy])
	requireValue(t, "98.765", records[RecordTotalM3])
	requireValue(t, "1.5", records[RecordPower])
	requireValue(t, "0.25", records[RecordFlow])
	requireValue(t, "65.2", records[RecordFlowTemp])
	requireValue(t, "40.1", records[RecordReturnTemp])
	requireValue(t, "25.1", records[RecordTempDiff])
}

func TestEvo868(t *testing.T) {
	setDate := time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC)
	now := time.Date(2025, time.October, 3, 14, 20, 0, 0, time.UTC)
	maxFlowAt := time.Date(2025, time.July, 12, 6, 45, 0, 0, time.UTC)

	enc := mbus.NewEncoder().
		Filler(2).
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13}, 123456).
		Date(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x6D}, now).
		Int(mbus.Field{Coding: mbus.CodingBCD12, VIF: 0x78}, 220012345).
		Data(mbus.Field{Coding: mbus.CodingInt16, VIF: 0xFD, VIFE: []byte{0x17}}, []byte{0x00, 0x00}).
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13, Storage: 1}, 100000).
		Date(mbus.Field{Coding: mbus.CodingInt16, VIF: 0x6C, Storage: 1}, setDate).
		Int(mbus.Field{Coding: mbus.CodingInt24, VIF: 0x3B, Function: types.FunctionMaximum, Storage: 3}, 1963).
		Date(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x6D, Storage: 3}, maxFlowAt).
		Date(mbus.Field{Coding: mbus.CodingInt16, VIF: 0x6C, Storage: 8}, setDate).
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13, Storage: 8}, 120000).
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13, Storage: 9}, 110000)
	require.NoError(t, enc.Err())

	res, err := Default().Decode(NameEvo868, enc.Bytes())
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	records := byName(t, res)

	requireValue(t, "123.456", records[RecordTotalM3])
	assert.True(t, records[RecordTotalM3].Cumulative)
	assert.Equal(t, "2025-10-03 14:20", records[RecordDeviceTime].Text)
	assert.Equal(t, "000220012345", records["fabrication_no"].Text)
	assert.Equal(t, "OK", records[RecordCurrentStatus].Text)
	requireValue(t, "100", records["consumption_at_set_date_m3"])
	assert.Equal(t, "2024-12-31", records["set_date"].Text)
	requireValue(t, "1.963", records["max_flow_since_datetime_m3h"])
	assert.Equal(t, "2025-07-12 06:45", records["max_flow_datetime"].Text)
	assert.Equal(t, "2024-12-31", records["history_reference_date"].Text)
	requireValue(t, "120", records["consumption_at_history_1_m3"])
	requireValue(t, "110", records["consumption_at_history_2_m3"])
	assert.False(t, records["consumption_at_history_1_m3"].Cumulative)
	requireValue(t, "1", records["history_interval_months"])
}

func TestEvo868WithoutHistoryHasNoInterval(t *testing.T) {
	for _, tc := range []struct {
		name string
		enc  *mbus.Encoder
	}{
		{"no interval record", mbus.NewEncoder().
			Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13}, 123456)},
		{"interval record sent", mbus.NewEncoder().
			Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13}, 123456).
			Int(mbus.Field{Coding: mbus.CodingInt8, VIF: 0xFD, VIFE: []byte{0x28}}, 1)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.enc.Err())
			res, err := Default().Decode(NameEvo868, tc.enc.Bytes())
			require.NoError(t, err)
			records := byName(t, res)
			requireValue(t, "123.456", records[RecordTotalM3])
			assert.NotContains(t, records, "history_interval_months")
		})
	}
}

func TestEvo868HistoryKeepsSentInterval(t *testing.T) {
	enc := mbus.NewEncoder().
		Int(mbus.Field{Coding: mbus.CodingInt8, VIF: 0xFD, VIFE: []byte{0x28}}, 3).
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13}, 123456).
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13, Storage: 8}, 120000)
	require.NoError(t, enc.Err())

	res, err := Default().Decode(NameEvo868, enc.Bytes())
	require.NoError(t, err)
	records := byName(t, res)
	requireValue(t, "3", records["history_interval_months"])
	requireValue(t, "120", records["consumption_at_history_1_m3"])
}

func TestEvo868MissingTotal(t *testing.T) {
	enc := mbus.NewEncoder().Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13, Storage: 1}, 1)
	_, err := Default().Decode(NameEvo868, enc.Bytes())
	require.ErrorIs(t, err, ErrMissingTotal)
}

func TestGenericKeepsAllUnderstoodRecords(t *testing.T) {
	enc := mbus.NewEncoder().
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13}, 5).
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13, Tariff: 1}, 6).
		Int(mbus.Field{Coding: mbus.CodingInt16, VIF: 0x5A}, 7)
	require.NoError(t, enc.Err())

	res, err := Default().Decode(NameGeneric, enc.Bytes())
	require.NoError(t, err)
	records := byName(t, res)
	assert.Contains(t, records, "volume_m3")
	assert.Contains(t, records, "volume_m3_tariff_1")
	assert.Contains(t, records, "flow_temperature_c")
}

func TestGenericNamesAreUniquePerFrame(t *testing.T) {
	enc := mbus.NewEncoder().
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13}, 100000).
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13, VIFE: []byte{0x3C}}, 5).
		Int(mbus.Field{Coding: mbus.CodingInt16, VIF: 0xFB, VIFE: []byte{0x10}}, 2).
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13, VIFE: []byte{0x7F}}, 9)
	require.NoError(t, enc.Err())

	res, err := Default().Decode(NameGeneric, enc.Bytes())
	require.NoError(t, err)
	records := byName(t, res)
	require.Len(t, records, 3)
	requireValue(t, "100", records["volume_m3"])
	requireValue(t, "0.005", records["volume_m3_backward"])
	requireValue(t, "200", records["volume_m3_2"])
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "manufacturer specific VIFE")
}

func TestAcmeWaterIgnoresBackwardVolume(t *testing.T) {
	enc := mbus.NewEncoder().
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13, VIFE: []byte{0x3C}}, 5).
		Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13, VIFE: []byte{0x75}}, 1234)
	require.NoError(t, enc.Err())

	res, err := Default().Decode(NameAcmeWater, enc.Bytes())
	require.NoError(t, err)
	requireValue(t, "0.1234", byName(t, res)[RecordTotalM3])
}
