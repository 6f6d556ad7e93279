package driver

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/NotCoffee418/wmbus_parser/pkg/mbus"
	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

const NameEvo868 = "evo868"

// History volumes start at storage 8; storage 8 is history month 1.
const evo868HistoryStorage = 8

// decodeEvo868 decodes Maddalena EVO 868 water meters: the current total,
// two due-date volumes, up to twelve monthly history volumes, the maximum
// flow and its timestamp, status flags and the fabrication number.
func decodeEvo868(apl []byte) (*Result, error) {
	seen := make(map[string]bool)
	var (
		history     bool
		hasInterval bool
	)
	res := decodeRecords(apl, func(_ mbus.DataRecord, rec *types.DecodedRecord) bool {
		switch rec.Quantity {
		case types.QuantityVolume:
			switch s := rec.Storage; {
			case s == 0 && rec.Qualifier == types.QualifierNone:
				rec.Name = RecordTotalM3
			case s == 1:
				rec.Name = "consumption_at_set_date_m3"
			case s == 2:
				rec.Name = "consumption_at_set_date_2_m3"
			case s >= evo868HistoryStorage:
				rec.Name = fmt.Sprintf("consumption_at_history_%d_m3", s-evo868HistoryStorage+1)
				history = true
			default:
				return false
			}
			if rec.Storage != 0 {
				rec.Cumulative = false
			}
		case types.QuantityDate:
			switch rec.Storage {
			case 1:
				rec.Name = "set_date"
			case 2:
				rec.Name = "set_date_2"
			case evo868HistoryStorage:
				rec.Name = "history_reference_date"
			default:
				return false
			}
		case types.QuantityDateTime:
			switch rec.Storage {
			case 0:
				rec.Name = RecordDeviceTime
			case 3:
				rec.Name = "max_flow_datetime"
			default:
				return false
			}
		case types.QuantityVolumeFlow:
			rec.Name = "max_flow_since_datetime_m3h"
		case types.QuantityFabricationNo:
			rec.Name = "fabrication_no"
		case types.QuantityErrorFlags:
			rec.Name = RecordCurrentStatus
		case types.QuantityStorageInterval:
			rec.Name = "history_interval_months"
			if rec.Value.IsZero() {
				rec.Value = decimal.NewFromInt(1)
			}
			hasInterval = true
		default:
			return false
		}
		return firstOf(seen, rec.Name)
	})
	if !hasRecord(res, RecordTotalM3) {
		return nil, fmt.Errorf("%w: volume", ErrMissingTotal)
	}
	switch {
	case !history:
		// The interval only describes the history volumes
		res.Records = slices.DeleteFunc(res.Records, func(r types.DecodedRecord) bool {
			return r.Quantity == types.QuantityStorageInterval
		})
	case !hasInterval:
		res.Records = append(res.Records, types.DecodedRecord{
			Name:     "history_interval_months",
			Quantity: types.QuantityStorageInterval,
			Unit:     types.UnitMonths,
			Value:    decimal.NewFromInt(1),
		})
	}
	return res, nil
}
