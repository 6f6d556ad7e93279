package driver

import (
	"fmt"

	"github.com/NotCoffee418/wmbus_parser/pkg/mbus"
	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

const (
	NameAcmeWater = "acme-water"
	NameAcmeHeat  = "acme-heat"
)

// Record names shared by the drivers.
const (
	RecordTotalM3       = "total_m3"
	RecordTargetM3      = "target_m3"
	RecordCurrentStatus = "current_status"
	RecordDeviceTime    = "device_date_time"
	RecordTotalEnergy   = "total_energy_kwh"
	RecordTotalEnergyMJ = "total_energy_mj"
	RecordPower         = "power_kw"
	RecordFlow          = "flow_m3h"
	RecordFlowTemp      = "flow_temperature_c"
	RecordReturnTemp    = "return_temperature_c"
	RecordTempDiff      = "temperature_difference_k"
)

func current(rec *types.DecodedRecord) bool {
	return rec.Storage == 0 && rec.Tariff == 0 && rec.Subunit == 0 &&
		rec.Function == types.FunctionInstantaneous && rec.Qualifier == types.QualifierNone
}

// firstOf keeps only the first record with a given name.
func firstOf(seen map[string]bool, name string) bool {
	if seen[name] {
		return false
	}
	seen[name] = true
	return true
}

func hasRecord(res *Result, name string) bool {
	for _, r := range res.Records {
		if r.Name == name {
			return true
		}
	}
	return false
}

// decodeAcmeWater handles single-register water meters that report the
// total and the volume at the last due date.
func decodeAcmeWater(apl []byte) (*Result, error) {
	seen := make(map[string]bool)
	res := decodeRecords(apl, func(_ mbus.DataRecord, rec *types.DecodedRecord) bool {
		switch {
		case rec.Quantity == types.QuantityVolume && current(rec):
			rec.Name = RecordTotalM3
		case rec.Quantity == types.QuantityVolume && rec.Storage == 1:
			rec.Name = RecordTargetM3
			rec.Cumulative = false
		case rec.Quantity == types.QuantityErrorFlags:
			rec.Name = RecordCurrentStatus
		case rec.Quantity == types.QuantityDateTime && rec.Storage == 0:
			rec.Name = RecordDeviceTime
		default:
			return false
		}
		return firstOf(seen, rec.Name)
	})
	if !hasRecord(res, RecordTotalM3) {
		return nil, fmt.Errorf("%w: volume", ErrMissingTotal)
	}
	return res, nil
}

// decodeAcmeHeat handles heat meters reporting energy, volume, power and
// the circuit temperatures.
func decodeAcmeHeat(apl []byte) (*Result, error) {
	seen := make(map[string]bool)
	res := decodeRecords(apl, func(_ mbus.DataRecord, rec *types.DecodedRecord) bool {
		if rec.Quantity == types.QuantityErrorFlags {
			rec.Name = RecordCurrentStatus
			return firstOf(seen, rec.Name)
		}
		if !current(rec) {
			return false
		}
		switch rec.Quantity {
		case types.QuantityEnergy:
			rec.Name = RecordTotalEnergy
			if rec.Unit == types.UnitMJ {
				rec.Name = RecordTotalEnergyMJ
			}
		case types.QuantityVolume:
			rec.Name = RecordTotalM3
		case types.QuantityPower:
			rec.Name = RecordPower
		case types.QuantityVolumeFlow:
			rec.Name = RecordFlow
		case types.QuantityFlowTemperature:
			rec.Name = RecordFlowTemp
		case types.QuantityReturnTemp:
			rec.Name = RecordReturnTemp
		case types.QuantityTempDifference:
			rec.Name = RecordTempDiff
		case types.QuantityDateTime:
			rec.Name = RecordDeviceTime
		default:
			return false
		}
		return firstOf(seen, rec.Name)
	})
	if !hasRecord(res, RecordTotalEnergy) && !hasRecord(res, RecordTotalEnergyMJ) {
		return nil, fmt.Errorf("%w: energy", ErrMissingTotal)
	}
	return res, nil
}
