package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quantity is the physical kind of a decoded record.
type Quantity string

const (
	QuantityVolume          Quantity = "volume"
	QuantityEnergy          Quantity = "energy"
	QuantityMass            Quantity = "mass"
	QuantityPower           Quantity = "power"
	QuantityVolumeFlow      Quantity = "volume_flow"
	QuantityFlowTemperature Quantity = "flow_temperature"
	QuantityReturnTemp      Quantity = "return_temperature"
	QuantityExternalTemp    Quantity = "external_temperature"
	QuantityTempDifference  Quantity = "temperature_difference"
	QuantityPressure        Quantity = "pressure"
	QuantityOnTime          Quantity = "on_time"
	QuantityOperatingTime   Quantity = "operating_time"
	QuantityDate            Quantity = "date"
	QuantityDateTime        Quantity = "date_time"
	QuantityFabricationNo   Quantity = "fabrication_no"
	QuantityEnhancedID      Quantity = "enhanced_id"
	QuantityBusAddress      Quantity = "bus_address"
	QuantityErrorFlags      Quantity = "error_flags"
	QuantityFirmware        Quantity = "firmware_version"
	QuantitySoftware        Quantity = "software_version"
	QuantityStorageInterval Quantity = "storage_interval"
)

// Unit is the normalized unit a record value is expressed in.
type Unit string

const (
	UnitNone    Unit = ""
	UnitM3      Unit = "m3"
	UnitKWh     Unit = "kWh"
	UnitMJ      Unit = "MJ"
	UnitKg      Unit = "kg"
	UnitKW      Unit = "kW"
	UnitM3h     Unit = "m3/h"
	UnitCelsius Unit = "C"
	UnitKelvin  Unit = "K"
	UnitBar     Unit = "bar"
	UnitSeconds Unit = "s"
	UnitMonths  Unit = "months"
)

// Function is the M-Bus function field of a data record.
type Function uint8

const (
	FunctionInstantaneous Function = iota
	FunctionMaximum
	FunctionMinimum
	FunctionError
)

func (f Function) String() string {
	switch f {
	case FunctionMaximum:
		return "max"
	case FunctionMinimum:
		return "min"
	case FunctionError:
		return "error"
	default:
		return "instantaneous"
	}
}

// Qualifier narrows what a record counts, from a combinable VIFE.
type Qualifier string

const (
	QualifierNone     Qualifier = ""
	QualifierForward  Qualifier = "forward"
	QualifierBackward Qualifier = "backward"
)

// DecodedRecord is one normalized quantity extracted from a telegram.
//
// Numeric quantities carry Value in Unit. Dates carry Time (and Text),
// identifiers and flags carry Text.
type DecodedRecord struct {
	Name       string          `json:"name"`
	Quantity   Quantity        `json:"quantity"`
	Unit       Unit            `json:"unit,omitempty"`
	Value      decimal.Decimal `json:"value"`
	Text       string          `json:"text,omitempty"`
	Time       time.Time       `json:"time,omitempty"`
	Storage    uint32          `json:"storage"`
	Tariff     uint32          `json:"tariff"`
	Subunit    uint32          `json:"subunit"`
	Function   Function        `json:"function"`
	Qualifier  Qualifier       `json:"qualifier,omitempty"`
	Cumulative bool            `json:"cumulative"`
}

// Float returns the value as float64 for presentation layers.
func (r DecodedRecord) Float() float64 {
	return r.Value.InexactFloat64()
}

// IsNumeric reports whether the record carries a measured value.
func (r DecodedRecord) IsNumeric() bool {
	return r.Unit != UnitNone || (r.Text == "" && r.Time.IsZero())
}

// String renders the value the way it is published as an attribute.
func (r DecodedRecord) String() string {
	if r.Text != "" {
		return r.Text
	}
	return r.Value.String()
}
