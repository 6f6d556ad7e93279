package mbus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

var ErrUnsupportedVIF = errors.New("unsupported VIF")

const (
	vifExtensionFB = 0xFB
	vifExtensionFD = 0xFD
)

type valueKind uint8

const (
	kindNumber valueKind = iota
	kindDate
	kindDateTime
	kindText
	kindFlags
)

// Combinable VIFE codes with the extension bit cleared.
const (
	vifeForward      = 0x3B
	vifeBackward     = 0x3C
	vifeTimes1000    = 0x7D
	vifeManufacturer = 0x7F
)

// VIFInfo describes the quantity of a record and how to normalize it.
type VIFInfo struct {
	Quantity types.Quantity
	Unit     types.Unit
	// Exponent scales the raw value to Unit and Offset is added to the
	// scaled value. Multiplier is applied after both.
	Exponent   int32
	Offset     decimal.Decimal
	Multiplier int64
	Qualifier  types.Qualifier
	kind       valueKind
	// base is the exponent of the VIF's own unit relative to Unit.
	base int32
}

func (i VIFInfo) inBase(exp int) VIFInfo {
	i.base = int32(exp)
	return i
}

func number(q types.Quantity, u types.Unit, exp int) VIFInfo {
	return VIFInfo{Quantity: q, Unit: u, Exponent: int32(exp), Multiplier: 1, kind: kindNumber}
}

func scaled(q types.Quantity, u types.Unit, exp int, mul int64) VIFInfo {
	return VIFInfo{Quantity: q, Unit: u, Exponent: int32(exp), Multiplier: mul, kind: kindNumber}
}

var timeMultipliers = [4]int64{1, 60, 3600, 86400}

// VIFInfo resolves the primary VIF or the 0xFB/0xFD extension tables and
// folds in the combinable VIFEs that follow it.
func (r DataRecord) VIFInfo() (VIFInfo, error) {
	var (
		info VIFInfo
		err  error
		exts = r.VIFE
	)
	switch r.VIF {
	case vifExtensionFB:
		info, err = r.extensionFB()
		exts = exts[min(1, len(exts)):]
	case vifExtensionFD:
		info, err = r.extensionFD()
		exts = exts[min(1, len(exts)):]
	default:
		info, err = r.primary()
	}
	if err != nil {
		return VIFInfo{}, err
	}
	return info.combine(exts)
}

// combine applies the correction factors and qualifiers of EN 13757-3
// table 15. Any other VIFE makes the record unsupported.
func (i VIFInfo) combine(exts []byte) (VIFInfo, error) {
	for _, raw := range exts {
		e := raw & 0x7F
		switch {
		case e == vifeForward:
			i.Qualifier = types.QualifierForward
			continue
		case e == vifeBackward:
			i.Qualifier = types.QualifierBackward
			continue
		case e == vifeManufacturer:
			return VIFInfo{}, fmt.Errorf("%w: manufacturer specific VIFE %02X", ErrUnsupportedVIF, raw)
		}
		if i.kind != kindNumber || e < 0x70 || e == 0x7C || e == 0x7E {
			return VIFInfo{}, fmt.Errorf("%w: VIFE %02X", ErrUnsupportedVIF, raw)
		}
		switch {
		case e <= 0x77:
			// 10^(nnn-6)
			i.Exponent += int32(e&0x07) - 6
		case e <= 0x7B:
			// 10^(nn-3) in the unit of the VIF
			i.Offset = i.Offset.Add(decimal.New(1, int32(e&0x03)-3+i.base))
		case e == vifeTimes1000:
			i.Exponent += 3
		}
	}
	return i, nil
}

func (r DataRecord) primary() (VIFInfo, error) {
	v := r.VIF & 0x7F
	n := int(v & 0x07)
	switch {
	case v <= 0x07:
		// 10^(n-3) Wh
		return number(types.QuantityEnergy, types.UnitKWh, n-6).inBase(-3), nil
	case v <= 0x0F:
		// 10^n J
		return number(types.QuantityEnergy, types.UnitMJ, n-6).inBase(-6), nil
	case v <= 0x17:
		return number(types.QuantityVolume, types.UnitM3, n-6), nil
	case v <= 0x1F:
		return number(types.QuantityMass, types.UnitKg, n-3), nil
	case v <= 0x23:
		return scaled(types.QuantityOnTime, types.UnitSeconds, 0, timeMultipliers[v&0x03]), nil
	case v <= 0x27:
		return scaled(types.QuantityOperatingTime, types.UnitSeconds, 0, timeMultipliers[v&0x03]), nil
	case v <= 0x2F:
		// 10^(n-3) W
		return number(types.QuantityPower, types.UnitKW, n-6).inBase(-3), nil
	case v >= 0x38 && v <= 0x3F:
		return number(types.QuantityVolumeFlow, types.UnitM3h, n-6), nil
	case v >= 0x40 && v <= 0x47:
		return scaled(types.QuantityVolumeFlow, types.UnitM3h, n-7, 60), nil
	case v >= 0x48 && v <= 0x4F:
		return scaled(types.QuantityVolumeFlow, types.UnitM3h, n-9, 3600), nil
	case v >= 0x58 && v <= 0x5B:
		return number(types.QuantityFlowTemperature, types.UnitCelsius, int(v&0x03)-3), nil
	case v >= 0x5C && v <= 0x5F:
		return number(types.QuantityReturnTemp, types.UnitCelsius, int(v&0x03)-3), nil
	case v >= 0x60 && v <= 0x63:
		return number(types.QuantityTempDifference, types.UnitKelvin, int(v&0x03)-3), nil
	case v >= 0x64 && v <= 0x67:
		return number(types.QuantityExternalTemp, types.UnitCelsius, int(v&0x03)-3), nil
	case v >= 0x68 && v <= 0x6B:
		return number(types.QuantityPressure, types.UnitBar, int(v&0x03)-3), nil
	case v == 0x6C && r.Coding() == CodingInt16:
		return VIFInfo{Quantity: types.QuantityDate, kind: kindDate}, nil
	case v == 0x6D && r.Coding() == CodingInt32:
		return VIFInfo{Quantity: types.QuantityDateTime, kind: kindDateTime}, nil
	case v == 0x78:
		return VIFInfo{Quantity: types.QuantityFabricationNo, kind: kindText}, nil
	case v == 0x79:
		return VIFInfo{Quantity: types.QuantityEnhancedID, kind: kindText}, nil
	case v == 0x7A:
		return number(types.QuantityBusAddress, types.UnitNone, 0), nil
	}
	return VIFInfo{}, fmt.Errorf("%w: %02X", ErrUnsupportedVIF, r.VIF)
}

func (r DataRecord) extensionFB() (VIFInfo, error) {
	if len(r.VIFE) == 0 {
		return VIFInfo{}, fmt.Errorf("%w: FB without extension", ErrUnsupportedVIF)
	}
	e := r.VIFE[0] & 0x7F
	n := int(e & 0x01)
	switch e &^ 0x01 {
	case 0x00:
		// 10^(n-1) MWh
		return number(types.QuantityEnergy, types.UnitKWh, n+2).inBase(3), nil
	case 0x08:
		// 10^(n-1) GJ
		return number(types.QuantityEnergy, types.UnitMJ, n+2).inBase(3), nil
	case 0x10:
		return number(types.QuantityVolume, types.UnitM3, n+2), nil
	case 0x18:
		// 10^(n+2) t
		return number(types.QuantityMass, types.UnitKg, n+5).inBase(3), nil
	}
	return VIFInfo{}, fmt.Errorf("%w: FB %02X", ErrUnsupportedVIF, e)
}

func (r DataRecord) extensionFD() (VIFInfo, error) {
	if len(r.VIFE) == 0 {
		return VIFInfo{}, fmt.Errorf("%w: FD without extension", ErrUnsupportedVIF)
	}
	switch e := r.VIFE[0] & 0x7F; e {
	case 0x0E:
		return VIFInfo{Quantity: types.QuantityFirmware, kind: kindText}, nil
	case 0x0F:
		return VIFInfo{Quantity: types.QuantitySoftware, kind: kindText}, nil
	case 0x17:
		return VIFInfo{Quantity: types.QuantityErrorFlags, kind: kindFlags}, nil
	case 0x28:
		return number(types.QuantityStorageInterval, types.UnitMonths, 0), nil
	default:
		return VIFInfo{}, fmt.Errorf("%w: FD %02X", ErrUnsupportedVIF, e)
	}
}

// Decode normalizes the record. Records with a VIF or data field that
// cannot be interpreted return an error and should be skipped.
func (r DataRecord) Decode() (types.DecodedRecord, error) {
	info, err := r.VIFInfo()
	if err != nil {
		return types.DecodedRecord{}, err
	}
	out := types.DecodedRecord{
		Quantity:  info.Quantity,
		Unit:      info.Unit,
		Storage:   r.Storage(),
		Tariff:    r.Tariff(),
		Subunit:   r.Subunit(),
		Function:  r.Function(),
		Qualifier: info.Qualifier,
	}

	switch info.kind {
	case kindNumber:
		v, err := r.Decimal(info.Exponent)
		if err != nil {
			return types.DecodedRecord{}, err
		}
		if !info.Offset.IsZero() {
			v = v.Add(info.Offset)
		}
		if info.Multiplier > 1 {
			v = v.Mul(decimal.NewFromInt(info.Multiplier))
		}
		out.Value = v
		out.Cumulative = isCumulative(info.Quantity) && out.Function == types.FunctionInstantaneous
	case kindDate:
		t, err := DateG(r.Data)
		if err != nil {
			return types.DecodedRecord{}, err
		}
		out.Time, out.Text = t, t.Format("2006-01-02")
	case kindDateTime:
		t, err := DateTimeF(r.Data)
		if err != nil {
			return types.DecodedRecord{}, err
		}
		out.Time, out.Text = t, t.Format("2006-01-02 15:04")
	case kindText:
		out.Text = r.Text()
	case kindFlags:
		flags := r.Uint()
		out.Value = decimal.NewFromInt(int64(flags))
		out.Text = FormatErrorFlags(flags)
	}
	out.Name = DefaultName(out)
	return out, nil
}

// FormatErrorFlags renders the status field of a meter.
func FormatErrorFlags(flags uint64) string {
	if flags == 0 {
		return "OK"
	}
	return fmt.Sprintf("ERROR_FLAGS_%04X", flags&0xFFFF)
}

func isCumulative(q types.Quantity) bool {
	switch q {
	case types.QuantityVolume, types.QuantityEnergy, types.QuantityMass:
		return true
	}
	return false
}

// DefaultName derives a stable record name from quantity, unit, qualifier
// and the storage, tariff, subunit and function fields.
func DefaultName(r types.DecodedRecord) string {
	var b strings.Builder
	b.WriteString(string(r.Quantity))
	if r.Unit != types.UnitNone {
		b.WriteByte('_')
		b.WriteString(strings.ToLower(strings.ReplaceAll(string(r.Unit), "/", "")))
	}
	if r.Qualifier != types.QualifierNone {
		b.WriteByte('_')
		b.WriteString(string(r.Qualifier))
	}
	if r.Function != types.FunctionInstantaneous {
		b.WriteByte('_')
		b.WriteString(r.Function.String())
	}
	if r.Storage != 0 {
		fmt.Fprintf(&b, "_storage_%d", r.Storage)
	}
	if r.Tariff != 0 {
		fmt.Fprintf(&b, "_tariff_%d", r.Tariff)
	}
	if r.Subunit != 0 {
		fmt.Fprintf(&b, "_subunit_%d", r.Subunit)
	}
	return b.String()
}
