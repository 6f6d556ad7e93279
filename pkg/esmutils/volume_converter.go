package esmutils

import "github.com/shopspring/decimal"

var thousand = decimal.NewFromInt(1000)

// M3ToLitres converts a volume for storage. Negative volumes become 0.
func M3ToLitres(m3 decimal.Decimal) int64 {
	if m3.IsNegative() {
		return 0
	}
	return m3.Mul(thousand).Round(0).IntPart()
}

func LitresToM3(litres int64) float64 {
	return float64(litres) / 1000
}

// KWhToWh converts energy for storage. Negative values become 0.
func KWhToWh(kwh decimal.Decimal) int64 {
	if kwh.IsNegative() {
		return 0
	}
	return kwh.Mul(thousand).Round(0).IntPart()
}

func WhToKWh(wh int64) float64 {
	return float64(wh) / 1000
}
