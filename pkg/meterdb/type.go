package meterdb

// Reading is one stored notification. Totals are nil when the meter
// did not report them.
type Reading struct {
	ID            int64  `db:"id"`
	EventID       string `db:"event_id"`
	Meter         string `db:"meter"`
	MeterAddress  string `db:"meter_address"`
	Driver        string `db:"driver"`
	Timestamp     int64  `db:"timestamp"`
	TotalLitres   *int64 `db:"total_litres"`
	TotalEnergyWh *int64 `db:"total_energy_wh"`
	Anomaly       bool   `db:"anomaly"`
}

// ReadingRecord is one decoded record attached to a reading.
type ReadingRecord struct {
	ReadingID int64  `db:"reading_id"`
	Name      string `db:"name"`
	Quantity  string `db:"quantity"`
	Unit      string `db:"unit"`
	Value     string `db:"value"`
	Text      string `db:"text"`
}

// Snapshot models - retained meter standings
type SnapshotVolumeHourly struct {
	Meter          string `db:"meter"`
	Timestamp      int64  `db:"timestamp"`
	LitresStanding int64  `db:"litres_standing"`
}

// Aggregate models - computed consumption deltas
type AggregateVolumeDaily struct {
	Meter       string `db:"meter"`
	DayStart    int64  `db:"day_start"`
	Litres      int64  `db:"litres"`
	SampleCount uint32 `db:"sample_count"`
}
