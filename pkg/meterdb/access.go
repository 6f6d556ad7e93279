package meterdb

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/NotCoffee418/wmbus_parser/pkg/driver"
	"github.com/NotCoffee418/wmbus_parser/pkg/esmutils"
	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

// ReadingFromNotification converts a notification to its stored form.
func ReadingFromNotification(n *types.Notification) Reading {
	r := Reading{
		EventID:      n.EventID,
		Meter:        n.Snapshot.ID,
		MeterAddress: n.Snapshot.MeterID,
		Driver:       n.Snapshot.Driver,
		Timestamp:    n.Timestamp.Unix(),
		Anomaly:      n.Anomaly,
	}
	if n.Snapshot.TotalM3 != nil {
		litres := esmutils.M3ToLitres(decimal.NewFromFloat(*n.Snapshot.TotalM3))
		r.TotalLitres = &litres
	}
	if rec, ok := n.Snapshot.Records[driver.RecordTotalEnergy]; ok {
		wh := esmutils.KWhToWh(rec.Value)
		r.TotalEnergyWh = &wh
	}
	return r
}

// InsertReading stores a notification with its records. Notifications
// already stored under the same event id are ignored; inserted reports
// whether a row was written.
func InsertReading(db *sql.DB, n *types.Notification) (inserted bool, err error) {
	if db == nil {
		return false, ErrNotInitialized
	}
	reading := ReadingFromNotification(n)

	tx, err := db.Begin()
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.Exec(
		"INSERT OR IGNORE INTO readings "+
			"(event_id, meter, meter_address, driver, timestamp, total_litres, total_energy_wh, anomaly) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		reading.EventID,
		reading.Meter,
		reading.MeterAddress,
		reading.Driver,
		reading.Timestamp,
		reading.TotalLitres,
		reading.TotalEnergyWh,
		reading.Anomaly,
	)
	if err != nil {
		return false, fmt.Errorf("insert reading %s: %w", reading.EventID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, tx.Commit()
	}
	readingID, err := res.LastInsertId()
	if err != nil {
		return false, err
	}

	stmt, err := tx.Prepare(
		"INSERT INTO reading_records (reading_id, name, quantity, unit, value, text) " +
			"VALUES (?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return false, err
	}
	defer stmt.Close()
	for _, rec := range sortedRecords(n.Snapshot.Records) {
		if _, err = stmt.Exec(readingID, rec.Name, string(rec.Quantity), string(rec.Unit), rec.Value.String(), rec.Text); err != nil {
			return false, fmt.Errorf("insert record %s: %w", rec.Name, err)
		}
	}
	return true, tx.Commit()
}

func sortedRecords(records map[string]types.DecodedRecord) []types.DecodedRecord {
	out := make([]types.DecodedRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b types.DecodedRecord) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// LatestReading returns the newest reading of a meter, or nil if there is none.
func LatestReading(db *sql.DB, meter string) (*Reading, error) {
	if db == nil {
		return nil, ErrNotInitialized
	}
	var r Reading
	err := db.QueryRow(
		"SELECT id, event_id, meter, meter_address, driver, timestamp, total_litres, total_energy_wh, anomaly "+
			"FROM readings WHERE meter = ? ORDER BY timestamp DESC, id DESC LIMIT 1",
		meter,
	).Scan(&r.ID, &r.EventID, &r.Meter, &r.MeterAddress, &r.Driver, &r.Timestamp, &r.TotalLitres, &r.TotalEnergyWh, &r.Anomaly)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func ReadingRecords(db *sql.DB, readingID int64) ([]ReadingRecord, error) {
	if db == nil {
		return nil, ErrNotInitialized
	}
	rows, err := db.Query(
		"SELECT reading_id, name, quantity, unit, value, text FROM reading_records "+
			"WHERE reading_id = ? ORDER BY name",
		readingID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReadingRecord
	for rows.Next() {
		var rec ReadingRecord
		if err := rows.Scan(&rec.ReadingID, &rec.Name, &rec.Quantity, &rec.Unit, &rec.Value, &rec.Text); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Meters lists every meter that has stored readings.
func Meters(db *sql.DB) ([]string, error) {
	if db == nil {
		return nil, ErrNotInitialized
	}
	rows, err := db.Query("SELECT DISTINCT meter FROM readings ORDER BY meter")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func InsertSnapshotVolumeHourly(db *sql.DB, s SnapshotVolumeHourly) error {
	if db == nil {
		return ErrNotInitialized
	}
	_, err := db.Exec(
		"INSERT OR REPLACE INTO snapshot_volume_hourly (meter, timestamp, litres_standing) "+
			"VALUES (?, ?, ?)",
		s.Meter,
		s.Timestamp,
		s.LitresStanding,
	)
	return err
}

func InsertAggregateVolumeDaily(db *sql.DB, a AggregateVolumeDaily) error {
	if db == nil {
		return ErrNotInitialized
	}
	_, err := db.Exec(
		"INSERT OR REPLACE INTO aggregate_volume_daily (meter, day_start, litres, sample_count) "+
			"VALUES (?, ?, ?, ?)",
		a.Meter,
		a.DayStart,
		a.Litres,
		a.SampleCount,
	)
	return err
}

// DeleteReadingsBefore removes readings and their records older than cutoff.
func DeleteReadingsBefore(db *sql.DB, cutoff int64) (int64, error) {
	if db == nil {
		return 0, ErrNotInitialized
	}
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(
		"DELETE FROM reading_records WHERE reading_id IN (SELECT id FROM readings WHERE timestamp < ?)",
		cutoff,
	); err != nil {
		tx.Rollback()
		return 0, err
	}
	res, err := tx.Exec("DELETE FROM readings WHERE timestamp < ?", cutoff)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	return n, tx.Commit()
}
