package aggregator

import (
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NotCoffee418/wmbus_parser/pkg/meterdb"
)

// roundToHourStart returns the Unix timestamp of the start of the hour for the given time
func roundToHourStart(t time.Time) int64 {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC).Unix()
}

// roundToDayStart returns the Unix timestamp of the start of the day for the given time
func roundToDayStart(t time.Time) int64 {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

// getHourEnd returns the last second of the hour (next hour start - 1)
func getHourEnd(hourStart int64) int64 {
	return hourStart + int64(time.Hour/time.Second) - 1
}

// getDayEnd returns the last second of the day (next day start - 1)
func getDayEnd(dayStart int64) int64 {
	return time.Unix(dayStart, 0).UTC().AddDate(0, 0, 1).Unix() - 1
}

// lastStanding returns the newest total of a meter within [from, to].
func lastStanding(db *sql.DB, meter string, from, to int64) (int64, bool, error) {
	var litres int64
	err := db.QueryRow(`
		SELECT total_litres
		FROM readings
		WHERE meter = ? AND total_litres IS NOT NULL AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`, meter, from, to).Scan(&litres)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return litres, true, nil
}

// snapshotVolumeHourly keeps the last known total of the hour.
func snapshotVolumeHourly(db *sql.DB, meter string, hourStart int64) (bool, error) {
	litres, ok, err := lastStanding(db, meter, hourStart, getHourEnd(hourStart))
	if err != nil || !ok {
		// No entry within timeframe, that's okay
		return false, err
	}
	return true, meterdb.InsertSnapshotVolumeHourly(db, meterdb.SnapshotVolumeHourly{
		Meter:          meter,
		Timestamp:      hourStart,
		LitresStanding: litres,
	})
}

// aggregateVolumeDaily stores the consumption of one day. The baseline is
// the last total before the day, or the first total within it.
func aggregateVolumeDaily(db *sql.DB, meter string, dayStart int64) (bool, error) {
	dayEnd := getDayEnd(dayStart)

	var (
		count       uint32
		first, last sql.NullInt64
	)
	err := db.QueryRow(`
		SELECT
			COUNT(*),
			(SELECT total_litres FROM readings
				WHERE meter = ?1 AND total_litres IS NOT NULL AND timestamp >= ?2 AND timestamp <= ?3
				ORDER BY timestamp ASC, id ASC LIMIT 1),
			(SELECT total_litres FROM readings
				WHERE meter = ?1 AND total_litres IS NOT NULL AND timestamp >= ?2 AND timestamp <= ?3
				ORDER BY timestamp DESC, id DESC LIMIT 1)
		FROM readings
		WHERE meter = ?1 AND total_litres IS NOT NULL AND timestamp >= ?2 AND timestamp <= ?3
	`, meter, dayStart, dayEnd).Scan(&count, &first, &last)
	if err != nil {
		return false, err
	}
	if count == 0 || !last.Valid {
		return false, nil
	}

	baseline := first.Int64
	if before, ok, err := lastStanding(db, meter, 0, dayStart-1); err != nil {
		return false, err
	} else if ok {
		baseline = before
	}

	litres := last.Int64 - baseline
	if litres < 0 {
		log.Warn().Str("meter", meter).Int64("day_start", dayStart).Int64("litres", litres).
			Msg("Negative daily consumption, storing 0")
		litres = 0
	}
	return true, meterdb.InsertAggregateVolumeDaily(db, meterdb.AggregateVolumeDaily{
		Meter:       meter,
		DayStart:    dayStart,
		Litres:      litres,
		SampleCount: count,
	})
}

// cleanupOldData removes readings older than the retention period once
// hourly snapshots cover the cutoff.
func cleanupOldData(db *sql.DB, now time.Time, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)
	cutoffTimestamp := cutoff.Unix()

	var lastSnapshot sql.NullInt64
	if err := db.QueryRow("SELECT MAX(timestamp) FROM snapshot_volume_hourly").Scan(&lastSnapshot); err != nil {
		return 0, err
	}
	if !lastSnapshot.Valid || lastSnapshot.Int64 < cutoffTimestamp {
		// We haven't aggregated enough data yet, don't clean up
		return 0, nil
	}

	deleted, err := meterdb.DeleteReadingsBefore(db, cutoffTimestamp)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		log.Info().Int64("readings", deleted).Time("cutoff", cutoff).Msg("Cleaned up old readings")
	}
	return deleted, nil
}

// AggregateAndCleanup snapshots the hour before now for every meter,
// aggregates the previous day right after midnight and removes readings
// past the retention period.
func AggregateAndCleanup(db *sql.DB, now time.Time, retentionDays int) (Summary, error) {
	if db == nil {
		return Summary{}, meterdb.ErrNotInitialized
	}
	now = now.UTC()
	// Aggregate the previous hour (current hour is still ongoing)
	summary := Summary{HourStart: roundToHourStart(now.Add(-time.Hour))}

	meters, err := meterdb.Meters(db)
	if err != nil {
		return summary, err
	}

	newDay := now.Hour() == 0
	if newDay {
		summary.DayStart = roundToDayStart(now.AddDate(0, 0, -1))
	}

	for _, meter := range meters {
		ok, err := snapshotVolumeHourly(db, meter, summary.HourStart)
		if err != nil {
			return summary, err
		}
		if ok {
			summary.Snapshots++
		}

		if !newDay {
			continue
		}
		ok, err = aggregateVolumeDaily(db, meter, summary.DayStart)
		if err != nil {
			return summary, err
		}
		if ok {
			summary.DailyAggregates++
		}
	}

	if summary.Deleted, err = cleanupOldData(db, now, retentionDays); err != nil {
		return summary, err
	}

	log.Info().
		Time("hour_start", time.Unix(summary.HourStart, 0).UTC()).
		Int("snapshots", summary.Snapshots).
		Int("daily_aggregates", summary.DailyAggregates).
		Int64("deleted", summary.Deleted).
		Msg("Aggregation and cleanup completed")
	return summary, nil
}

// DailyConsumption returns the stored daily aggregates of a meter between
// from and to, oldest first.
func DailyConsumption(db *sql.DB, meter string, from, to time.Time) ([]meterdb.AggregateVolumeDaily, error) {
	if db == nil {
		return nil, meterdb.ErrNotInitialized
	}
	rows, err := db.Query(`
		SELECT meter, day_start, litres, sample_count
		FROM aggregate_volume_daily
		WHERE meter = ? AND day_start >= ? AND day_start <= ?
		ORDER BY day_start
	`, meter, roundToDayStart(from), to.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []meterdb.AggregateVolumeDaily
	for rows.Next() {
		var a meterdb.AggregateVolumeDaily
		if err := rows.Scan(&a.Meter, &a.DayStart, &a.Litres, &a.SampleCount); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
