// Package meter holds the state of one configured meter: the latest
// decoded records, update times and rollback detection.
package meter

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/NotCoffee418/wmbus_parser/pkg/driver"
	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

// UpdateOutcome reports the result of merging one frame into a meter.
type UpdateOutcome struct {
	Snapshot types.Snapshot
	// Anomaly is set when a cumulative record went backwards. RolledBack
	// names those records; their previous values are kept.
	Anomaly    bool
	RolledBack []string
}

type Meter struct {
	cfg Config

	mu           sync.Mutex
	records      map[string]types.DecodedRecord
	lastUpdate   time.Time
	lastFailure  time.Time
	lastErr      error
	framesOK     uint64
	framesFailed uint64
	anomalies    uint64
}

// New creates the state for a validated configuration.
func New(cfg Config) *Meter {
	return &Meter{
		cfg:     cfg,
		records: make(map[string]types.DecodedRecord),
	}
}

func (m *Meter) Config() Config {
	return m.cfg
}

func (m *Meter) ID() string {
	return m.cfg.ID
}

func (m *Meter) MeterID() string {
	return m.cfg.MeterID
}

func (m *Meter) Driver() string {
	return m.cfg.Driver
}

// Update merges records into the meter state. Records are keyed by name.
// A cumulative record lower than the value stored before this frame is
// not applied and is reported as an anomaly. The total volume sink, when
// bound, is called with the resulting total while the meter is locked.
func (m *Meter) Update(records []types.DecodedRecord, ts time.Time) UpdateOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out UpdateOutcome
	before := maps.Clone(m.records)
	for _, rec := range records {
		prev, ok := before[rec.Name]
		if ok && rec.Cumulative && prev.Cumulative && rec.Value.LessThan(prev.Value) {
			out.RolledBack = append(out.RolledBack, rec.Name)
			continue
		}
		m.records[rec.Name] = rec
	}
	out.Anomaly = len(out.RolledBack) > 0
	if out.Anomaly {
		m.anomalies++
	}
	m.framesOK++
	m.lastUpdate = ts

	if m.cfg.TotalM3 != nil {
		if total, ok := m.total(); ok {
			m.cfg.TotalM3.PublishState(total.Float())
		}
	}
	out.Snapshot = m.snapshot()
	return out
}

// RecordFailure counts a frame for this meter that could not be decoded.
func (m *Meter) RecordFailure(ts time.Time, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framesFailed++
	m.lastFailure = ts
	m.lastErr = err
}

func (m *Meter) Snapshot() types.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *Meter) snapshot() types.Snapshot {
	s := types.Snapshot{
		ID:           m.cfg.ID,
		MeterID:      m.cfg.MeterID,
		Driver:       m.cfg.Driver,
		Records:      maps.Clone(m.records),
		LastUpdate:   m.lastUpdate,
		LastFailure:  m.lastFailure,
		FramesOK:     m.framesOK,
		FramesFailed: m.framesFailed,
		Anomalies:    m.anomalies,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	if total, ok := m.total(); ok {
		v := total.Float()
		s.TotalM3 = &v
	}
	return s
}

// Value returns the current record with the given name.
func (m *Meter) Value(name string) (types.DecodedRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	return rec, ok
}

// Names returns the names of all current records in sorted order.
func (m *Meter) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.records))
}

// TotalM3 returns the cumulative volume of the meter.
func (m *Meter) TotalM3() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total, ok := m.total()
	if !ok {
		return 0, false
	}
	return total.Float(), true
}

// total prefers the driver's total record and falls back to the current
// volume register reported by the generic driver.
func (m *Meter) total() (types.DecodedRecord, bool) {
	if rec, ok := m.records[driver.RecordTotalM3]; ok {
		return rec, true
	}
	for _, name := range slices.Sorted(maps.Keys(m.records)) {
		rec := m.records[name]
		if rec.Quantity == types.QuantityVolume && rec.Unit == types.UnitM3 && rec.Cumulative &&
			rec.Storage == 0 && rec.Tariff == 0 && rec.Subunit == 0 && rec.Qualifier == types.QualifierNone {
			return rec, true
		}
	}
	return types.DecodedRecord{}, false
}

func (m *Meter) LastUpdate() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUpdate
}

// Age is the time since the last successful update. A meter that never
// updated has age -1.
func (m *Meter) Age(now time.Time) time.Duration {
	last := m.LastUpdate()
	if last.IsZero() {
		return -1
	}
	return now.Sub(last)
}

// Stale reports whether the meter has not updated within maxAge.
func (m *Meter) Stale(now time.Time, maxAge time.Duration) bool {
	age := m.Age(now)
	return age < 0 || age > maxAge
}
