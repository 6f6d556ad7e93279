// Package parser dispatches received frames to the configured meters and
// publishes the decoded state.
//
// A frame passes the stages Received, Decoded (link and transport layer
// parsed), Dispatched (matched to a meter), Updated (payload decrypted,
// decoded by the meter's driver and merged) and Published (listeners
// notified). A failure at any stage ends processing of that frame only.
package parser

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/NotCoffee418/wmbus_parser/pkg/driver"
	"github.com/NotCoffee418/wmbus_parser/pkg/frame"
	"github.com/NotCoffee418/wmbus_parser/pkg/meter"
	"github.com/NotCoffee418/wmbus_parser/pkg/payload"
	"github.com/NotCoffee418/wmbus_parser/pkg/telemetry"
	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

var (
	// ErrUnknownMeter is returned for frames from meters that are not
	// configured. These are expected when neighbours share the channel.
	ErrUnknownMeter = errors.New("no meter configured for address")
	ErrDriverPanic  = errors.New("driver panicked")
)

type Stage string

const (
	StageReceived   Stage = "received"
	StageDecoded    Stage = "decoded"
	StageDispatched Stage = "dispatched"
	StageUpdated    Stage = "updated"
	StagePublished  Stage = "published"
	StageError      Stage = "error"
)

// Result describes how far one frame got.
type Result struct {
	Stage Stage
	// FailedAt is the last stage reached before an error.
	FailedAt     Stage
	Frame        *frame.Frame
	Meter        *meter.Meter
	Outcome      meter.UpdateOutcome
	Notification *types.Notification
	Warnings     []string
	Err          error
}

// Listener receives parser output. Either function may be nil. Callbacks
// run synchronously on the goroutine calling Ingest.
type Listener struct {
	OnReading    func(types.Notification)
	OnDiagnostic func(types.Diagnostic)
}

type Parser struct {
	logger    zerolog.Logger
	registry  *driver.Registry
	telemetry telemetry.Collector
	now       func() time.Time
	decoder   frame.Decoder
	formats   *payload.FormatCache

	mu        sync.RWMutex
	meters    []*meter.Meter
	byID      map[string]*meter.Meter
	byAddress map[string]*meter.Meter

	listenersMu sync.RWMutex
	listeners   []Listener
}

type Option func(*Parser)

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Parser) { p.logger = logger }
}

func WithRegistry(reg *driver.Registry) Option {
	return func(p *Parser) { p.registry = reg }
}

func WithTelemetry(c telemetry.Collector) Option {
	return func(p *Parser) { p.telemetry = c }
}

func WithClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// WithFormat disables link layer format detection.
func WithFormat(f frame.Format) Option {
	return func(p *Parser) { p.decoder.Format = f }
}

func New(opts ...Option) *Parser {
	p := &Parser{
		logger:    zerolog.Nop(),
		registry:  driver.Default(),
		telemetry: telemetry.Noop(),
		now:       time.Now,
		formats:   payload.NewFormatCache(),
		byID:      make(map[string]*meter.Meter),
		byAddress: make(map[string]*meter.Meter),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddMeter validates cfg and starts tracking the meter.
func (p *Parser) AddMeter(cfg meter.Config) (*meter.Meter, error) {
	if err := p.check(&cfg); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkUnique(cfg, p.byID, p.byAddress); err != nil {
		return nil, err
	}
	return p.add(cfg), nil
}

// LoadMeters adds all cfgs or none of them. Every invalid entry is
// reported in the returned error.
func (p *Parser) LoadMeters(cfgs []meter.Config) error {
	cfgs = slices.Clone(cfgs)
	var errs []error
	for i := range cfgs {
		if err := p.check(&cfgs[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ids, addresses := maps.Clone(p.byID), maps.Clone(p.byAddress)
	for _, cfg := range cfgs {
		if err := p.checkUnique(cfg, ids, addresses); err != nil {
			errs = append(errs, err)
			continue
		}
		// Placeholders so later entries see earlier ones.
		ids[cfg.ID], addresses[cfg.MeterID] = nil, nil
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	for _, cfg := range cfgs {
		p.add(cfg)
	}
	return nil
}

func (p *Parser) check(cfg *meter.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !p.registry.Has(cfg.Driver) {
		return fmt.Errorf("meter %q: %w: %q", cfg.ID, driver.ErrUnknownDriver, cfg.Driver)
	}
	return nil
}

func (p *Parser) checkUnique(cfg meter.Config, ids, addresses map[string]*meter.Meter) error {
	if _, ok := ids[cfg.ID]; ok {
		return fmt.Errorf("%w: %q", meter.ErrDuplicateMeterID, cfg.ID)
	}
	if _, ok := addresses[cfg.MeterID]; ok {
		return fmt.Errorf("meter %q: %w: %s", cfg.ID, meter.ErrDuplicateAddress, cfg.MeterID)
	}
	return nil
}

// add must be called with p.mu held.
func (p *Parser) add(cfg meter.Config) *meter.Meter {
	m := meter.New(cfg)
	p.meters = append(p.meters, m)
	p.byID[cfg.ID] = m
	p.byAddress[cfg.MeterID] = m
	p.logger.Info().
		Str("meter", cfg.ID).
		Str("meter_id", cfg.MeterID).
		Str("driver", cfg.Driver).
		Bool("encrypted", len(cfg.Key) > 0).
		Msg("meter added")
	return m
}

// Meter returns the meter with the given id.
func (p *Parser) Meter(id string) (*meter.Meter, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.byID[id]
	return m, ok
}

// Meters returns all meters in the order they were added.
func (p *Parser) Meters() []*meter.Meter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*meter.Meter, len(p.meters))
	copy(out, p.meters)
	return out
}

func (p *Parser) Subscribe(l Listener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.listeners = append(p.listeners, l)
}

func (p *Parser) lookup(meterID string) *meter.Meter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byAddress[meterID]
}

// Ingest processes one received frame. Errors only concern this frame; the
// parser stays usable. The returned Result is never nil.
func (p *Parser) Ingest(raw []byte) (*Result, error) {
	ts := p.now()
	res := &Result{Stage: StageReceived}

	f, err := p.decoder.Decode(raw)
	if err != nil {
		return p.fail(res, ts, err)
	}
	res.Frame, res.Stage = f, StageDecoded

	m := p.lookup(f.MeterID())
	if m == nil {
		return p.fail(res, ts, fmt.Errorf("%w: %s (%s)", ErrUnknownMeter, f.MeterID(), f.Address.ManufacturerCode()))
	}
	res.Meter, res.Stage = m, StageDispatched

	cfg := m.Config()
	apl, err := payload.Prepare(f, cfg.Key, p.formats)
	if err != nil {
		return p.fail(res, ts, err)
	}
	decoded, err := p.decode(cfg.Driver, apl)
	if err != nil {
		return p.fail(res, ts, err)
	}
	res.Warnings = decoded.Warnings

	res.Outcome = m.Update(decoded.Records, ts)
	res.Stage = StageUpdated
	p.observeUpdate(m, res, ts)

	n := types.Notification{
		EventID:    uuid.NewString(),
		Timestamp:  ts,
		Snapshot:   res.Outcome.Snapshot,
		Anomaly:    res.Outcome.Anomaly,
		RolledBack: res.Outcome.RolledBack,
		Warnings:   res.Warnings,
	}
	res.Notification = &n
	p.publish(n)
	res.Stage = StagePublished
	p.telemetry.IncFrame(string(StagePublished))
	return res, nil
}

// decode runs the driver and turns a panic into an error.
func (p *Parser) decode(name string, apl []byte) (res *driver.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("%w: %s: %v", ErrDriverPanic, name, r)
		}
	}()
	return p.registry.Decode(name, apl)
}

func (p *Parser) observeUpdate(m *meter.Meter, res *Result, ts time.Time) {
	p.telemetry.SetLastUpdate(m.ID(), ts)
	p.telemetry.IncDecodeWarnings(m.ID(), len(res.Warnings))
	if total := res.Outcome.Snapshot.TotalM3; total != nil {
		p.telemetry.SetTotalM3(m.ID(), *total)
	}

	event := p.logger.Debug()
	if res.Outcome.Anomaly {
		p.telemetry.IncAnomaly(m.ID())
		event = p.logger.Warn().Strs("rolled_back", res.Outcome.RolledBack)
	}
	if len(res.Warnings) > 0 {
		event = event.Strs("warnings", res.Warnings)
	}
	event.
		Str("meter", m.ID()).
		Str("meter_id", m.MeterID()).
		Int("records", len(res.Outcome.Snapshot.Records)).
		Bool("anomaly", res.Outcome.Anomaly).
		Msg("meter updated")
}

func (p *Parser) fail(res *Result, ts time.Time, err error) (*Result, error) {
	res.FailedAt, res.Stage, res.Err = res.Stage, StageError, err
	p.telemetry.IncFrame(string(StageError))
	p.telemetry.IncFrameError(string(res.FailedAt))

	d := types.Diagnostic{Timestamp: ts, Stage: string(res.FailedAt), Error: err.Error()}
	if res.Frame != nil {
		d.MeterID = res.Frame.MeterID()
	}
	if res.Meter != nil {
		res.Meter.RecordFailure(ts, err)
	}

	event := p.logger.Warn()
	if errors.Is(err, ErrUnknownMeter) {
		event = p.logger.Debug()
	}
	if res.Meter != nil {
		event = event.Str("meter", res.Meter.ID())
	}
	event.Err(err).Str("stage", d.Stage).Str("meter_id", d.MeterID).Msg("frame dropped")

	p.listenersMu.RLock()
	defer p.listenersMu.RUnlock()
	for _, l := range p.listeners {
		if l.OnDiagnostic != nil {
			p.notify(func() { l.OnDiagnostic(d) })
		}
	}
	return res, err
}

func (p *Parser) publish(n types.Notification) {
	p.listenersMu.RLock()
	defer p.listenersMu.RUnlock()
	for _, l := range p.listeners {
		if l.OnReading != nil {
			p.notify(func() { l.OnReading(n) })
		}
	}
}

// notify isolates listener panics from the parser.
func (p *Parser) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("listener panicked")
		}
	}()
	fn()
}
