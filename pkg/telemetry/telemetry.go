package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives parser events. Calls happen inline for every frame,
// so implementations must not block.
type Collector interface {
	IncFrame(result string)
	IncFrameError(stage string)
	IncAnomaly(meter string)
	IncDecodeWarnings(meter string, count int)
	SetLastUpdate(meter string, ts time.Time)
	SetTotalM3(meter string, value float64)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncFrame(string)                 {}
func (noopCollector) IncFrameError(string)            {}
func (noopCollector) IncAnomaly(string)               {}
func (noopCollector) IncDecodeWarnings(string, int)   {}
func (noopCollector) SetLastUpdate(string, time.Time) {}
func (noopCollector) SetTotalM3(string, float64)      {}

// PrometheusCollector exposes parser counters via Prometheus.
type PrometheusCollector struct {
	frames      *prometheus.CounterVec
	frameErrors *prometheus.CounterVec
	anomalies   *prometheus.CounterVec
	warnings    *prometheus.CounterVec
	lastUpdate  *prometheus.GaugeVec
	totalM3     *prometheus.GaugeVec
}

// NewPrometheusCollector registers the parser metrics with reg. Metrics that
// are already registered on reg are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var (
		p   PrometheusCollector
		err error
	)
	if p.frames, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wmbus_frames_total",
		Help: "Number of received frames by processing result.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if p.frameErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wmbus_frame_errors_total",
		Help: "Number of frames that failed, by the stage they failed in.",
	}, []string{"stage"})); err != nil {
		return nil, err
	}
	if p.anomalies, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wmbus_rollback_anomalies_total",
		Help: "Number of updates where a cumulative value went backwards.",
	}, []string{"meter"})); err != nil {
		return nil, err
	}
	if p.warnings, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wmbus_decode_warnings_total",
		Help: "Number of data records skipped while decoding.",
	}, []string{"meter"})); err != nil {
		return nil, err
	}
	if p.lastUpdate, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wmbus_meter_last_update_timestamp_seconds",
		Help: "Unix time of the last successful update per meter.",
	}, []string{"meter"})); err != nil {
		return nil, err
	}
	if p.totalM3, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wmbus_meter_total_m3",
		Help: "Cumulative volume reported by the meter.",
	}, []string{"meter"})); err != nil {
		return nil, err
	}
	return &p, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, err
}

func (p *PrometheusCollector) IncFrame(result string) {
	if p == nil {
		return
	}
	p.frames.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) IncFrameError(stage string) {
	if p == nil {
		return
	}
	p.frameErrors.WithLabelValues(stage).Inc()
}

func (p *PrometheusCollector) IncAnomaly(meter string) {
	if p == nil {
		return
	}
	p.anomalies.WithLabelValues(meter).Inc()
}

func (p *PrometheusCollector) IncDecodeWarnings(meter string, count int) {
	if p == nil || count <= 0 {
		return
	}
	p.warnings.WithLabelValues(meter).Add(float64(count))
}

func (p *PrometheusCollector) SetLastUpdate(meter string, ts time.Time) {
	if p == nil {
		return
	}
	p.lastUpdate.WithLabelValues(meter).Set(float64(ts.Unix()))
}

func (p *PrometheusCollector) SetTotalM3(meter string, value float64) {
	if p == nil {
		return
	}
	p.totalM3.WithLabelValues(meter).Set(value)
}
