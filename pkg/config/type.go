package config

import "time"

type MeterCollectorConfig struct {
	InterpreterAPIHost string `toml:"interpreter_api_host"`
	TLSEnabled         bool   `toml:"tls_enabled"`
	// Empty uses the default database location.
	DatabasePath  string        `toml:"database_path"`
	RetentionDays int           `toml:"retention_days"`
	Logging       LoggingConfig `toml:"logging"`
}

type InterpreterAPIConfig struct {
	SerialDevice string `toml:"serial_device"`
	Baudrate     uint   `toml:"baudrate"`
	// auto, a, b or none. none is for receivers that strip the CRCs.
	FrameFormat   string        `toml:"frame_format"`
	ListenAddress string        `toml:"listen_address"`
	ListenPort    int           `toml:"listen_port"`
	StaleAfter    Duration      `toml:"stale_after"`
	Logging       LoggingConfig `toml:"logging"`
	Meters        []MeterConfig `toml:"meters"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
	// json or text
	Format string     `toml:"format"`
	Loki   LokiConfig `toml:"loki"`
}

type LokiConfig struct {
	Enabled bool              `toml:"enabled"`
	URL     string            `toml:"url"`
	Labels  map[string]string `toml:"labels"`
}

type MeterConfig struct {
	ID      string `toml:"id"`
	MeterID string `toml:"meter_id"`
	Driver  string `toml:"driver"`
	// 32 hex digits, empty for unencrypted meters
	Key string `toml:"key"`
	// Publish the cumulative volume to the total_m3 gauge.
	TotalM3 bool `toml:"total_m3"`
}

// Duration is a time.Duration written as "30m" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
