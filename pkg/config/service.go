package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/NotCoffee418/wmbus_parser/pkg/driver"
	"github.com/NotCoffee418/wmbus_parser/pkg/frame"
	"github.com/NotCoffee418/wmbus_parser/pkg/meter"
	"github.com/NotCoffee418/wmbus_parser/pkg/pathing"
)

var (
	ActiveInterpreterAPIConfig *InterpreterAPIConfig
	ActiveMeterCollectorConfig *MeterCollectorConfig
)

func DefaultInterpreterAPIConfig() *InterpreterAPIConfig {
	return &InterpreterAPIConfig{
		SerialDevice:  "/dev/ttyUSB0",
		Baudrate:      115200,
		FrameFormat:   "auto",
		ListenAddress: "0.0.0.0",
		ListenPort:    9039,
		StaleAfter:    Duration{30 * time.Minute},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func DefaultMeterCollectorConfig() *MeterCollectorConfig {
	return &MeterCollectorConfig{
		InterpreterAPIHost: "localhost:9039",
		TLSEnabled:         false,
		RetentionDays:      90,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func LoadInterpreterAPIConfig() error {
	cfg, err := LoadInterpreterAPIConfigFrom(filepath.Join(pathing.GetConfigDir(), "interpreter_api.toml"))
	if err != nil {
		return err
	}
	ActiveInterpreterAPIConfig = cfg
	return nil
}

func LoadMeterCollectorConfig() error {
	cfg, err := LoadMeterCollectorConfigFrom(filepath.Join(pathing.GetConfigDir(), "meter_collector.toml"))
	if err != nil {
		return err
	}
	ActiveMeterCollectorConfig = cfg
	return nil
}

// LoadInterpreterAPIConfigFrom reads path, writing the defaults first when
// the file does not exist.
func LoadInterpreterAPIConfigFrom(path string) (*InterpreterAPIConfig, error) {
	cfg := DefaultInterpreterAPIConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func LoadMeterCollectorConfigFrom(path string) (*MeterCollectorConfig, error) {
	cfg := DefaultMeterCollectorConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	if cfg.InterpreterAPIHost == "" {
		return nil, fmt.Errorf("%s: interpreter_api_host is required", path)
	}
	return cfg, nil
}

// loadOrCreate decodes path over the defaults in cfg. A missing file is
// created from cfg.
func loadOrCreate(path string, cfg any) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfgFile, err := os.Create(path)
		if err != nil {
			return err
		}
		defer cfgFile.Close()
		return toml.NewEncoder(cfgFile).Encode(cfg)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Validate checks the settings that do not depend on the driver registry.
func (c *InterpreterAPIConfig) Validate() error {
	var errs []error
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen_port %d out of range", c.ListenPort))
	}
	if _, err := frame.ParseFormat(c.FrameFormat); err != nil {
		errs = append(errs, fmt.Errorf("frame_format: %w", err))
	}
	if c.StaleAfter.Duration <= 0 {
		errs = append(errs, fmt.Errorf("stale_after must be positive"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}
	if c.Logging.Loki.Enabled && c.Logging.Loki.URL == "" {
		errs = append(errs, errors.New("logging.loki.url is required when loki is enabled"))
	}
	return errors.Join(errs...)
}

// MeterConfigs converts the configured meters. Every entry is checked and
// all problems are returned together. sink is called for meters that bind
// their total volume and may be nil.
func (c *InterpreterAPIConfig) MeterConfigs(reg *driver.Registry, sink func(id string) meter.NumberSink) ([]meter.Config, error) {
	var (
		out  []meter.Config
		errs []error
	)
	for i, m := range c.Meters {
		key, err := meter.ParseKey(m.Key)
		if err != nil {
			errs = append(errs, fmt.Errorf("meters[%d] %q: %w", i, m.ID, err))
			continue
		}
		mc := meter.Config{ID: m.ID, MeterID: m.MeterID, Driver: m.Driver, Key: key}
		if err := mc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("meters[%d]: %w", i, err))
			continue
		}
		if !reg.Has(mc.Driver) {
			errs = append(errs, fmt.Errorf("meters[%d] %q: %w: %q", i, m.ID, driver.ErrUnknownDriver, mc.Driver))
			continue
		}
		if m.TotalM3 && sink != nil {
			mc.TotalM3 = sink(mc.ID)
		}
		out = append(out, mc)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
