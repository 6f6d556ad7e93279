package meter

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/NotCoffee418/wmbus_parser/pkg/frame"
	"github.com/NotCoffee418/wmbus_parser/pkg/payload"
)

var (
	ErrMissingField     = errors.New("missing required field")
	ErrDuplicateMeterID = errors.New("duplicate meter id")
	ErrDuplicateAddress = errors.New("duplicate meter address")
	ErrInvalidAddress   = errors.New("invalid meter address")
	ErrInvalidKey       = errors.New("invalid key")
)

// NumberSink receives the cumulative volume of a meter after every update.
type NumberSink interface {
	PublishState(value float64)
}

// NumberSinkFunc adapts a function to NumberSink.
type NumberSinkFunc func(value float64)

func (f NumberSinkFunc) PublishState(value float64) {
	f(value)
}

// Config describes one configured meter. It is not modified after load.
type Config struct {
	// ID is the handle used by consumers, MeterID the 8 digit address the
	// meter transmits.
	ID      string
	MeterID string
	Driver  string
	Key     []byte
	TotalM3 NumberSink
}

// Validate checks the fields that do not depend on other meters or on the
// driver registry. It normalizes MeterID to upper case.
func (c *Config) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, fmt.Errorf("%w: id", ErrMissingField))
	}
	if c.MeterID == "" {
		errs = append(errs, fmt.Errorf("%w: meter_id", ErrMissingField))
	} else if _, err := frame.ParseMeterID(c.MeterID); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidAddress, err))
	} else {
		c.MeterID = strings.ToUpper(c.MeterID)
	}
	if c.Driver == "" {
		errs = append(errs, fmt.Errorf("%w: driver", ErrMissingField))
	}
	if len(c.Key) != 0 && len(c.Key) != payload.KeySize {
		errs = append(errs, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidKey, len(c.Key), payload.KeySize))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("meter %q: %w", c.ID, err)
	}
	return nil
}

// ParseKey decodes a hex AES key. An empty string means no key.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != payload.KeySize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidKey, len(key), payload.KeySize)
	}
	return key, nil
}
