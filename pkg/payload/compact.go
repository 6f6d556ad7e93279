package payload

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/NotCoffee418/wmbus_parser/pkg/frame"
	"github.com/NotCoffee418/wmbus_parser/pkg/mbus"
)

// FormatCache remembers the record layouts of full frames so that compact
// frames referring to them by signature can be expanded.
type FormatCache struct {
	mu      sync.RWMutex
	formats map[uint16][]byte
}

func NewFormatCache() *FormatCache {
	return &FormatCache{formats: make(map[uint16][]byte)}
}

// Signature is the CRC of the record headers.
func Signature(format []byte) uint16 {
	return frame.Checksum(format)
}

// Learn stores the layout of a full application layer. It returns the
// signature and false when apl has no usable layout.
func (c *FormatCache) Learn(apl []byte) (uint16, bool) {
	format, _, err := mbus.SplitLayout(apl)
	if err != nil || len(format) == 0 {
		return 0, false
	}
	sig := Signature(format)
	c.mu.Lock()
	c.formats[sig] = format
	c.mu.Unlock()
	return sig, true
}

// Len returns the number of known layouts.
func (c *FormatCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.formats)
}

// Expand decompresses a compact frame payload:
// signature (LE16) | data CRC (LE16) | data.
func (c *FormatCache) Expand(compact []byte) ([]byte, error) {
	if len(compact) < 4 {
		return nil, fmt.Errorf("%w: compact header needs 4 bytes, have %d", ErrCorruptPayload, len(compact))
	}
	sig := binary.LittleEndian.Uint16(compact[0:2])
	crc := binary.LittleEndian.Uint16(compact[2:4])
	values := compact[4:]

	if got := frame.Checksum(values); got != crc {
		return nil, fmt.Errorf("%w: data CRC %04X, computed %04X", ErrCorruptPayload, crc, got)
	}

	c.mu.RLock()
	format, ok := c.formats[sig]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: signature %04X", ErrUnknownFormat, sig)
	}

	apl, err := mbus.JoinLayout(format, values)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptPayload, err)
	}
	return apl, nil
}

// Compact builds the compact representation of a full application layer.
func Compact(apl []byte) ([]byte, error) {
	format, values, err := mbus.SplitLayout(apl)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 4+len(values))
	out = binary.LittleEndian.AppendUint16(out, Signature(format))
	out = binary.LittleEndian.AppendUint16(out, frame.Checksum(values))
	return append(out, values...), nil
}
