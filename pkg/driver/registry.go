// Package driver maps driver names to decoding strategies that turn an
// application layer payload into named, normalized records.
package driver

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/NotCoffee418/wmbus_parser/pkg/mbus"
	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

var (
	ErrUnknownDriver   = errors.New("unknown driver")
	ErrDuplicateDriver = errors.New("driver already registered")
	ErrMissingTotal    = errors.New("telegram has no total")
)

// Result holds the records a driver understood and warnings about those it
// had to skip.
type Result struct {
	Records  []types.DecodedRecord
	Warnings []string
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Driver decodes the plain application layer of one meter model.
// Implementations must be stateless.
type Driver interface {
	Decode(apl []byte) (*Result, error)
}

// DecodeFunc adapts a function to the Driver interface.
type DecodeFunc func(apl []byte) (*Result, error)

func (f DecodeFunc) Decode(apl []byte) (*Result, error) {
	return f(apl)
}

// Registry maps names to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

func (r *Registry) Register(name string, d Driver) error {
	if name == "" || d == nil {
		return fmt.Errorf("register driver %q: name and driver are required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drivers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDriver, name)
	}
	r.drivers[name] = d
	return nil
}

func (r *Registry) MustRegister(name string, d Driver) {
	if err := r.Register(name, d); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return d, nil
}

func (r *Registry) Has(name string) bool {
	_, err := r.Lookup(name)
	return err == nil
}

// Names returns the registered driver names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decode runs the named driver on apl.
func (r *Registry) Decode(name string, apl []byte) (*Result, error) {
	d, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return d.Decode(apl)
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the registry holding the built-in drivers.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		registerBuiltins(defaultRegistry)
	})
	return defaultRegistry
}

func registerBuiltins(r *Registry) {
	r.MustRegister(NameGeneric, DecodeFunc(decodeGeneric))
	r.MustRegister(NameAcmeWater, DecodeFunc(decodeAcmeWater))
	r.MustRegister(NameAcmeHeat, DecodeFunc(decodeAcmeHeat))
	r.MustRegister(NameEvo868, DecodeFunc(decodeEvo868))
}

// recordMapper names a decoded record. Returning false drops it.
type recordMapper func(raw mbus.DataRecord, rec *types.DecodedRecord) bool

// decodeRecords walks apl and passes every record that could be decoded to
// mapRecord. Records that cannot be decoded become warnings.
func decodeRecords(apl []byte, mapRecord recordMapper) *Result {
	tg := mbus.Parse(apl)
	res := &Result{}
	res.Warnings = append(res.Warnings, tg.Warnings...)
	seen := make(map[string]int)
	for _, raw := range tg.Records {
		rec, err := raw.Decode()
		if err != nil {
			res.warn("offset %d: skipped record %X: %v", raw.Offset, raw.Header, err)
			continue
		}
		if !mapRecord(raw, &rec) {
			continue
		}
		// Later records with a name already used in this frame get an index
		seen[rec.Name]++
		if n := seen[rec.Name]; n > 1 {
			rec.Name = fmt.Sprintf("%s_%d", rec.Name, n)
		}
		res.Records = append(res.Records, rec)
	}
	return res
}
