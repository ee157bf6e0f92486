package device

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/javanstorm/rvhost/internal/intc"
)

// NoIRQ marks a Spec without an interrupt line.
const NoIRQ = -1

// Spec describes one device instance on the bus.
type Spec struct {
	// Name is the instance name, unique per machine.
	Name string `mapstructure:"name" json:"name"`

	// Driver selects the registered driver.
	Driver string `mapstructure:"driver" json:"driver"`

	// Base is the physical address of the device's region.
	Base uint64 `mapstructure:"base" json:"base"`

	// Size is the region length. Zero selects the driver default.
	Size uint64 `mapstructure:"size" json:"size"`

	// IRQ is the interrupt line, or NoIRQ.
	IRQ int `mapstructure:"irq" json:"irq"`

	// Options holds driver-specific settings.
	Options map[string]any `mapstructure:"options" json:"options,omitempty"`
}

// Factory builds a device instance.
type Factory func(spec Spec, env Env) (Device, error)

// Driver is a registered device implementation.
type Driver struct {
	Name        string
	Description string
	// Size is the default region length.
	Size uint64
	// NeedsIRQ rejects specs without an interrupt line.
	NeedsIRQ bool
	New      Factory
}

var (
	drivers   = make(map[string]Driver)
	driversMu sync.RWMutex
)

// Register adds a driver. Later registrations replace earlier ones.
func Register(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[d.Name] = d
}

// Lookup returns the driver registered under name.
func Lookup(name string) (Driver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[name]
	if !ok {
		return Driver{}, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return d, nil
}

// Drivers returns all registered drivers sorted by name.
func Drivers() []Driver {
	driversMu.RLock()
	defer driversMu.RUnlock()

	list := make([]Driver, 0, len(drivers))
	for _, d := range drivers {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Build instantiates spec with its driver. The returned Spec has the
// driver defaults filled in.
func Build(spec Spec, env Env) (Device, Spec, error) {
	d, err := Lookup(spec.Driver)
	if err != nil {
		return nil, spec, err
	}
	if spec.Name == "" {
		spec.Name = spec.Driver
	}
	if spec.Size == 0 {
		spec.Size = d.Size
	}
	if d.NeedsIRQ && spec.IRQ < 0 {
		return nil, spec, fmt.Errorf("build %s: %w", spec.Name, ErrNoInterrupt)
	}
	if env.Logger != nil {
		env.Logger = env.Logger.Named(spec.Name)
	}
	dev, err := d.New(spec, env)
	if err != nil {
		return nil, spec, fmt.Errorf("build %s: %w", spec.Name, err)
	}
	return dev, spec, nil
}

// line resolves spec.IRQ, returning an unconnected line
// for NoIRQ.
func line(spec Spec, env Env) (intc.Line, error) {
	if spec.IRQ < 0 || env.Interrupts == nil {
		return intc.Line{}, nil
	}
	return env.Interrupts.Line(uint(spec.IRQ))
}

func optUint(opts map[string]any, key string, def uint64) (uint64, error) {
	v, ok := opts[key]
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case int:
		return uint64(x), nil
	case int64:
		return uint64(x), nil
	case uint64:
		return x, nil
	case float64:
		return uint64(x), nil
	case string:
		n, err := strconv.ParseUint(x, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%q", ErrBadOption, key, x)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: %s has type %T", ErrBadOption, key, v)
}

func optBool(opts map[string]any, key string, def bool) (bool, error) {
	v, ok := opts[key]
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, fmt.Errorf("%w: %s=%q", ErrBadOption, key, x)
		}
		return b, nil
	}
	return false, fmt.Errorf("%w: %s has type %T", ErrBadOption, key, v)
}

func optString(opts map[string]any, key, def string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return def
}
