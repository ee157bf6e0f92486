// Package metrics exports machine counters to Prometheus.
package metrics

import (
	"math/bits"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/javanstorm/rvhost/internal/vm"
)

const namespace = "rvhost"

// StatsSource is anything that reports machine stats.
type StatsSource interface {
	Stats() vm.Stats
}

var _ prometheus.Collector = (*Collector)(nil)

// Collector reads a fresh vm.Stats on every scrape.
type Collector struct {
	src StatsSource

	steps        *prometheus.Desc
	cycles       *prometheus.Desc
	traps        *prometheus.Desc
	deviceErrors *prometheus.Desc
	resets       *prometheus.Desc
	raised       *prometheus.Desc
	pending      *prometheus.Desc
	state        *prometheus.Desc
	degraded     *prometheus.Desc
}

// NewCollector creates a collector for the machine behind src.
func NewCollector(src StatsSource) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, append([]string{"vm"}, labels...), nil)
	}
	return &Collector{
		src:          src,
		steps:        desc("steps_total", "Core steps executed."),
		cycles:       desc("cycles_total", "Guest cycles retired."),
		traps:        desc("traps_total", "Bus faults delivered to the core as traps."),
		deviceErrors: desc("device_errors_total", "Device operations that failed on the host side."),
		resets:       desc("resets_total", "Machine resets, host or guest initiated."),
		raised:       desc("interrupts_raised_total", "Interrupt lines raised from clear to pending."),
		pending:      desc("interrupts_pending", "Interrupt lines currently pending."),
		state:        desc("state", "Lifecycle state; 1 for the current state.", "state"),
		degraded:     desc("device_degraded", "Devices disabled after a host-side failure.", "device"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.steps
	ch <- c.cycles
	ch <- c.traps
	ch <- c.deviceErrors
	ch <- c.resets
	ch <- c.raised
	ch <- c.pending
	ch <- c.state
	ch <- c.degraded
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), s.Name)
	}
	counter(c.steps, s.Steps)
	counter(c.cycles, s.Cycles)
	counter(c.traps, s.Traps)
	counter(c.deviceErrors, s.DeviceErrors)
	counter(c.resets, s.Resets)
	counter(c.raised, s.InterruptsRaised)
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(bits.OnesCount64(s.Pending)), s.Name)

	for st := vm.StateCreated; st <= vm.StateFaulted; st++ {
		v := 0.0
		if st.String() == s.State {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, s.Name, st.String())
	}
	for _, name := range s.Degraded {
		ch <- prometheus.MustNewConstMetric(c.degraded, prometheus.GaugeValue, 1, s.Name, name)
	}
}

// NewRegistry returns a registry with the machine collector plus the
// standard Go runtime and process collectors.
func NewRegistry(src StatsSource) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
