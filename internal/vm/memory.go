package vm

import (
	"errors"

	"github.com/javanstorm/rvhost/internal/bus"
	"github.com/javanstorm/rvhost/internal/device"
)

// stepMemory is the core's view of the bus. It records the first fault
// of each step and absorbs device failures, which degrade the device
// instead of stopping the machine.
type stepMemory struct {
	bus   *bus.Bus
	m     *Machine
	fault error
}

func (s *stepMemory) Read(addr uint64, width int) (uint64, error) {
	v, err := s.bus.Read(addr, width)
	return v, s.check(err)
}

func (s *stepMemory) Write(addr uint64, width int, value uint64) error {
	return s.check(s.bus.Write(addr, width, value))
}

func (s *stepMemory) check(err error) error {
	if err == nil {
		return nil
	}
	var de *device.Error
	if errors.As(err, &de) {
		s.m.degrade(de)
		return nil
	}
	if s.fault == nil {
		s.fault = err
	}
	return err
}
