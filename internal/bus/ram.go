package bus

import (
	"encoding/binary"
	"fmt"
)

// RAM is little-endian guest memory.
type RAM struct {
	name string
	mem  []byte
}

// NewRAM allocates size bytes of zeroed memory.
func NewRAM(name string, size uint64) *RAM {
	return &RAM{name: name, mem: make([]byte, size)}
}

func (m *RAM) Name() string { return m.name }

// Size returns the memory size in bytes.
func (m *RAM) Size() uint64 { return uint64(len(m.mem)) }

// Bytes returns the backing memory. Callers must not retain it across a
// running step.
func (m *RAM) Bytes() []byte { return m.mem }

func (m *RAM) check(offset uint64, width int) error {
	if offset > uint64(len(m.mem)) || uint64(len(m.mem))-offset < uint64(width) {
		return fmt.Errorf("ram %s: offset %#x width %d out of range", m.name, offset, width)
	}
	return nil
}

func (m *RAM) Read(offset uint64, width int) (uint64, error) {
	if err := m.check(offset, width); err != nil {
		return 0, err
	}
	p := m.mem[offset:]
	switch width {
	case 1:
		return uint64(p[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(p)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(p)), nil
	case 8:
		return binary.LittleEndian.Uint64(p), nil
	}
	return 0, fmt.Errorf("ram %s: unsupported width %d", m.name, width)
}

func (m *RAM) Write(offset uint64, width int, value uint64) error {
	if err := m.check(offset, width); err != nil {
		return err
	}
	p := m.mem[offset:]
	switch width {
	case 1:
		p[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(p, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(p, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(p, value)
	default:
		return fmt.Errorf("ram %s: unsupported width %d", m.name, width)
	}
	return nil
}

// Load copies data to offset.
func (m *RAM) Load(data []byte, offset uint64) error {
	if offset > uint64(len(m.mem)) || uint64(len(m.mem))-offset < uint64(len(data)) {
		return fmt.Errorf("ram %s: %d bytes at offset %#x do not fit in %d", m.name, len(data), offset, len(m.mem))
	}
	copy(m.mem[offset:], data)
	return nil
}

// Reset zeroes memory.
func (m *RAM) Reset() {
	clear(m.mem)
}
