package hart

import (
	"errors"
	"testing"
)

type byteMem map[uint64]byte

func (m byteMem) Read(addr uint64, width int) (uint64, error) {
	var v uint64
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint64(m[addr+uint64(i)])
	}
	return v, nil
}

func (m byteMem) Write(addr uint64, width int, value uint64) error {
	for i := 0; i < width; i++ {
		m[addr+uint64(i)] = byte(value >> (8 * i))
	}
	return nil
}

func TestIdleRegistered(t *testing.T) {
	if !IsRegistered(IdleName) {
		t.Fatalf("core %q not registered", IdleName)
	}
	c, err := New(IdleName, &Config{CyclesPerStep: 10})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := c.Info().Name; got != IdleName {
		t.Errorf("Info().Name = %q, want %q", got, IdleName)
	}
}

func TestNewErrors(t *testing.T) {
	if _, err := New("nope", &Config{CyclesPerStep: 1}); !errors.Is(err, ErrUnknownCore) {
		t.Errorf("New(nope) error = %v, want ErrUnknownCore", err)
	}
	if _, err := New(IdleName, &Config{}); !errors.Is(err, ErrInvalidStepBound) {
		t.Errorf("New(zero step) error = %v, want ErrInvalidStepBound", err)
	}
}

func TestIdleStepBeforeAttach(t *testing.T) {
	c := NewIdle(&Config{CyclesPerStep: 1})
	if res := c.Step(); !errors.Is(res.Err, ErrNotAttached) {
		t.Errorf("Step() err = %v, want ErrNotAttached", res.Err)
	}
	if err := c.LoadImage([]byte{1}, 0); !errors.Is(err, ErrNotAttached) {
		t.Errorf("LoadImage() err = %v, want ErrNotAttached", err)
	}
}

func TestIdleLoadImage(t *testing.T) {
	mem := byteMem{}
	c := NewIdle(&Config{CyclesPerStep: 1})
	if err := c.Attach(mem); err != nil {
		t.Fatal(err)
	}
	data := []byte("0123456789abcdefXYZ")
	if err := c.LoadImage(data, 0x1003); err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}
	for i, b := range data {
		if got := mem[0x1003+uint64(i)]; got != b {
			t.Fatalf("byte %d = %q, want %q", i, got, b)
		}
	}
	if err := c.Attach(mem); !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("second Attach() error = %v, want ErrAlreadyAttached", err)
	}
}

func TestIdleClaimsInterrupts(t *testing.T) {
	tests := []struct {
		name    string
		masked  bool
		wantAck uint64
	}{
		{"enabled", false, 0b101},
		{"masked", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewIdle(&Config{CyclesPerStep: 7, MaskInterrupts: tt.masked})
			if err := c.Attach(byteMem{}); err != nil {
				t.Fatal(err)
			}
			c.SetInterruptPending(0b101)
			res := c.Step()
			if res.Ack != tt.wantAck {
				t.Errorf("Ack = %#b, want %#b", res.Ack, tt.wantAck)
			}
			if res.Cycles != 7 {
				t.Errorf("Cycles = %d, want 7", res.Cycles)
			}
		})
	}
}

func TestIdleStateRoundTrip(t *testing.T) {
	c := NewIdle(&Config{CyclesPerStep: 3})
	if err := c.Attach(byteMem{}); err != nil {
		t.Fatal(err)
	}
	c.SetInterruptPending(1)
	c.Step()
	data, err := c.SaveState()
	if err != nil {
		t.Fatal(err)
	}

	d := NewIdle(&Config{CyclesPerStep: 3})
	if err := d.LoadState(data); err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if d.Taken() != 1 {
		t.Errorf("Taken() = %d, want 1", d.Taken())
	}
}
