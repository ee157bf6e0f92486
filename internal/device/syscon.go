package device

// Syscon command values written to offset 0, in the SiFive test
// finisher layout. The upper 16 bits of a failure command carry the
// exit code.
const (
	SysconFail     = 0x3333
	SysconPowerOff = 0x5555
	SysconReboot   = 0x7777
	SysconSize     = 0x1000
)

func init() {
	Register(Driver{
		Name:        "syscon",
		Description: "power-off, reboot and failure exit control",
		Size:        SysconSize,
		New:         newSysconFromSpec,
	})
}

// Syscon turns guest writes into machine power requests.
type Syscon struct {
	name  string
	power PowerControl
}

// NewSyscon creates a syscon forwarding requests to power.
func NewSyscon(name string, power PowerControl) *Syscon {
	return &Syscon{name: name, power: power}
}

func newSysconFromSpec(spec Spec, env Env) (Device, error) {
	return NewSyscon(spec.Name, env.Power), nil
}

func (s *Syscon) Name() string { return s.name }

func (s *Syscon) Read(uint64, int) (uint64, error) {
	return 0, nil
}

func (s *Syscon) Write(offset uint64, width int, value uint64) error {
	if offset != 0 || s.power == nil {
		return nil
	}
	switch value & 0xffff {
	case SysconPowerOff:
		s.power.PowerOff()
	case SysconReboot:
		s.power.Reboot()
	case SysconFail:
		s.power.Fail(uint32(value>>16) & 0xffff)
	}
	return nil
}
