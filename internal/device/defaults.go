package device

// Default physical memory map.
const (
	DefaultRAMBase        = 0x8000_0000
	DefaultRAMSize        = 32 << 20
	DefaultFirmwareOffset = 0
	DefaultKernelOffset   = 0x20_0000
)

// DefaultSpecs returns the standard device set: syscon, RTC, timer,
// console and a block device over the rootfs.
func DefaultSpecs() []Spec {
	return []Spec{
		{Name: "syscon", Driver: "syscon", Base: 0x0010_0000, IRQ: NoIRQ},
		{Name: "rtc", Driver: "goldfish-rtc", Base: 0x0010_1000, IRQ: 11},
		{Name: "timer", Driver: "timer", Base: 0x0200_0000, IRQ: 7},
		{Name: "console", Driver: "console", Base: 0x1000_0000, IRQ: 10},
		{Name: "block", Driver: "block", Base: 0x1000_1000, IRQ: 1},
	}
}
