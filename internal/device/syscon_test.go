package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordPower struct {
	off, reboot int
	codes       []uint32
}

func (p *recordPower) PowerOff()        { p.off++ }
func (p *recordPower) Reboot()          { p.reboot++ }
func (p *recordPower) Fail(code uint32) { p.codes = append(p.codes, code) }

func TestSyscon(t *testing.T) {
	p := &recordPower{}
	dev, _, err := Build(Spec{Driver: "syscon", IRQ: NoIRQ}, Env{Power: p})
	require.NoError(t, err)
	require.Equal(t, "syscon", dev.Name())

	require.NoError(t, dev.Write(0, 4, SysconPowerOff))
	require.NoError(t, dev.Write(0, 4, SysconReboot))
	require.NoError(t, dev.Write(0, 4, 3<<16|SysconFail))
	require.NoError(t, dev.Write(4, 4, SysconPowerOff))
	require.NoError(t, dev.Write(0, 4, 0x1234))

	require.Equal(t, 1, p.off)
	require.Equal(t, 1, p.reboot)
	require.Equal(t, []uint32{3}, p.codes)
}
