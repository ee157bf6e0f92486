package device

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/javanstorm/rvhost/internal/intc"
	"github.com/javanstorm/rvhost/internal/testutil"
)

// flatMem is guest memory starting at address 0.
type flatMem []byte

func (m flatMem) Read(addr uint64, width int) (uint64, error) {
	if addr+uint64(width) > uint64(len(m)) {
		return 0, fmt.Errorf("read %#x out of range", addr)
	}
	return binary.LittleEndian.Uint64(m[addr:]), nil
}

func (m flatMem) Write(addr uint64, width int, value uint64) error {
	if addr+uint64(width) > uint64(len(m)) {
		return fmt.Errorf("write %#x out of range", addr)
	}
	binary.LittleEndian.PutUint64(m[addr:], value)
	return nil
}

func command(t *testing.T, b *Block, sector, buffer uint64, count uint32, cmd uint32) uint64 {
	t.Helper()
	require.NoError(t, b.Write(BlockSector, 8, sector))
	require.NoError(t, b.Write(BlockBuffer, 8, buffer))
	require.NoError(t, b.Write(BlockCount, 4, uint64(count)))
	require.NoError(t, b.Write(BlockCommand, 4, uint64(cmd)))
	status, err := b.Read(BlockStatus, 4)
	require.NoError(t, err)
	return status
}

func TestBlockReadFromRootfs(t *testing.T) {
	rootfs := make([]byte, 4*SectorSize)
	copy(rootfs[SectorSize:], "superblock")

	ic := intc.New()
	mem := make(flatMem, 8192)
	dev, _, err := Build(Spec{Driver: "block", IRQ: 1}, Env{Memory: mem, Interrupts: ic, Rootfs: rootfs})
	require.NoError(t, err)
	b := dev.(*Block)

	magic, _ := b.Read(BlockMagic, 4)
	require.Equal(t, uint64(BlockMagicValue), magic)
	capacity, _ := b.Read(BlockCapacity, 8)
	require.Equal(t, uint64(4), capacity)

	require.Equal(t, uint64(BlockOK), command(t, b, 1, 0x1000, 1, BlockCmdRead))
	require.Equal(t, "superblock", string(mem[0x1000:0x100a]))
	require.True(t, ic.Pending(1))

	// rootfs is read-only by default
	require.Equal(t, uint64(BlockReadOnly), command(t, b, 0, 0x1000, 1, BlockCmdWrite))
	require.Equal(t, uint64(BlockOutOfRange), command(t, b, 3, 0x1000, 2, BlockCmdRead))
	require.Equal(t, uint64(BlockDMAError), command(t, b, 0, 0x10000, 1, BlockCmdRead))
	require.Equal(t, uint64(BlockUnsupported), command(t, b, 0, 0, 0, 99))
}

func TestBlockWriteToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	testutil.CreateTestDisk(t, path, 2*SectorSize)

	mem := make(flatMem, 4096)
	copy(mem[0x200:], "guest data")
	dev, _, err := Build(Spec{Driver: "block", IRQ: 1, Options: map[string]any{"path": path}},
		Env{Memory: mem, Interrupts: intc.New()})
	require.NoError(t, err)
	b := dev.(*Block)

	require.Equal(t, uint64(BlockOK), command(t, b, 1, 0x200, 1, BlockCmdWrite))
	require.Equal(t, uint64(BlockOK), command(t, b, 0, 0, 0, BlockCmdFlush))
	require.NoError(t, b.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "guest data", string(data[SectorSize:SectorSize+10]))
}
