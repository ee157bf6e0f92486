package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/javanstorm/rvhost/internal/intc"
	"github.com/javanstorm/rvhost/pkg/hart"
)

// Block register offsets.
const (
	BlockMagic    = 0x00 // RO, 32-bit
	BlockCapacity = 0x08 // RO, 64-bit, in sectors
	BlockSector   = 0x10 // RW, 64-bit
	BlockBuffer   = 0x18 // RW, 64-bit guest physical address
	BlockCount    = 0x20 // RW, 32-bit sectors
	BlockCommand  = 0x24 // WO, 32-bit
	BlockStatus   = 0x28 // RO, 32-bit
	BlockSize     = 0x1000
)

// BlockMagicValue identifies the device ("RBLK").
const BlockMagicValue = 0x4b4c4252

// SectorSize is the transfer unit.
const SectorSize = 512

// Block commands.
const (
	BlockCmdRead  = 1
	BlockCmdWrite = 2
	BlockCmdFlush = 3
)

// Block status codes.
const (
	BlockOK          = 0
	BlockIOError     = 1
	BlockOutOfRange  = 2
	BlockReadOnly    = 3
	BlockUnsupported = 4
	BlockDMAError    = 5
)

func init() {
	Register(Driver{
		Name:        "block",
		Description: "sector block device over the rootfs image or a file",
		Size:        BlockSize,
		New:         newBlockFromSpec,
	})
}

// Storage is the backing store of a block device.
type Storage interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
}

// MemStorage is Storage over a byte slice.
type MemStorage []byte

func (m MemStorage) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m)) {
		return 0, io.EOF
	}
	n := copy(p, m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m MemStorage) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(m)) {
		return 0, io.ErrShortWrite
	}
	return copy(m[off:], p), nil
}

func (m MemStorage) Size() int64 { return int64(len(m)) }

type fileStorage struct {
	*os.File
	size int64
}

func (f fileStorage) Size() int64 { return f.size }

// Block is a polled sector device that DMAs through guest memory and
// raises its line when a command completes.
type Block struct {
	name     string
	mem      hart.Memory
	line     intc.Line
	log      *zap.Logger
	storage  Storage
	readOnly bool

	mu     sync.Mutex
	sector uint64
	buffer uint64
	count  uint32
	status uint32
}

// NewBlock creates a block device over storage.
func NewBlock(name string, storage Storage, readOnly bool, mem hart.Memory, line intc.Line, log *zap.Logger) *Block {
	if log == nil {
		log = zap.NewNop()
	}
	return &Block{
		name:     name,
		mem:      mem,
		line:     line,
		log:      log,
		storage:  storage,
		readOnly: readOnly,
	}
}

func newBlockFromSpec(spec Spec, env Env) (Device, error) {
	if env.Memory == nil {
		return nil, ErrNoMemory
	}
	l, err := line(spec, env)
	if err != nil {
		return nil, err
	}

	path := optString(spec.Options, "path", "")
	// The provisioned rootfs is shared, so it is read-only unless a
	// private file is given.
	readOnly, err := optBool(spec.Options, "readonly", path == "")
	if err != nil {
		return nil, err
	}

	var storage Storage
	if path != "" {
		flag := os.O_RDWR
		if readOnly {
			flag = os.O_RDONLY
		}
		f, err := os.OpenFile(path, flag, 0)
		if err != nil {
			return nil, fmt.Errorf("open backing file: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat backing file: %w", err)
		}
		storage = fileStorage{File: f, size: info.Size()}
	} else {
		storage = MemStorage(env.Rootfs)
	}
	return NewBlock(spec.Name, storage, readOnly, env.Memory, l, env.logger()), nil
}

func (b *Block) Name() string { return b.name }

// Capacity returns the device size in sectors.
func (b *Block) Capacity() uint64 {
	return uint64(b.storage.Size()) / SectorSize
}

func (b *Block) Read(offset uint64, width int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return truncate(b.register(offset), width), nil
}

func (b *Block) register(offset uint64) uint64 {
	switch offset {
	case BlockMagic:
		return BlockMagicValue
	case BlockCapacity:
		return b.Capacity()
	case BlockSector:
		return b.sector
	case BlockBuffer:
		return b.buffer
	case BlockCount:
		return uint64(b.count)
	case BlockStatus:
		return uint64(b.status)
	}
	return 0
}

func (b *Block) Write(offset uint64, width int, value uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch offset {
	case BlockSector:
		b.sector = value
	case BlockBuffer:
		b.buffer = value
	case BlockCount:
		b.count = uint32(value)
	case BlockCommand:
		return b.execute(uint32(value))
	}
	return nil
}

// execute runs a command to completion and raises the line. Only host
// storage failures are returned; guest mistakes are reported in STATUS.
func (b *Block) execute(cmd uint32) error {
	defer b.line.Raise()

	var err error
	switch cmd {
	case BlockCmdRead:
		b.status, err = b.transfer(false)
	case BlockCmdWrite:
		if b.readOnly {
			b.status = BlockReadOnly
			return nil
		}
		b.status, err = b.transfer(true)
	case BlockCmdFlush:
		b.status = BlockOK
		if s, ok := b.storage.(interface{ Sync() error }); ok && !b.readOnly {
			if err = s.Sync(); err != nil {
				b.status = BlockIOError
			}
		}
	default:
		b.status = BlockUnsupported
	}
	if err != nil {
		b.log.Warn("block command failed", zap.Uint32("cmd", cmd), zap.Error(err))
		return &Error{Device: b.name, Err: err}
	}
	return nil
}

func (b *Block) transfer(write bool) (uint32, error) {
	if b.sector+uint64(b.count) > b.Capacity() || b.sector+uint64(b.count) < b.sector {
		return BlockOutOfRange, nil
	}
	buf := make([]byte, SectorSize)
	for i := uint64(0); i < uint64(b.count); i++ {
		off := int64((b.sector + i) * SectorSize)
		addr := b.buffer + i*SectorSize
		if write {
			if err := dmaIn(b.mem, addr, buf); err != nil {
				return BlockDMAError, nil
			}
			if _, err := b.storage.WriteAt(buf, off); err != nil {
				return BlockIOError, fmt.Errorf("write sector %d: %w", b.sector+i, err)
			}
			continue
		}
		if _, err := b.storage.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
			return BlockIOError, fmt.Errorf("read sector %d: %w", b.sector+i, err)
		}
		if err := dmaOut(b.mem, addr, buf); err != nil {
			return BlockDMAError, nil
		}
	}
	return BlockOK, nil
}

// dmaOut copies buf into guest memory at addr.
func dmaOut(mem hart.Memory, addr uint64, buf []byte) error {
	for i := 0; i < len(buf); i += 8 {
		var v uint64
		for j := 7; j >= 0; j-- {
			v = v<<8 | uint64(buf[i+j])
		}
		if err := mem.Write(addr+uint64(i), 8, v); err != nil {
			return err
		}
	}
	return nil
}

// dmaIn copies guest memory at addr into buf.
func dmaIn(mem hart.Memory, addr uint64, buf []byte) error {
	for i := 0; i < len(buf); i += 8 {
		v, err := mem.Read(addr+uint64(i), 8)
		if err != nil {
			return err
		}
		for j := 0; j < 8; j++ {
			buf[i+j] = byte(v >> (8 * j))
		}
	}
	return nil
}

// Reset clears the command registers.
func (b *Block) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sector, b.buffer, b.count, b.status = 0, 0, 0, BlockOK
}

// Close releases a file backing store.
func (b *Block) Close() error {
	if c, ok := b.storage.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type blockState struct {
	Sector uint64 `json:"sector"`
	Buffer uint64 `json:"buffer"`
	Count  uint32 `json:"count"`
	Status uint32 `json:"status"`
}

func (b *Block) SaveState() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return json.Marshal(blockState{b.sector, b.buffer, b.count, b.status})
}

func (b *Block) LoadState(data []byte) error {
	var s blockState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode block state: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sector, b.buffer, b.count, b.status = s.Sector, s.Buffer, s.Count, s.Status
	return nil
}
