package device

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/javanstorm/rvhost/internal/intc"
)

// Console register offsets, a subset of the 16550 UART.
const (
	ConsoleData = 0x0
	ConsoleIER  = 0x1
	ConsoleLSR  = 0x5
	ConsoleSize = 0x8
)

// Console register bits.
const (
	IERRxReady   = 0x01
	LSRDataReady = 0x01
	LSRTHRE      = 0x20
	LSRTEMT      = 0x40
)

// NotReady is returned by a DATA read when no input is queued. It is
// wider than any byte so it can never be mistaken for data.
const NotReady = ^uint64(0)

const defaultConsoleDepth = 4096

func init() {
	Register(Driver{
		Name:        "console",
		Description: "16550-style serial console",
		Size:        ConsoleSize,
		New:         newConsoleFromSpec,
	})
}

// Console is a byte-oriented serial device. Output bytes go to a sink;
// input bytes are fed from another goroutine into a bounded queue that
// the guest drains without ever blocking.
type Console struct {
	name string
	line intc.Line
	log  *zap.Logger

	outMu    sync.Mutex
	out      io.Writer
	degraded bool

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	head   int
	n      int
	closed bool
	ier    uint8
}

// NewConsole creates a console writing to out. depth bounds the input
// queue.
func NewConsole(name string, out io.Writer, line intc.Line, depth int, log *zap.Logger) *Console {
	if depth <= 0 {
		depth = defaultConsoleDepth
	}
	if out == nil {
		out = io.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Console{
		name: name,
		line: line,
		log:  log,
		out:  out,
		buf:  make([]byte, depth),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func newConsoleFromSpec(spec Spec, env Env) (Device, error) {
	l, err := line(spec, env)
	if err != nil {
		return nil, err
	}
	depth, err := optUint(spec.Options, "depth", defaultConsoleDepth)
	if err != nil {
		return nil, err
	}
	return NewConsole(spec.Name, env.ConsoleOut, l, int(depth), env.logger()), nil
}

func (c *Console) Name() string { return c.name }

func (c *Console) Read(offset uint64, width int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch offset {
	case ConsoleData:
		if c.n == 0 {
			return NotReady, nil
		}
		b := c.buf[c.head]
		c.head = (c.head + 1) % len(c.buf)
		c.n--
		c.cond.Broadcast()
		return uint64(b), nil
	case ConsoleIER:
		return uint64(c.ier), nil
	case ConsoleLSR:
		lsr := uint64(LSRTHRE | LSRTEMT)
		if c.n > 0 {
			lsr |= LSRDataReady
		}
		return lsr, nil
	}
	return 0, nil
}

func (c *Console) Write(offset uint64, width int, value uint64) error {
	switch offset {
	case ConsoleData:
		return c.emit(byte(value))
	case ConsoleIER:
		c.mu.Lock()
		c.ier = uint8(value) & IERRxReady
		c.mu.Unlock()
	}
	return nil
}

// emit writes one byte to the sink. The first sink failure degrades the
// console and is returned; later output is dropped silently.
func (c *Console) emit(b byte) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	if c.degraded {
		return nil
	}
	if _, err := c.out.Write([]byte{b}); err != nil {
		c.degraded = true
		c.log.Warn("console output failed, dropping further output", zap.Error(err))
		return &Error{Device: c.name, Err: fmt.Errorf("write output: %w", err)}
	}
	return nil
}

// Degraded reports whether output has been disabled by a sink failure.
func (c *Console) Degraded() bool {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.degraded
}

// Tick raises the receive interrupt while input is waiting and the guest
// enabled it.
func (c *Console) Tick(uint64) {
	c.mu.Lock()
	raise := c.ier&IERRxReady != 0 && c.n > 0
	c.mu.Unlock()
	if raise {
		c.line.Raise()
	}
}

// Feed queues input for the guest. It blocks while the queue is full and
// returns ErrClosed once the console is closed.
func (c *Console) Feed(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	written := 0
	for written < len(p) {
		for c.n == len(c.buf) && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			return written, ErrClosed
		}
		for c.n < len(c.buf) && written < len(p) {
			c.buf[(c.head+c.n)%len(c.buf)] = p[written]
			c.n++
			written++
		}
	}
	return written, nil
}

// InputWriter returns an io.Writer that feeds the console.
func (c *Console) InputWriter() io.Writer {
	return consoleInput{c}
}

type consoleInput struct{ c *Console }

func (w consoleInput) Write(p []byte) (int, error) { return w.c.Feed(p) }

// Buffered returns the number of queued input bytes.
func (c *Console) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// SetOutput replaces the output sink and clears the degraded flag.
func (c *Console) SetOutput(w io.Writer) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	c.out = w
	c.degraded = false
}

// Close wakes blocked feeders. Queued input remains readable.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
	return nil
}

// Reset disables the receive interrupt. Queued input is kept.
func (c *Console) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ier = 0
}

type consoleState struct {
	IER   uint8  `json:"ier"`
	Input []byte `json:"input,omitempty"`
}

func (c *Console) SaveState() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := consoleState{IER: c.ier, Input: make([]byte, c.n)}
	for i := range s.Input {
		s.Input[i] = c.buf[(c.head+i)%len(c.buf)]
	}
	return json.Marshal(s)
}

func (c *Console) LoadState(data []byte) error {
	var s consoleState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode console state: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(s.Input) > len(c.buf) {
		return fmt.Errorf("console state holds %d input bytes, queue is %d", len(s.Input), len(c.buf))
	}
	c.ier = s.IER & IERRxReady
	c.head = 0
	c.n = copy(c.buf, s.Input)
	c.cond.Broadcast()
	return nil
}
