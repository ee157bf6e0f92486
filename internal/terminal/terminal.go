// Package terminal attaches the host terminal and remote viewers to the
// guest serial console.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrEscapeSequence is returned when the user triggers the escape sequence.
var ErrEscapeSequence = errors.New("escape sequence detected")

// Console wraps terminal operations for VM attachment.
type Console struct {
	stdin  io.Reader
	stdout io.Writer
	fd     int
	tty    bool
	escape byte
}

// Current returns the console of the calling process.
func Current() *Console {
	fd := int(os.Stdin.Fd())
	return &Console{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		fd:     fd,
		tty:    term.IsTerminal(fd),
		escape: EscapeChar,
	}
}

// New returns a console over arbitrary streams. It never enters raw mode.
func New(stdin io.Reader, stdout io.Writer) *Console {
	return &Console{stdin: stdin, stdout: stdout, fd: -1, escape: EscapeChar}
}

// IsTTY returns true if stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// SetEscape changes the escape key; 0 disables it.
func (c *Console) SetEscape(char byte) {
	c.escape = char
}

// SetRaw puts the terminal into raw mode and returns restore function.
func (c *Console) SetRaw() (func(), error) {
	if !c.tty {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(c.fd)
	if err != nil {
		return nil, err
	}
	return func() {
		term.Restore(c.fd, oldState)
	}, nil
}

// Size returns the current terminal size.
func (c *Console) Size() (width, height int, err error) {
	return term.GetSize(c.fd)
}

// Attach connects the terminal to the guest console: keystrokes go to in,
// output arrives from hub. Blocks until ctx is cancelled, the escape
// sequence is typed, or stdin closes. Returns ErrEscapeSequence on escape.
//
// The stdin reader cannot be interrupted; after a ctx cancel it exits on
// the next keystroke or with the process.
func (c *Console) Attach(ctx context.Context, in io.Writer, hub *Hub) error {
	restore, err := c.SetRaw()
	if err != nil {
		return err
	}
	defer restore()

	if c.escape != 0 {
		name := EscapeName(c.escape)
		fmt.Fprintf(c.stdout, "Escape sequence: %s %s (press twice quickly to detach)\r\n", name, name)
	}

	detach := hub.Subscribe(c.stdout, true)
	defer detach()

	escapeReader := NewEscapeReaderWith(c.stdin, c.escape)

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(in, escapeReader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-escapeReader.Escaped():
		fmt.Fprintf(c.stdout, "\r\nDetached from console.\r\n")
		return ErrEscapeSequence
	case err := <-done:
		select {
		case <-escapeReader.Escaped():
			fmt.Fprintf(c.stdout, "\r\nDetached from console.\r\n")
			return ErrEscapeSequence
		default:
		}
		return err
	}
}
