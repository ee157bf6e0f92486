// Package gui shows the guest console in a desktop terminal window.
//
// The window itself needs cgo and a display, so it is only compiled with
// the "gui" build tag. Without the tag RunTerminal reports ErrUnavailable.
package gui

import (
	"errors"
	"io"
	"sync"

	"github.com/javanstorm/rvhost/internal/terminal"
)

// ErrUnavailable is returned by RunTerminal in builds without the gui tag.
var ErrUnavailable = errors.New("rvhost was built without GUI support (rebuild with -tags gui)")

// Session connects a terminal window to the guest console. Keystrokes
// written to In reach the guest and console output is read from Out.
type Session struct {
	In  io.Writer
	Out io.Reader

	pw     *io.PipeWriter
	detach func()
	once   sync.Once
}

// Connect subscribes a new session to hub, replaying the backlog first,
// and forwards its input to input.
func Connect(input io.Writer, hub *terminal.Hub) *Session {
	pr, pw := io.Pipe()
	s := &Session{In: input, Out: pr, pw: pw}
	s.detach = hub.Subscribe(pw, true)
	return s
}

// Close detaches the session from the hub. Readers of Out see io.EOF and
// output not yet read is dropped.
func (s *Session) Close() error {
	s.once.Do(func() {
		// Closing first fails a flush blocked on a reader that has gone.
		s.pw.Close()
		s.detach()
	})
	return nil
}
