//go:build !gui

package gui

import "context"

// Available reports whether this build can open a window.
const Available = false

// RunTerminal returns ErrUnavailable.
func RunTerminal(ctx context.Context, s *Session, title string, onClose func()) error {
	return ErrUnavailable
}
