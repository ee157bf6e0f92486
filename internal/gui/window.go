//go:build gui

package gui

import (
	"context"
	"io"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	fyneterm "github.com/fyne-io/terminal"
)

// Available reports whether this build can open a window.
const Available = true

// nopWriteCloser wraps an io.Writer with a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// RunTerminal opens a terminal window on s and blocks until the window is
// closed, the session ends or ctx is done. onClose runs when the user
// closes the window or the session ends. It must be called from the main
// goroutine.
func RunTerminal(ctx context.Context, s *Session, title string, onClose func()) error {
	a := app.New()
	w := a.NewWindow(title)
	w.SetPadded(false)
	w.Resize(fyne.NewSize(800, 600))

	t := fyneterm.New()
	w.SetContent(t)

	w.SetCloseIntercept(func() {
		if onClose != nil {
			onClose()
		}
		a.Quit()
	})

	go func() {
		<-ctx.Done()
		a.Quit()
	}()

	// The window goes away with the console.
	go func() {
		_ = t.RunWithConnection(nopWriteCloser{s.In}, s.Out)
		if onClose != nil {
			onClose()
		}
		a.Quit()
	}()

	w.Show()
	w.Canvas().Focus(t)
	a.Run()
	return nil
}
