package gui

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/javanstorm/rvhost/internal/terminal"
)

func TestSessionReplaysAndForwards(t *testing.T) {
	hub := terminal.NewHub(terminal.DefaultBacklog)
	hub.Write([]byte("login: "))

	var input bytes.Buffer
	s := Connect(&input, hub)
	defer s.Close()

	buf := make([]byte, len("login: "))
	_, err := io.ReadFull(s.Out, buf)
	require.NoError(t, err)
	require.Equal(t, "login: ", string(buf))

	hub.Write([]byte("root\n"))
	buf = make([]byte, len("root\n"))
	_, err = io.ReadFull(s.Out, buf)
	require.NoError(t, err)
	require.Equal(t, "root\n", string(buf))

	_, err = s.In.Write([]byte("ls\r"))
	require.NoError(t, err)
	require.Equal(t, "ls\r", input.String())
}

func TestSessionCloseEndsOutput(t *testing.T) {
	hub := terminal.NewHub(0)
	s := Connect(io.Discard, hub)
	require.Equal(t, 1, hub.Viewers())

	// Output nobody reads must not hold up Close.
	hub.Write([]byte("unread"))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Out.Read(make([]byte, 8))
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 0, hub.Viewers())
}

func TestRunTerminalWithoutGUIBuild(t *testing.T) {
	if Available {
		t.Skip("built with GUI support")
	}
	s := Connect(io.Discard, terminal.NewHub(0))
	defer s.Close()
	require.ErrorIs(t, RunTerminal(t.Context(), s, "rvhost", nil), ErrUnavailable)
}
