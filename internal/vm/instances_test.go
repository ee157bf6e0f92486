package vm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(t.TempDir())

	list, err := r.List()
	require.NoError(t, err)
	require.Empty(t, list)

	_, err = r.Get("default")
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)

	err := r.Register(Instance{Name: "default", PID: os.Getpid(), ControlAddr: "127.0.0.1:7070", Core: "idle"})
	require.NoError(t, err)

	inst, err := r.Get("default")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7070", inst.ControlAddr)
	require.False(t, inst.StartedAt.IsZero())

	// Re-registering from the same process replaces the entry.
	err = r.Register(Instance{Name: "default", PID: os.Getpid(), ControlAddr: "127.0.0.1:7071"})
	require.NoError(t, err)
	list, err := r.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "127.0.0.1:7071", list[0].ControlAddr)

	require.Equal(t, filepath.Join(dir, "default"), r.VMDataDir("default"))
}

func TestRegistryRejectsLiveOwner(t *testing.T) {
	r := NewRegistry(t.TempDir())
	require.NoError(t, r.Register(Instance{Name: "default", PID: os.Getpid()}))

	err := r.Register(Instance{Name: "default", PID: os.Getpid() + 100000})
	require.ErrorContains(t, err, "already running")
}

func TestRegistryStaleEntries(t *testing.T) {
	r := NewRegistry(t.TempDir())

	// PID 0 never counts as alive.
	require.NoError(t, r.Save(&InstanceData{Instances: []Instance{{Name: "ghost", PID: 0}}}))

	_, err := r.Get("ghost")
	require.ErrorIs(t, err, ErrInstanceNotFound)
	list, err := r.List()
	require.NoError(t, err)
	require.Empty(t, list)

	require.NoError(t, r.Register(Instance{Name: "ghost", PID: os.Getpid()}))
	_, err = r.Get("ghost")
	require.NoError(t, err)
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry(t.TempDir())
	require.NoError(t, r.Register(Instance{Name: "a", PID: os.Getpid()}))
	require.NoError(t, r.Register(Instance{Name: "b", PID: os.Getpid()}))

	require.NoError(t, r.Unregister("a"))
	require.ErrorIs(t, r.Unregister("a"), ErrInstanceNotFound)

	list, err := r.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "b", list[0].Name)
}
