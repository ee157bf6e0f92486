// Package control serves the JSON-RPC control plane of a running machine
// and the client used by the CLI to reach it.
package control

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/javanstorm/rvhost/internal/vm"
)

// ServiceName is the RPC service name; methods are called as "VM.<Method>".
const ServiceName = "VM"

// DefaultTimeout bounds requests that wait on the run loop.
const DefaultTimeout = 30 * time.Second

// Backend is the machine surface exposed over RPC.
type Backend interface {
	Stats() vm.Stats
	Pause(ctx context.Context) error
	Resume() error
	Shutdown(ctx context.Context) error
	Reset(ctx context.Context) error
	Snapshot(ctx context.Context, name, description string) (*vm.SnapshotEntry, error)
	Restore(ctx context.Context, name string) error
}

// ManagerBackend exposes a vm.Manager.
func ManagerBackend(mgr *vm.Manager) Backend {
	return managerBackend{mgr: mgr}
}

type managerBackend struct {
	mgr *vm.Manager
}

func (b managerBackend) Stats() vm.Stats                    { return b.mgr.Machine().Stats() }
func (b managerBackend) Pause(ctx context.Context) error    { return b.mgr.Machine().Pause(ctx) }
func (b managerBackend) Resume() error                      { return b.mgr.Machine().Resume() }
func (b managerBackend) Shutdown(ctx context.Context) error { return b.mgr.Machine().Shutdown(ctx) }
func (b managerBackend) Reset(ctx context.Context) error    { return b.mgr.Machine().Reset(ctx) }

func (b managerBackend) Snapshot(ctx context.Context, name, description string) (*vm.SnapshotEntry, error) {
	return b.mgr.Snapshot(ctx, name, description)
}

func (b managerBackend) Restore(ctx context.Context, name string) error {
	return b.mgr.Restore(ctx, name)
}

// EmptyArgs is the argument of methods that take none.
type EmptyArgs struct{}

// StatusReply carries the machine stats.
type StatusReply struct {
	vm.Stats
}

// StateReply reports the state after a lifecycle request.
type StateReply struct {
	State string `json:"state"`
}

// SnapshotArgs names the snapshot to create.
type SnapshotArgs struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// RestoreArgs names the snapshot to load.
type RestoreArgs struct {
	Name string `json:"name"`
}

// SnapshotReply describes the created snapshot.
type SnapshotReply struct {
	Snapshot vm.SnapshotEntry `json:"snapshot"`
}

// Service is the RPC receiver.
type Service struct {
	backend Backend
	log     *zap.Logger
	timeout time.Duration
}

// NewService creates the RPC service for backend.
func NewService(backend Backend, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{backend: backend, log: log, timeout: DefaultTimeout}
}

func (s *Service) called(method string) {
	s.log.Debug("API called", zap.String("service", ServiceName), zap.String("method", method))
}

func (s *Service) context(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

func (s *Service) state(reply *StateReply) {
	reply.State = s.backend.Stats().State
}

// Status returns the machine stats.
func (s *Service) Status(_ *http.Request, _ *EmptyArgs, reply *StatusReply) error {
	s.called("status")
	reply.Stats = s.backend.Stats()
	return nil
}

// Pause parks the machine at the next step boundary.
func (s *Service) Pause(r *http.Request, _ *EmptyArgs, reply *StateReply) error {
	s.called("pause")
	ctx, cancel := s.context(r)
	defer cancel()
	if err := s.backend.Pause(ctx); err != nil {
		return err
	}
	s.state(reply)
	return nil
}

// Resume continues a paused machine.
func (s *Service) Resume(_ *http.Request, _ *EmptyArgs, reply *StateReply) error {
	s.called("resume")
	if err := s.backend.Resume(); err != nil {
		return err
	}
	s.state(reply)
	return nil
}

// Shutdown halts the machine.
func (s *Service) Shutdown(r *http.Request, _ *EmptyArgs, reply *StateReply) error {
	s.called("shutdown")
	ctx, cancel := s.context(r)
	defer cancel()
	if err := s.backend.Shutdown(ctx); err != nil {
		return err
	}
	s.state(reply)
	return nil
}

// Reset reboots the machine.
func (s *Service) Reset(r *http.Request, _ *EmptyArgs, reply *StateReply) error {
	s.called("reset")
	ctx, cancel := s.context(r)
	defer cancel()
	if err := s.backend.Reset(ctx); err != nil {
		return err
	}
	s.state(reply)
	return nil
}

// Snapshot stores a snapshot, pausing a running machine around it.
func (s *Service) Snapshot(r *http.Request, args *SnapshotArgs, reply *SnapshotReply) error {
	s.called("snapshot")
	ctx, cancel := s.context(r)
	defer cancel()
	entry, err := s.backend.Snapshot(ctx, args.Name, args.Description)
	if err != nil {
		return err
	}
	reply.Snapshot = *entry
	return nil
}

// Restore loads a snapshot into the live machine.
func (s *Service) Restore(r *http.Request, args *RestoreArgs, reply *StateReply) error {
	s.called("restore")
	ctx, cancel := s.context(r)
	defer cancel()
	if err := s.backend.Restore(ctx, args.Name); err != nil {
		return err
	}
	s.state(reply)
	return nil
}
