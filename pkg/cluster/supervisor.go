package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/salahayoub/restfleet/pkg/storage"
)

// errHalted aborts a reconcile transaction once supervision must stop.
var errHalted = errors.New("supervision halted")

// Launcher starts the process for a planned slot and returns its pid
// without waiting for it to become healthy.
type Launcher interface {
	Launch(ctx context.Context, slot Slot) (int, error)
}

// SpawnError reports a failed launch. It is retried on the next tick.
type SpawnError struct {
	ID  int16
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn instance %d: %v", e.ID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Supervisor runs on the secretary and keeps the planned members alive.
type Supervisor struct {
	reg      *Registry
	plan     []Slot
	self     int16
	launcher Launcher
	logger   *slog.Logger

	mu      sync.Mutex // held for the duration of one Reconcile
	stopped atomic.Bool
}

// NewSupervisor returns a Supervisor for plan running inside instance self.
func NewSupervisor(reg *Registry, plan []Slot, self int16, launcher Launcher, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		reg:      reg,
		plan:     plan,
		self:     self,
		launcher: launcher,
		logger:   logger,
	}
}

// Stop halts supervision. After Stop returns no further instance is
// spawned by this Supervisor.
func (s *Supervisor) Stop() {
	s.stopped.Store(true)
	// Wait out a Reconcile that is already past its last check.
	s.mu.Lock()
	s.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (s *Supervisor) Stopped() bool {
	return s.stopped.Load()
}

// Reconcile spawns every planned member whose record is missing or dead
// and returns their ids. Launch failures are logged and returned joined;
// the remaining members are still reconciled.
//
// Nothing is spawned after Stop or while the fleet stopping flag is raised.
func (s *Supervisor) Reconcile(ctx context.Context) ([]int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var spawned []int16
	var errs []error
	for _, slot := range s.plan {
		if slot.ID == s.self {
			continue
		}
		if s.stopped.Load() {
			break
		}
		pid, err := s.ensure(ctx, slot)
		if errors.Is(err, errHalted) {
			break
		}
		if err != nil {
			var serr *SpawnError
			if errors.As(err, &serr) {
				s.logger.Warn("spawn failed", "id", slot.ID, "error", serr.Err)
			}
			errs = append(errs, err)
			continue
		}
		if pid > 0 {
			spawned = append(spawned, slot.ID)
		}
	}
	return spawned, errors.Join(errs...)
}

// ensure spawns slot if needed. The liveness check, the launch and the
// starting record are one transaction, so no other secretary can spawn the
// same id before the child's first heartbeat.
func (s *Supervisor) ensure(ctx context.Context, slot Slot) (int, error) {
	pid := 0
	err := s.reg.store.Update(ctx, func(tx storage.Txn) error {
		pid = 0
		if s.stopped.Load() {
			return errHalted
		}
		fs, err := getFleet(tx)
		if err != nil {
			return err
		}
		if fs.Stopping {
			return errHalted
		}

		now := s.reg.now()
		rec, found, err := getInstance(tx, slot.ID)
		if err != nil {
			return err
		}
		if found && s.reg.alive(rec, now) {
			return nil
		}
		if found {
			s.logger.Info("instance dead, respawning",
				"id", slot.ID, "pid", rec.PID, "state", rec.State, "silent_for", now.Sub(rec.LastBeat).Round(time.Millisecond))
		} else {
			s.logger.Info("instance missing, spawning", "id", slot.ID, "type", slot.Type)
		}

		child, err := s.launcher.Launch(ctx, slot)
		if err != nil {
			return &SpawnError{ID: slot.ID, Err: err}
		}
		pid = child
		return putInstance(tx, InstanceRecord{
			ID:       slot.ID,
			Type:     slot.Type,
			PID:      child,
			State:    StateStarting,
			Started:  now,
			LastBeat: now,
		})
	})
	if err != nil {
		return 0, err
	}
	return pid, nil
}
