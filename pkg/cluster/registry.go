package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/salahayoub/restfleet/pkg/storage"
)

const fleetKey = "state"

// ErrFleetStopping is returned to instances that start while the fleet is
// being shut down.
var ErrFleetStopping = errors.New("fleet is shutting down")

// Store is the fleet-shared state. Update must be atomic with respect to
// every process using the same store; storage.BoltStore is one.
type Store interface {
	Update(ctx context.Context, fn func(tx storage.Txn) error) error
	View(ctx context.Context, fn func(tx storage.Txn) error) error
}

// Probe reports whether a process id is still in use on this host.
type Probe interface {
	Exists(pid int) bool
}

// Registry reads and writes instance records, role claims and fleet flags.
type Registry struct {
	store     Store
	deadAfter time.Duration
	probe     Probe
	now       func() time.Time
}

// NewRegistry returns a Registry that treats records whose last heartbeat is
// older than deadAfter as dead. probe may be nil.
func NewRegistry(store Store, deadAfter time.Duration, probe Probe) *Registry {
	return &Registry{
		store:     store,
		deadAfter: deadAfter,
		probe:     probe,
		now:       time.Now,
	}
}

// DeadAfter returns the dead threshold.
func (r *Registry) DeadAfter() time.Duration {
	return r.deadAfter
}

// Alive reports whether rec belongs to a live process.
func (r *Registry) Alive(rec InstanceRecord) bool {
	return r.alive(rec, r.now())
}

func (r *Registry) alive(rec InstanceRecord, now time.Time) bool {
	if rec.State == StateStopped {
		return false
	}
	if now.Sub(rec.LastBeat) > r.deadAfter {
		return false
	}
	if r.probe != nil && rec.PID > 0 && !r.probe.Exists(rec.PID) {
		return false
	}
	return true
}

// Register publishes rec as the running owner of its id. It fails with
// ErrDuplicateInstance if another live process owns the id. A starting
// record written for this PID by the supervisor is taken over.
//
// When the fleet stopping flag is raised, Register fails with
// ErrFleetStopping for children spawned by the supervisor and while other
// instances are alive. Otherwise the caller starts a new fleet and the flag
// is cleared.
func (r *Registry) Register(ctx context.Context, rec InstanceRecord) (InstanceRecord, error) {
	err := r.store.Update(ctx, func(tx storage.Txn) error {
		now := r.now()

		existing, found, err := getInstance(tx, rec.ID)
		if err != nil {
			return err
		}
		live := found && r.alive(existing, now)
		adopt := live && existing.State == StateStarting && existing.PID == rec.PID
		if live && existing.Incarnation != rec.Incarnation {
			if !adopt {
				return fmt.Errorf("%w: id %d held by pid %d", ErrDuplicateInstance, rec.ID, existing.PID)
			}
		}

		fs, err := getFleet(tx)
		if err != nil {
			return err
		}
		if fs.Stopping {
			others, err := r.liveOthers(tx, rec.ID, now)
			if err != nil {
				return err
			}
			if adopt || others > 0 {
				return ErrFleetStopping
			}
			if err := tx.Put(storage.BucketFleet, fleetKey, FleetState{}); err != nil {
				return err
			}
		}

		rec.State = StateRunning
		rec.Started = now
		rec.LastBeat = now
		return putInstance(tx, rec)
	})
	return rec, err
}

func (r *Registry) liveOthers(tx storage.Txn, self int16, now time.Time) (int, error) {
	n := 0
	err := forEachInstance(tx, func(rec InstanceRecord) error {
		if rec.ID != self && r.alive(rec, now) {
			n++
		}
		return nil
	})
	return n, err
}

// Beat refreshes the heartbeat of id. ErrRecordLost means another
// incarnation owns the record now.
func (r *Registry) Beat(ctx context.Context, id int16, incarnation string, requests int64) error {
	return r.store.Update(ctx, func(tx storage.Txn) error {
		rec, found, err := getInstance(tx, id)
		if err != nil {
			return err
		}
		if !found || rec.Incarnation != incarnation {
			return ErrRecordLost
		}
		rec.LastBeat = r.now()
		rec.Requests = requests
		return putInstance(tx, rec)
	})
}

// MarkStopped publishes that the incarnation of id has stopped.
func (r *Registry) MarkStopped(ctx context.Context, id int16, incarnation string) error {
	return r.store.Update(ctx, func(tx storage.Txn) error {
		rec, found, err := getInstance(tx, id)
		if err != nil {
			return err
		}
		if !found || rec.Incarnation != incarnation {
			return ErrRecordLost
		}
		rec.State = StateStopped
		rec.LastBeat = r.now()
		return putInstance(tx, rec)
	})
}

// Instances returns every record in id order.
func (r *Registry) Instances(ctx context.Context) ([]InstanceRecord, error) {
	var out []InstanceRecord
	err := r.store.View(ctx, func(tx storage.Txn) error {
		return forEachInstance(tx, func(rec InstanceRecord) error {
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Instance returns the record of id.
func (r *Registry) Instance(ctx context.Context, id int16) (InstanceRecord, bool, error) {
	var rec InstanceRecord
	var found bool
	err := r.store.View(ctx, func(tx storage.Txn) error {
		var err error
		rec, found, err = getInstance(tx, id)
		return err
	})
	return rec, found, err
}

// Claims returns the recorded role claims.
func (r *Registry) Claims(ctx context.Context) (map[Role]RoleClaim, error) {
	out := make(map[Role]RoleClaim)
	err := r.store.View(ctx, func(tx storage.Txn) error {
		for _, role := range []Role{RoleSecretary, RoleManager} {
			c, found, err := getClaim(tx, role)
			if err != nil {
				return err
			}
			if found {
				out[role] = c
			}
		}
		return nil
	})
	return out, err
}

// Fleet returns the fleet flags.
func (r *Registry) Fleet(ctx context.Context) (FleetState, error) {
	var fs FleetState
	err := r.store.View(ctx, func(tx storage.Txn) error {
		var err error
		fs, err = getFleet(tx)
		return err
	})
	return fs, err
}

// RaiseStopping marks the fleet as shutting down. It is idempotent.
func (r *Registry) RaiseStopping(ctx context.Context, by int16) error {
	return r.store.Update(ctx, func(tx storage.Txn) error {
		fs, err := getFleet(tx)
		if err != nil {
			return err
		}
		if fs.Stopping {
			return nil
		}
		return tx.Put(storage.BucketFleet, fleetKey, FleetState{Stopping: true, StoppedBy: by, Since: r.now()})
	})
}

func getInstance(tx storage.Txn, id int16) (InstanceRecord, bool, error) {
	var rec InstanceRecord
	found, err := tx.Get(storage.BucketInstances, instanceKey(id), &rec)
	return rec, found, err
}

func putInstance(tx storage.Txn, rec InstanceRecord) error {
	return tx.Put(storage.BucketInstances, instanceKey(rec.ID), rec)
}

func forEachInstance(tx storage.Txn, fn func(InstanceRecord) error) error {
	return tx.ForEach(storage.BucketInstances, func(_ string, decode func(any) error) error {
		var rec InstanceRecord
		if err := decode(&rec); err != nil {
			return err
		}
		return fn(rec)
	})
}

func getClaim(tx storage.Txn, role Role) (RoleClaim, bool, error) {
	var c RoleClaim
	found, err := tx.Get(storage.BucketRoles, string(role), &c)
	return c, found, err
}

func putClaim(tx storage.Txn, c RoleClaim) error {
	return tx.Put(storage.BucketRoles, string(c.Role), c)
}

func getFleet(tx storage.Txn) (FleetState, error) {
	var fs FleetState
	_, err := tx.Get(storage.BucketFleet, fleetKey, &fs)
	return fs, err
}
