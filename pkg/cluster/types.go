// Package cluster coordinates the processes of one fleet: it keeps the
// shared instance registry, elects the secretary and manager roles and, on
// the secretary, respawns members that died.
//
// All shared state lives in a Store whose Update transactions are atomic
// across every process of the fleet. Nothing in this package talks to other
// processes directly.
package cluster

import (
	"errors"
	"fmt"
	"time"

	"github.com/salahayoub/restfleet/pkg/config"
)

// InstanceType says which listeners an instance may own.
type InstanceType string

const (
	// TypeHTTP instances bind the ssl, plain and admin ports.
	TypeHTTP InstanceType = "http"
	// TypeREST instances only serve work handed to them by the fleet.
	TypeREST InstanceType = "rest"
)

// InstanceState is the lifecycle state published in the registry.
type InstanceState string

const (
	// StateStarting is written by the supervisor for a child it just spawned.
	StateStarting InstanceState = "starting"
	StateRunning  InstanceState = "running"
	StateStopped  InstanceState = "stopped"
)

// Role is a fleet-wide exclusive role.
type Role string

const (
	// RoleSecretary supervises the fleet. Every instance is eligible.
	RoleSecretary Role = "secretary"
	// RoleManager owns the admin interface. Only HTTP instances are eligible.
	RoleManager Role = "manager"
)

// Sentinel errors.
var (
	ErrNotEligible       = errors.New("instance not eligible for role")
	ErrNotHolder         = errors.New("instance does not hold role")
	ErrNotRegistered     = errors.New("instance not registered")
	ErrDuplicateInstance = errors.New("instance id owned by another live process")
	ErrRoleLost          = errors.New("role lost")
	ErrRecordLost        = errors.New("instance record taken over")
)

// InstanceRecord is the registry entry of one fleet member.
type InstanceRecord struct {
	ID          int16
	Type        InstanceType
	PID         int
	Incarnation string // unique per process start
	ControlAddr string // gRPC control service, empty until the process has started it
	State       InstanceState
	Started     time.Time
	LastBeat    time.Time
	Requests    int64
}

// RoleClaim is the current holder of one role.
type RoleClaim struct {
	Role        Role
	Holder      int16
	Incarnation string
	Epoch       uint64 // incremented whenever the holder changes
	Acquired    time.Time
	Renewed     time.Time
}

// FleetState carries fleet-wide flags.
type FleetState struct {
	Stopping  bool
	StoppedBy int16
	Since     time.Time
}

// RoleLostError reports a role that was held and then claimed by someone else.
type RoleLostError struct {
	Role   Role
	Holder int16
}

func (e *RoleLostError) Error() string {
	return fmt.Sprintf("%s role lost to instance %d", e.Role, e.Holder)
}

func (e *RoleLostError) Unwrap() error {
	return ErrRoleLost
}

// Slot is one planned fleet member.
type Slot struct {
	ID   int16
	Type InstanceType
}

// Plan returns the members the topology declares: HTTP instances first,
// then the REST-only servers.
func Plan(t config.Topology) []Slot {
	h := t.HTTPInstances()
	slots := make([]Slot, 0, t.Instances())
	for i := 0; i < t.Instances(); i++ {
		typ := TypeREST
		if i < h {
			typ = TypeHTTP
		}
		slots = append(slots, Slot{ID: int16(i), Type: typ})
	}
	return slots
}

// TypeOf returns the planned type of id.
func TypeOf(t config.Topology, id int16) (InstanceType, bool) {
	if id < 0 || int(id) >= t.Instances() {
		return "", false
	}
	if int(id) < t.HTTPInstances() {
		return TypeHTTP, true
	}
	return TypeREST, true
}

func instanceKey(id int16) string {
	// Zero padded so bucket iteration follows id order.
	return fmt.Sprintf("%05d", id)
}
