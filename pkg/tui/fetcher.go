// Package tui provides the terminal dashboard for watching a restfleet fleet.
package tui

import (
	"context"
	"sort"
	"time"

	"github.com/salahayoub/restfleet/pkg/cluster"
)

// FleetSnapshot is the fleet as read at one refresh.
type FleetSnapshot struct {
	Members     []MemberRow
	Secretary   int16 // -1 when the role is free
	Manager     int16
	Stopping    bool
	DeadAfter   time.Duration
	LastUpdated time.Time
}

// MemberRow is one planned or registered fleet member.
type MemberRow struct {
	ID       int16
	Type     string
	PID      int
	State    string // registry state, "missing" for planned ids without a record
	Alive    bool
	LastBeat time.Time
	Requests int64
	Roles    []string
}

// Alive returns the number of live members.
func (s *FleetSnapshot) Alive() int {
	n := 0
	for _, m := range s.Members {
		if m.Alive {
			n++
		}
	}
	return n
}

// DataFetcher defines the interface for retrieving fleet data.
// Abstracted as an interface to enable testing with mock implementations.
type DataFetcher interface {
	FetchFleet(ctx context.Context) (*FleetSnapshot, error)
}

// StoreFetcher reads the fleet straight from the coordination store, so
// the dashboard works even when no member answers.
type StoreFetcher struct {
	reg  *cluster.Registry
	plan []cluster.Slot
}

// NewStoreFetcher creates a fetcher over reg. plan lists the declared
// members so that ids that never registered are shown too.
func NewStoreFetcher(reg *cluster.Registry, plan []cluster.Slot) *StoreFetcher {
	return &StoreFetcher{reg: reg, plan: plan}
}

// FetchFleet implements DataFetcher.
func (f *StoreFetcher) FetchFleet(ctx context.Context) (*FleetSnapshot, error) {
	records, err := f.reg.Instances(ctx)
	if err != nil {
		return nil, err
	}
	claims, err := f.reg.Claims(ctx)
	if err != nil {
		return nil, err
	}
	state, err := f.reg.Fleet(ctx)
	if err != nil {
		return nil, err
	}

	snap := &FleetSnapshot{
		Secretary:   -1,
		Manager:     -1,
		Stopping:    state.Stopping,
		DeadAfter:   f.reg.DeadAfter(),
		LastUpdated: time.Now(),
	}
	roles := make(map[int16][]string)
	for _, role := range []cluster.Role{cluster.RoleManager, cluster.RoleSecretary} {
		c, ok := claims[role]
		if !ok || c.Holder < 0 {
			continue
		}
		roles[c.Holder] = append(roles[c.Holder], string(role))
		if role == cluster.RoleSecretary {
			snap.Secretary = c.Holder
		} else {
			snap.Manager = c.Holder
		}
	}

	seen := make(map[int16]bool)
	for _, rec := range records {
		seen[rec.ID] = true
		snap.Members = append(snap.Members, MemberRow{
			ID:       rec.ID,
			Type:     string(rec.Type),
			PID:      rec.PID,
			State:    string(rec.State),
			Alive:    f.reg.Alive(rec),
			LastBeat: rec.LastBeat,
			Requests: rec.Requests,
			Roles:    roles[rec.ID],
		})
	}
	for _, slot := range f.plan {
		if !seen[slot.ID] {
			snap.Members = append(snap.Members, MemberRow{ID: slot.ID, Type: string(slot.Type), State: "missing"})
		}
	}
	sort.Slice(snap.Members, func(i, j int) bool { return snap.Members[i].ID < snap.Members[j].ID })
	return snap, nil
}
