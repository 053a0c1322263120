package fleet

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/salahayoub/restfleet/pkg/cluster"
	"github.com/salahayoub/restfleet/pkg/types"
)

// Status builds the status document of this instance together with its
// view of the fleet store. Store errors leave the fleet part incomplete.
func (r *Runtime) Status(ctx context.Context) types.StatusResponse {
	r.mu.Lock()
	resp := types.StatusResponse{
		ID:          r.id,
		Type:        string(r.typ),
		State:       r.state.String(),
		PID:         os.Getpid(),
		Incarnation: r.incarnation,
		Requests:    r.requests.Load(),
		Started:     r.started,
		Uptime:      strings.TrimSpace(humanize.RelTime(r.started, time.Now(), "", "")),
		Roles:       []string{},
		Listeners:   []types.ListenerStatus{},
	}
	for _, p := range r.ports() {
		l, ok := r.listeners[p.name]
		if !ok {
			continue
		}
		ls := types.ListenerStatus{Name: l.name, Addr: l.ln.Addr().String(), Encrypted: l.encrypted}
		if l.framed != nil {
			ls.Accepted = l.framed.Accepted()
			ls.Connections = l.framed.Connections()
		}
		resp.Listeners = append(resp.Listeners, ls)
	}
	r.mu.Unlock()

	for _, role := range r.Roles() {
		resp.Roles = append(resp.Roles, string(role))
	}
	resp.Fleet = r.fleetStatus(ctx)
	return resp
}

func (r *Runtime) fleetStatus(ctx context.Context) types.FleetStatus {
	fs := types.FleetStatus{Secretary: -1, Manager: -1, Members: []types.InstanceStatus{}}

	members, err := r.reg.Instances(ctx)
	if err != nil {
		r.logger.Debug("status: read instances failed", "error", err)
	}
	for _, rec := range members {
		fs.Members = append(fs.Members, types.InstanceStatus{
			ID:       rec.ID,
			Type:     string(rec.Type),
			PID:      rec.PID,
			State:    string(rec.State),
			Alive:    r.reg.Alive(rec),
			LastBeat: rec.LastBeat,
			Requests: rec.Requests,
		})
	}

	claims, err := r.reg.Claims(ctx)
	if err != nil {
		r.logger.Debug("status: read claims failed", "error", err)
	}
	if c, ok := claims[cluster.RoleSecretary]; ok {
		fs.Secretary = c.Holder
	}
	if c, ok := claims[cluster.RoleManager]; ok {
		fs.Manager = c.Holder
	}

	if state, err := r.reg.Fleet(ctx); err == nil {
		fs.Stopping = state.Stopping
	}
	return fs
}
