package fleet

import (
	"context"
	"errors"
	"sort"

	"github.com/salahayoub/restfleet/pkg/cluster"
)

// negotiateRoles claims or renews secretary, and manager when this
// instance owns the admin interface.
func (r *Runtime) negotiateRoles(ctx context.Context) {
	r.negotiate(ctx, cluster.RoleSecretary)
	if r.typ == cluster.TypeHTTP && r.ownsAdmin() {
		r.negotiate(ctx, cluster.RoleManager)
	}
}

func (r *Runtime) negotiate(ctx context.Context, role cluster.Role) {
	if r.Holds(role) {
		claim, err := r.elector.Renew(ctx, role, r.id)
		if errors.Is(err, cluster.ErrRoleLost) {
			r.logger.Warn("role lost", "role", role, "error", err)
			r.dropRole(role)
			return
		}
		if err != nil {
			r.logger.Warn("role renewal failed", "role", role, "error", err)
			return
		}
		r.setRole(role, claim)
		return
	}

	claim, granted, err := r.elector.TryClaim(ctx, role, r.id)
	if err != nil {
		r.logger.Warn("role claim failed", "role", role, "error", err)
		return
	}
	if !granted {
		r.logger.Debug("role held elsewhere", "role", role, "holder", claim.Holder)
		return
	}
	r.setRole(role, claim)
}

// Holds reports whether this instance currently holds role.
func (r *Runtime) Holds(role cluster.Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.roles[role]
	return ok
}

// Roles returns the held roles in name order.
func (r *Runtime) Roles() []cluster.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	roles := make([]cluster.Role, 0, len(r.roles))
	for role := range r.roles {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

func (r *Runtime) setRole(role cluster.Role, claim cluster.RoleClaim) {
	r.mu.Lock()
	_, had := r.roles[role]
	r.roles[role] = claim
	if !had && role == cluster.RoleSecretary {
		r.supervisor = cluster.NewSupervisor(r.reg, r.plan, r.id, r.launcher, r.logger)
	}
	r.mu.Unlock()
	r.metrics.setRole(role, true)
}

func (r *Runtime) dropRole(role cluster.Role) {
	r.mu.Lock()
	delete(r.roles, role)
	sup := r.supervisor
	if role == cluster.RoleSecretary {
		r.supervisor = nil
	}
	r.mu.Unlock()
	if role == cluster.RoleSecretary && sup != nil {
		sup.Stop()
	}
	r.metrics.setRole(role, false)
}

// releaseRoles gives up every held role.
func (r *Runtime) releaseRoles(ctx context.Context) {
	for _, role := range r.Roles() {
		if err := r.elector.Release(ctx, role, r.id); err != nil && !errors.Is(err, cluster.ErrNotHolder) {
			r.logger.Warn("role release failed", "role", role, "error", err)
		}
		r.dropRole(role)
	}
}

// stopSupervision halts the supervisor without giving up the role.
func (r *Runtime) stopSupervision() {
	r.mu.Lock()
	sup := r.supervisor
	r.mu.Unlock()
	if sup != nil {
		sup.Stop()
	}
}

// supervise reconciles the fleet on the secretary and reports degraded
// supervision elsewhere.
func (r *Runtime) supervise(ctx context.Context) {
	r.mu.Lock()
	sup := r.supervisor
	r.mu.Unlock()

	if sup == nil {
		_, ok, err := r.elector.CurrentHolder(ctx, cluster.RoleSecretary)
		if err == nil && !ok {
			r.logger.Warn("no live secretary, supervision degraded")
		}
		return
	}

	spawned, err := sup.Reconcile(ctx)
	if len(spawned) > 0 {
		r.metrics.spawns.Add(float64(len(spawned)))
		r.logger.Info("respawned fleet members", "ids", spawned)
	}
	if err != nil {
		r.logger.Debug("reconcile incomplete", "error", err)
	}
}
