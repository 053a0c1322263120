package cluster

import (
	"context"
	"log/slog"

	"github.com/salahayoub/restfleet/pkg/storage"
)

// Elector grants the fleet roles.
//
// A claim is decided inside one store transaction: the current claim and
// the holder's instance record are read, the decision is made and the new
// claim is written. Because transactions are serialized across processes,
// two simultaneous claimants can never both be granted.
type Elector struct {
	reg    *Registry
	logger *slog.Logger
}

// NewElector returns an Elector backed by reg.
func NewElector(reg *Registry, logger *slog.Logger) *Elector {
	return &Elector{reg: reg, logger: logger}
}

// TryClaim claims role for the registered instance id.
//
// The claim is granted when nobody holds the role, when id already holds it
// (a renewal, the epoch is unchanged) or when the holder is dead, in which
// case the role is taken over. Otherwise the current claim is returned with
// granted false.
func (e *Elector) TryClaim(ctx context.Context, role Role, id int16) (RoleClaim, bool, error) {
	var result RoleClaim
	var granted bool
	var takeover *RoleClaim

	err := e.reg.store.Update(ctx, func(tx storage.Txn) error {
		now := e.reg.now()
		granted, takeover = false, nil

		self, found, err := getInstance(tx, id)
		if err != nil {
			return err
		}
		if !found || !e.reg.alive(self, now) {
			return ErrNotRegistered
		}
		if role == RoleManager && self.Type != TypeHTTP {
			return ErrNotEligible
		}

		current, held, err := getClaim(tx, role)
		if err != nil {
			return err
		}

		if held && current.Holder == id && current.Incarnation == self.Incarnation {
			current.Renewed = now
			result, granted = current, true
			return putClaim(tx, current)
		}

		if held && current.Holder >= 0 && current.Holder != id {
			holder, found, err := getInstance(tx, current.Holder)
			if err != nil {
				return err
			}
			if found && holder.Incarnation == current.Incarnation && e.reg.alive(holder, now) {
				result = current
				return nil
			}
			prev := current
			takeover = &prev
		}

		next := RoleClaim{
			Role:        role,
			Holder:      id,
			Incarnation: self.Incarnation,
			Epoch:       current.Epoch + 1,
			Acquired:    now,
			Renewed:     now,
		}
		result, granted = next, true
		return putClaim(tx, next)
	})
	if err != nil {
		return RoleClaim{}, false, err
	}

	if takeover != nil {
		e.logger.Warn("took over role from dead holder",
			"role", role, "previous", takeover.Holder, "epoch", result.Epoch)
	} else if granted && result.Acquired.Equal(result.Renewed) {
		e.logger.Info("claimed role", "role", role, "epoch", result.Epoch)
	}
	return result, granted, nil
}

// Release gives up role. It fails with ErrNotHolder if id does not hold it.
func (e *Elector) Release(ctx context.Context, role Role, id int16) error {
	err := e.reg.store.Update(ctx, func(tx storage.Txn) error {
		current, held, err := getClaim(tx, role)
		if err != nil {
			return err
		}
		if !held || current.Holder != id {
			return ErrNotHolder
		}
		// Keep the epoch so the next holder continues the sequence.
		current.Holder = -1
		current.Incarnation = ""
		return putClaim(tx, current)
	})
	if err == nil {
		e.logger.Info("released role", "role", role)
	}
	return err
}

// CurrentHolder returns the live holder of role.
func (e *Elector) CurrentHolder(ctx context.Context, role Role) (InstanceRecord, bool, error) {
	var holder InstanceRecord
	var ok bool
	err := e.reg.store.View(ctx, func(tx storage.Txn) error {
		current, held, err := getClaim(tx, role)
		if err != nil || !held || current.Holder < 0 {
			return err
		}
		rec, found, err := getInstance(tx, current.Holder)
		if err != nil {
			return err
		}
		if found && rec.Incarnation == current.Incarnation && e.reg.Alive(rec) {
			holder, ok = rec, true
		}
		return nil
	})
	return holder, ok, err
}

// Renew re-claims a role the caller believes it holds. A denied renewal is
// reported as *RoleLostError.
func (e *Elector) Renew(ctx context.Context, role Role, id int16) (RoleClaim, error) {
	claim, granted, err := e.TryClaim(ctx, role, id)
	if err != nil {
		return RoleClaim{}, err
	}
	if !granted {
		return claim, &RoleLostError{Role: role, Holder: claim.Holder}
	}
	return claim, nil
}
