package fleet

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/salahayoub/restfleet/pkg/cluster"
	"github.com/salahayoub/restfleet/pkg/transport"
)

// OperatorID is the sender id of shutdown requests from the CLI.
const OperatorID int16 = -1

// handleShutdown carries out a fleet shutdown on the secretary and forwards
// it elsewhere. It returns true once the runtime has stopped.
func (r *Runtime) handleShutdown(rpc transport.RPC, req transport.ShutdownRequest) bool {
	if r.Holds(cluster.RoleSecretary) {
		r.logger.Info("shutting down fleet", "from", req.From)
		r.shutdownFleet()
		rpc.Respond(transport.ShutdownResponse{Done: true}, nil)
		r.stop(true)
		return true
	}

	// A request forwarded by a sibling that took us for the secretary is
	// not passed on again.
	if req.From != r.id && req.From != OperatorID {
		r.logger.Warn("shutdown forwarded to a non-secretary, stopping locally", "from", req.From)
		rpc.Respond(transport.ShutdownResponse{Done: false}, nil)
		r.stop(true)
		return true
	}

	r.forwards.Add(1)
	go r.forward(rpc)
	return false
}

// forward passes a shutdown request to the secretary and relays its
// answer. Without a reachable secretary this instance stops on its own.
func (r *Runtime) forward(rpc transport.RPC) {
	defer r.forwards.Done()

	ctx, cancel := context.WithTimeout(r.ctx, shutdownTimeout)
	defer cancel()

	holder, ok, err := r.elector.CurrentHolder(ctx, cluster.RoleSecretary)
	switch {
	case err != nil:
		r.logger.Warn("cannot look up secretary", "error", err)
	case !ok || holder.ID == r.id || holder.ControlAddr == "":
		r.logger.Warn("no live secretary")
	default:
		r.logger.Info("forwarding shutdown", "secretary", holder.ID)
		done, err := r.trans.SendShutdown(ctx, holder.ControlAddr, r.id)
		if err == nil {
			rpc.Respond(transport.ShutdownResponse{Done: done}, nil)
			return
		}
		r.logger.Warn("secretary unreachable", "secretary", holder.ID, "error", err)
	}

	r.logger.Warn("stopping locally")
	select {
	case r.local <- transport.RPC{Request: transport.StopRequest{From: r.id}, RespChan: make(chan transport.RPCResponse, 1)}:
	case <-r.done:
	}
	rpc.Respond(transport.ShutdownResponse{Done: false}, nil)
}

// shutdownFleet is the secretary's side of a shutdown: stop supervision,
// raise the stopping flag, stop every other live member and give up the
// roles. The caller closes the listeners afterwards.
func (r *Runtime) shutdownFleet() {
	r.enterStopping()

	ctx, cancel := context.WithTimeout(r.ctx, shutdownTimeout)
	defer cancel()

	r.stopSupervision()
	if err := r.reg.RaiseStopping(ctx, r.id); err != nil {
		r.logger.Warn("cannot raise fleet stopping flag", "error", err)
	}

	members, err := r.reg.Instances(ctx)
	if err != nil {
		r.logger.Warn("cannot list fleet members", "error", err)
	}
	var g errgroup.Group
	for _, rec := range members {
		if rec.ID == r.id || rec.ControlAddr == "" || !r.reg.Alive(rec) {
			continue
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, stopCallTimeout)
			defer cancel()
			if err := r.trans.SendStop(callCtx, rec.ControlAddr, r.id); err != nil {
				r.logger.Warn("stop not acknowledged", "id", rec.ID, "error", err)
				return nil
			}
			r.logger.Info("stopped fleet member", "id", rec.ID)
			r.trans.Forget(rec.ControlAddr)
			return nil
		})
	}
	g.Wait()

	r.releaseRoles(ctx)
}

// enterStopping moves to Stopping unless already there.
func (r *Runtime) enterStopping() {
	if err := r.transition(Stopping); err != nil && !errors.Is(err, ErrBadTransition) {
		r.logger.Warn("state change failed", "error", err)
	}
}

// stop is the local stop sequence, run on the main loop: close listeners,
// release roles, publish the stopped record and close the control service.
// publish is false when another incarnation owns the record.
func (r *Runtime) stop(publish bool) {
	r.enterStopping()
	r.stopSupervision()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// A forward may still be answering an admin request, so it has to
	// finish before the admin server is shut down.
	r.waitForwards(ctx)
	r.closeListeners(ctx)
	r.releaseRoles(ctx)

	if publish {
		if err := r.reg.MarkStopped(ctx, r.id, r.incarnation); err != nil {
			r.logger.Warn("cannot publish stopped record", "error", err)
		}
	}

	r.cancel()
	if err := r.trans.Close(); err != nil {
		r.logger.Warn("closing control service", "error", err)
	}
	if err := r.transition(Stopped); err != nil {
		r.logger.Warn("state change failed", "error", err)
	}
	r.logger.Info("stopped", "requests", r.requests.Load())
	close(r.done)
}

// waitForwards lets in-flight shutdown forwards collect the secretary's
// answer before the listeners and the control client are closed.
func (r *Runtime) waitForwards(ctx context.Context) {
	finished := make(chan struct{})
	go func() {
		r.forwards.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		r.logger.Warn("shutdown forward still pending")
	}
}
