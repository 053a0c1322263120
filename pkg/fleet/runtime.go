// Package fleet runs one member process of a restfleet fleet.
//
// # Thread Safety Guarantees
//
// A single goroutine runs the main loop: heartbeats, control requests and
// the shutdown sequence are all handled there through one select statement,
// so role changes and state transitions never race. Public getters take the
// mutex for safe reads. Shutdown forwarding to the secretary runs on its
// own goroutine so the loop can still answer the secretary's Stop.
//
// File Organization:
//   - runtime.go: Options, Runtime, Start, main loop, heartbeat tick
//   - listeners.go: port binding and framed/admin listeners
//   - roles.go: role negotiation and supervision
//   - shutdown.go: fleet shutdown, forwarding and the stop sequence
//   - admin.go: admin HTTP handlers
//   - status.go: status document
package fleet

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/salahayoub/restfleet/pkg/cluster"
	"github.com/salahayoub/restfleet/pkg/config"
	"github.com/salahayoub/restfleet/pkg/conn"
	"github.com/salahayoub/restfleet/pkg/transport"
)

const (
	// defaultControlAddr keeps the control service on loopback.
	defaultControlAddr = "127.0.0.1:0"
	// localQueueSize buffers requests raised inside this process.
	localQueueSize = 4
	// shutdownTimeout bounds every step of the stop sequence.
	shutdownTimeout = 10 * time.Second
	// stopCallTimeout bounds one Stop RPC of the broadcast.
	stopCallTimeout = 2 * time.Second
)

// Options configures a Runtime.
type Options struct {
	Config   *config.Config
	ID       int16
	Store    cluster.Store
	Launcher cluster.Launcher
	Probe    cluster.Probe // may be nil
	Handler  conn.Handler
	Logger   *slog.Logger

	// ListenHost is the interface the ssl, plain and admin ports bind to.
	// Empty means all interfaces.
	ListenHost string
	// ControlAddr is the gRPC control listener, 127.0.0.1:0 when empty.
	ControlAddr string
}

// Runtime is one fleet member: it registers in the fleet store, binds its
// ports, negotiates roles and keeps heartbeating until it is stopped.
type Runtime struct {
	cfg         *config.Config
	id          int16
	typ         cluster.InstanceType
	incarnation string
	logger      *slog.Logger

	reg      *cluster.Registry
	elector  *cluster.Elector
	launcher cluster.Launcher
	plan     []cluster.Slot

	handler     conn.Handler
	pool        *conn.Pool
	tlsConfig   *tls.Config
	listenHost  string
	controlAddr string

	trans   *transport.GRPCTransport
	metrics *metrics

	requests       atomic.Int64
	closedAccepted atomic.Int64 // accepted on listeners already closed

	// Everything below is guarded by mu. Writes happen on the main loop
	// or in Start before the loop exists.
	mu         sync.Mutex
	state      State
	started    time.Time
	roles      map[cluster.Role]cluster.RoleClaim
	supervisor *cluster.Supervisor
	listeners  map[string]*listener
	conflicts  map[string]bool

	ctx      context.Context
	cancel   context.CancelFunc
	group    errgroup.Group
	local    chan transport.RPC
	forwards sync.WaitGroup
	done     chan struct{}
}

// New validates opts and returns a Runtime in the Starting state.
func New(opts Options) (*Runtime, error) {
	if opts.Config == nil || opts.Store == nil || opts.Launcher == nil || opts.Handler == nil {
		return nil, errors.New("fleet: config, store, launcher and handler are required")
	}
	typ, ok := cluster.TypeOf(opts.Config.Topology, opts.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownInstance, opts.ID)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("instance", opts.ID)

	var tlsConfig *tls.Config
	if typ == cluster.TypeHTTP && opts.Config.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(opts.Config.Security.CertFile, opts.Config.Security.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	controlAddr := opts.ControlAddr
	if controlAddr == "" {
		controlAddr = defaultControlAddr
	}

	reg := cluster.NewRegistry(opts.Store, opts.Config.Topology.DeadAfter(), opts.Probe)
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:         opts.Config,
		id:          opts.ID,
		typ:         typ,
		incarnation: xid.New().String(),
		logger:      logger,
		reg:         reg,
		elector:     cluster.NewElector(reg, logger),
		launcher:    opts.Launcher,
		plan:        cluster.Plan(opts.Config.Topology),
		handler:     opts.Handler,
		pool:        conn.NewPool(),
		tlsConfig:   tlsConfig,
		listenHost:  opts.ListenHost,
		controlAddr: controlAddr,
		state:       Starting,
		roles:       make(map[cluster.Role]cluster.RoleClaim),
		listeners:   make(map[string]*listener),
		conflicts:   make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
		local:       make(chan transport.RPC, localQueueSize),
		done:        make(chan struct{}),
	}
	r.metrics = newMetrics(r)
	return r, nil
}

// ID returns the instance id.
func (r *Runtime) ID() int16 {
	return r.id
}

// Incarnation returns the id of this process start.
func (r *Runtime) Incarnation() string {
	return r.incarnation
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ControlAddr returns the address of the control service once started.
func (r *Runtime) ControlAddr() string {
	if r.trans == nil {
		return ""
	}
	return r.trans.LocalAddr()
}

// Requests returns the number of request frames received.
func (r *Runtime) Requests() int64 {
	return r.requests.Load()
}

// Done is closed once the runtime reached Stopped.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

func (r *Runtime) transition(to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := checkTransition(r.state, to); err != nil {
		return err
	}
	r.logger.Debug("state change", "from", r.state, "to", to)
	r.state = to
	return nil
}

// Start registers the instance, binds its ports, negotiates roles and
// starts the main loop. A refused registration (ErrDuplicateInstance,
// ErrFleetStopping) leaves the runtime Stopped.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	r.started = time.Now()
	r.mu.Unlock()

	trans, err := transport.NewGRPCTransport(r.controlAddr)
	if err != nil {
		r.abort()
		return fmt.Errorf("start control service: %w", err)
	}
	r.trans = trans

	rec, err := r.reg.Register(ctx, cluster.InstanceRecord{
		ID:          r.id,
		Type:        r.typ,
		PID:         os.Getpid(),
		Incarnation: r.incarnation,
		ControlAddr: trans.LocalAddr(),
	})
	if err != nil {
		trans.Close()
		r.abort()
		return fmt.Errorf("register instance %d: %w", r.id, err)
	}
	r.logger.Info("registered", "type", rec.Type, "pid", rec.PID, "incarnation", rec.Incarnation, "control", rec.ControlAddr)

	if err := r.transition(PortBinding); err != nil {
		return err
	}
	if r.typ == cluster.TypeHTTP {
		if n := r.bindMissing(); n == 0 {
			r.logger.Info("no port bound, waiting for takeover")
		}
	}

	if err := r.transition(RoleNegotiation); err != nil {
		return err
	}
	r.negotiateRoles(ctx)

	if err := r.transition(Running); err != nil {
		return err
	}
	r.group.Go(r.run)
	r.logger.Info("running", "roles", r.Roles())
	return nil
}

// abort moves a runtime that never ran to Stopped.
func (r *Runtime) abort() {
	r.mu.Lock()
	r.state = Stopped
	r.mu.Unlock()
	r.cancel()
	close(r.done)
}

// Wait blocks until the main loop and every listener have finished.
func (r *Runtime) Wait() error {
	<-r.done
	return r.group.Wait()
}

// run is the main loop that handles heartbeats and control requests
// through a select statement.
func (r *Runtime) run() error {
	ticker := time.NewTicker(r.cfg.Topology.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.tick(); err != nil {
				r.logger.Error("instance record taken over, stopping", "error", err)
				r.stop(false)
				return nil
			}

		case rpc := <-r.trans.Consumer():
			if r.handleRPC(rpc) {
				return nil
			}

		case rpc := <-r.local:
			if r.handleRPC(rpc) {
				return nil
			}
		}
	}
}

// handleRPC answers one control request. It returns true once the runtime
// has stopped.
func (r *Runtime) handleRPC(rpc transport.RPC) bool {
	switch req := rpc.Request.(type) {
	case transport.ShutdownRequest:
		return r.handleShutdown(rpc, req)

	case transport.StopRequest:
		r.logger.Info("stop requested", "from", req.From)
		rpc.Respond(transport.StopResponse{}, nil)
		r.stop(true)
		return true

	case transport.StatusRequest:
		data, err := json.Marshal(r.Status(r.ctx))
		rpc.Respond(transport.StatusResponse{JSON: data}, err)

	default:
		rpc.Respond(nil, fmt.Errorf("unknown request type %T", req))
	}
	return false
}

// tick is one heartbeat: publish liveness, retry missing ports, renew
// roles and, on the secretary, reconcile the fleet. Only a lost record is
// returned; everything else is retried next tick.
func (r *Runtime) tick() error {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Topology.DeadAfter())
	defer cancel()

	if err := r.reg.Beat(ctx, r.id, r.incarnation, r.requests.Load()); err != nil {
		if errors.Is(err, cluster.ErrRecordLost) {
			return err
		}
		r.metrics.heartbeatFailures.Inc()
		r.logger.Warn("heartbeat failed", "error", err)
		return nil
	}
	r.metrics.heartbeats.Inc()

	if r.typ == cluster.TypeHTTP {
		r.bindMissing()
	}
	r.negotiateRoles(ctx)
	r.supervise(ctx)
	r.observeFleet(ctx)
	return nil
}

// observeFleet refreshes the live member gauge.
func (r *Runtime) observeFleet(ctx context.Context) {
	members, err := r.reg.Instances(ctx)
	if err != nil {
		r.logger.Debug("read fleet failed", "error", err)
		return
	}
	alive := 0
	for _, rec := range members {
		if r.reg.Alive(rec) {
			alive++
		}
	}
	r.metrics.alive.Set(float64(alive))
}

// enqueue hands a request raised inside this process to the main loop and
// waits for its answer.
func (r *Runtime) enqueue(ctx context.Context, req interface{}) (interface{}, error) {
	if r.State() != Running {
		return nil, ErrNotRunning
	}
	respChan := make(chan transport.RPCResponse, 1)
	select {
	case r.local <- transport.RPC{Request: req, RespChan: respChan}:
	case <-r.done:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-respChan:
		return resp.Response, resp.Error
	case <-r.done:
		// The loop may have answered just before stopping.
		select {
		case resp := <-respChan:
			return resp.Response, resp.Error
		default:
			return nil, ErrNotRunning
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown asks for a fleet-wide shutdown. On the secretary it is carried
// out directly; elsewhere it is forwarded to the secretary. The result
// reports whether the secretary acknowledged; false means only this
// instance stopped.
func (r *Runtime) Shutdown(ctx context.Context) (bool, error) {
	resp, err := r.enqueue(ctx, transport.ShutdownRequest{From: r.id})
	if err != nil {
		return false, err
	}
	sr, ok := resp.(transport.ShutdownResponse)
	if !ok {
		return false, fmt.Errorf("unexpected response type: %T", resp)
	}
	return sr.Done, nil
}

// Stop stops this instance only. The secretary will respawn it unless the
// fleet is shutting down.
func (r *Runtime) Stop(ctx context.Context) error {
	_, err := r.enqueue(ctx, transport.StopRequest{From: r.id})
	return err
}
