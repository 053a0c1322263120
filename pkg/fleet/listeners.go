package fleet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/salahayoub/restfleet/pkg/conn"
	"github.com/salahayoub/restfleet/pkg/wire"
)

// Listener names, in binding order.
const (
	ListenerSSL   = "ssl"
	ListenerPlain = "plain"
	ListenerAdmin = "admin"
)

const adminReadHeaderTimeout = 10 * time.Second

// listener is one bound port. Framed listeners carry a conn.Server, the
// admin listener an http.Server.
type listener struct {
	name      string
	ln        net.Listener
	framed    *conn.Server
	admin     *http.Server
	encrypted bool
}

type portSpec struct {
	name string
	port int
}

func (r *Runtime) ports() []portSpec {
	return []portSpec{
		{ListenerSSL, r.cfg.Ports.SSL},
		{ListenerPlain, r.cfg.Ports.Plain},
		{ListenerAdmin, r.cfg.Ports.Admin},
	}
}

// bind attempts to listen on port. A port held by another process is not
// an error: the attempt reports ok=false and is retried next heartbeat.
func (r *Runtime) bind(name string, port int) (net.Listener, bool) {
	addr := net.JoinHostPort(r.listenHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		r.mu.Lock()
		delete(r.conflicts, name)
		r.mu.Unlock()
		return ln, true
	}

	if errors.Is(err, syscall.EADDRINUSE) {
		err = fmt.Errorf("%w: %s", ErrBindConflict, addr)
		r.mu.Lock()
		seen := r.conflicts[name]
		r.conflicts[name] = true
		r.mu.Unlock()
		if seen {
			r.logger.Debug("port still held", "listener", name, "error", err)
		} else {
			r.logger.Info("port held by a sibling, skipping", "listener", name, "error", err)
		}
		return nil, false
	}
	r.logger.Warn("bind failed", "listener", name, "addr", addr, "error", err)
	return nil, false
}

// bindMissing binds every configured port this instance does not hold yet
// and starts serving it. It returns the number of ports held afterwards.
func (r *Runtime) bindMissing() int {
	held := 0
	for _, p := range r.ports() {
		if p.port == 0 {
			continue
		}
		if r.bound(p.name) {
			held++
			continue
		}
		ln, ok := r.bind(p.name, p.port)
		if !ok {
			continue
		}
		r.serve(p.name, ln)
		held++
	}
	return held
}

func (r *Runtime) bound(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.listeners[name]
	return ok
}

// serve starts the server for a freshly bound listener.
func (r *Runtime) serve(name string, ln net.Listener) {
	l := &listener{name: name, ln: ln}

	if name == ListenerAdmin {
		l.admin = &http.Server{
			Handler:           r.adminMux(),
			ReadHeaderTimeout: adminReadHeaderTimeout,
		}
		r.group.Go(func() error {
			if err := l.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("admin server failed", "error", err)
				return err
			}
			return nil
		})
	} else {
		l.encrypted = name == ListenerSSL && r.tlsConfig != nil
		l.framed = conn.NewServer(conn.ServerConfig{
			Name:                name,
			Encrypted:           l.encrypted,
			TLS:                 r.tlsConfig,
			RequireTLS:          l.encrypted && r.cfg.Security.RequireSSL,
			AppBufferSize:       r.cfg.Buffers.App,
			TransportBufferSize: r.cfg.Buffers.Transport,
			MaxBody:             r.cfg.Buffers.MaxFrame,
			Compression:         r.cfg.Buffers.Compression,
			Workers:             r.cfg.Topology.Workers,
			Waiters:             r.cfg.Topology.Waiters,
		}, ln, r.pool, conn.HandlerFunc(r.handleBatch), r.logger)
		r.group.Go(func() error {
			if err := l.framed.Serve(r.ctx); err != nil {
				r.logger.Error("listener failed", "listener", name, "error", err)
				return err
			}
			return nil
		})
	}

	r.mu.Lock()
	r.listeners[name] = l
	r.mu.Unlock()
	r.logger.Info("listening", "listener", name, "addr", ln.Addr().String(), "encrypted", l.encrypted)
}

// handleBatch counts request frames and passes the batch on.
func (r *Runtime) handleBatch(ctx context.Context, c *conn.Connection, batch []*wire.Frame) error {
	n := int64(0)
	for _, f := range batch {
		if f.Method() == wire.MethodRequest {
			n++
		}
	}
	r.requests.Add(n)
	return r.handler.HandleBatch(ctx, c, batch)
}

// ListenerAddr returns the address of a bound listener.
func (r *Runtime) ListenerAddr(name string) (net.Addr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listeners[name]
	if !ok {
		return nil, false
	}
	return l.ln.Addr(), true
}

// ownsAdmin reports whether this instance may hold the manager role: it
// has the admin port or, with no admin port configured, any port.
func (r *Runtime) ownsAdmin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.Ports.Admin == 0 {
		return len(r.listeners) > 0
	}
	_, ok := r.listeners[ListenerAdmin]
	return ok
}

// accepted counts connections accepted over the life of the runtime,
// including on listeners already closed.
func (r *Runtime) accepted() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.closedAccepted.Load()
	for _, l := range r.listeners {
		if l.framed != nil {
			n += l.framed.Accepted()
		}
	}
	return n
}

func (r *Runtime) openConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.listeners {
		if l.framed != nil {
			n += l.framed.Connections()
		}
	}
	return n
}

// closeListeners stops accepting on every port. Framed connections are
// closed; the admin server finishes in-flight requests.
func (r *Runtime) closeListeners(ctx context.Context) {
	r.mu.Lock()
	ls := make([]*listener, 0, len(r.listeners))
	seen := make(map[*listener]int64, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
		if l.framed != nil {
			seen[l] = l.framed.Accepted()
			r.closedAccepted.Add(seen[l])
		}
	}
	r.listeners = make(map[string]*listener)
	r.mu.Unlock()

	for _, l := range ls {
		if l.admin != nil {
			if err := l.admin.Shutdown(ctx); err != nil {
				l.admin.Close()
			}
		} else {
			l.framed.Close()
			r.closedAccepted.Add(l.framed.Accepted() - seen[l])
		}
		r.logger.Info("closed listener", "listener", l.name)
	}
}
