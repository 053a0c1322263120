package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/salahayoub/restfleet/pkg/wire"
)

// handshakeTimeout bounds the TLS handshake; frame reads have no timeout.
const handshakeTimeout = 10 * time.Second

// ServerConfig describes one framed listener.
type ServerConfig struct {
	Name string // listener role, used in logs ("ssl", "plain")

	// Encrypted marks a listener that expects TLS. Connections that do not
	// open with a TLS record are served in plaintext unless RequireTLS is set.
	Encrypted  bool
	TLS        *tls.Config
	RequireTLS bool

	AppBufferSize       int
	TransportBufferSize int
	MaxBody             int
	Compression         wire.Compression

	Workers int // connections served concurrently
	Waiters int // goroutines blocked in Accept
}

// Server accepts connections on one listener and serves each on its own
// goroutine.
type Server struct {
	cfg     ServerConfig
	ln      net.Listener
	pool    *Pool
	handler Handler
	logger  *slog.Logger
	sem     *semaphore.Weighted

	nextID   atomic.Uint64
	accepted atomic.Int64
	frames   atomic.Int64

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wraps an already bound listener.
func NewServer(cfg ServerConfig, ln net.Listener, pool *Pool, handler Handler, logger *slog.Logger) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Waiters <= 0 {
		cfg.Waiters = 1
	}
	if pool == nil {
		pool = NewPool()
	}
	return &Server{
		cfg:     cfg,
		ln:      ln,
		pool:    pool,
		handler: handler,
		logger:  logger.With("listener", cfg.Name),
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Accepted returns the number of accepted connections.
func (s *Server) Accepted() int64 {
	return s.accepted.Load()
}

// Frames returns the number of frames received by finished connections.
func (s *Server) Frames() int64 {
	return s.frames.Load()
}

// Serve runs the accept loops until Close is called or ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	var loops sync.WaitGroup
	errs := make(chan error, s.cfg.Waiters)
	for i := 0; i < s.cfg.Waiters; i++ {
		loops.Add(1)
		go func() {
			defer loops.Done()
			errs <- s.acceptLoop(ctx)
		}()
	}
	loops.Wait()
	close(errs)

	s.wg.Wait()
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		nc, err := s.ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return &TransportError{Op: "accept", Err: err}
		}
		s.accepted.Add(1)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.handle(ctx, nc)
		}()
	}
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	// Track the raw socket so Close also reclaims peers stalled before
	// their first frame.
	if !s.track(nc) {
		nc.Close()
		return
	}
	defer s.untrack(nc)

	c, err := s.open(ctx, nc)
	if err != nil {
		s.logger.Warn("connection setup failed", "remote", nc.RemoteAddr().String(), "error", err)
		nc.Close()
		return
	}
	c.Serve(ctx)
	s.frames.Add(c.Frames())
}

// open sets up buffers and, on encrypted listeners, the TLS session.
func (s *Server) open(ctx context.Context, nc net.Conn) (*Connection, error) {
	bufs := s.pool.NewBufferSet()
	bufs.Setup(s.cfg.AppBufferSize, s.cfg.TransportBufferSize)

	id := s.nextID.Add(1)
	c := &Connection{
		id:      id,
		conn:    nc,
		bufs:    bufs,
		handler: s.handler,
		logger:  s.logger.With("conn", id, "remote", nc.RemoteAddr().String()),
	}

	if !s.cfg.Encrypted {
		bufs.InitPlain()
		c.reader = wire.NewReader(availConn{nc}, bufs.Data, s.cfg.MaxBody)
		c.writer = wire.NewWriter(nc, nil, s.cfg.Compression)
		return c, nil
	}

	bufs.InitEncrypted()
	raw := newRawConn(nc, bufs)
	first, err := raw.peekByte()
	if err != nil {
		bufs.Release()
		return nil, &TransportError{Op: "sniff", Err: err}
	}

	if first == tlsRecordHandshake && s.cfg.TLS != nil {
		tc := tls.Server(raw, s.cfg.TLS)
		hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
		if err := tc.HandshakeContext(hctx); err != nil {
			bufs.Release()
			return nil, &TransportError{Op: "handshake", Err: err}
		}
		bufs.FinalizeHandshake()
		c.conn = tc
		c.encrypted = true
		c.reader = wire.NewReader(&tlsStream{Conn: tc}, bufs.Data, s.cfg.MaxBody)
		c.writer = wire.NewWriter(tc, nil, s.cfg.Compression)
		return c, nil
	}

	if s.cfg.RequireTLS {
		bufs.Release()
		return nil, errors.New("plaintext connection refused on encrypted listener")
	}

	// The peer is speaking plaintext frames; keep the bytes already sniffed.
	pending := raw.Buffered()
	bufs.Downgrade()
	c.reader = wire.NewPrimedReader(availConn{nc}, bufs.Data, pending, s.cfg.MaxBody)
	c.writer = wire.NewWriter(nc, nil, s.cfg.Compression)
	return c, nil
}

func (s *Server) track(nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[nc] = struct{}{}
	return true
}

func (s *Server) untrack(nc net.Conn) {
	s.mu.Lock()
	delete(s.conns, nc)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting and closes every open connection, which makes
// their read loops exit. It does not wait; Serve returns once they are done.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	conns := make([]net.Conn, 0, len(s.conns))
	for nc := range s.conns {
		conns = append(conns, nc)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	for _, nc := range conns {
		nc.Close()
	}
	return err
}
