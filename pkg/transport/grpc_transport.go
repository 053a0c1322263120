package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// defaultConsumerBufferSize is the default buffer size for the consumer channel.
	defaultConsumerBufferSize = 16
	// stopGrace bounds how long Close waits for in-flight replies.
	stopGrace = time.Second
)

// Client sends control requests to other instances over pooled
// connections. It is used on its own by CLI commands and embedded in
// GRPCTransport.
type Client struct {
	// Connection pool: map[peerAddr]*grpc.ClientConn
	connPool sync.Map

	closed  chan struct{}
	closeMu sync.Mutex
}

// NewClient returns a Client with an empty connection pool.
func NewClient() *Client {
	return &Client{closed: make(chan struct{})}
}

// SendShutdown asks target to shut the fleet down.
func (c *Client) SendShutdown(ctx context.Context, target string, from int16) (bool, error) {
	conn, err := c.getOrCreateConn(target)
	if err != nil {
		return false, err
	}
	out := new(wrapperspb.BoolValue)
	if err := conn.Invoke(ctx, methodShutdown, wrapperspb.Int32(int32(from)), out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// SendStop tells target to stop.
func (c *Client) SendStop(ctx context.Context, target string, from int16) error {
	conn, err := c.getOrCreateConn(target)
	if err != nil {
		return err
	}
	return conn.Invoke(ctx, methodStop, wrapperspb.Int32(int32(from)), new(emptypb.Empty))
}

// SendStatus fetches target's status document.
func (c *Client) SendStatus(ctx context.Context, target string) ([]byte, error) {
	conn, err := c.getOrCreateConn(target)
	if err != nil {
		return nil, err
	}
	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, methodStatus, new(emptypb.Empty), out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// getOrCreateConn returns an existing connection from the pool or creates a new one.
// Uses LoadOrStore to handle the race condition where multiple goroutines try to
// connect to the same peer simultaneously - only one connection is kept.
func (c *Client) getOrCreateConn(peerAddr string) (*grpc.ClientConn, error) {
	select {
	case <-c.closed:
		return nil, ErrTransportClosed
	default:
	}

	if val, ok := c.connPool.Load(peerAddr); ok {
		return val.(*grpc.ClientConn), nil
	}

	conn, err := grpc.NewClient(peerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, peerAddr, err)
	}

	actual, loaded := c.connPool.LoadOrStore(peerAddr, conn)
	if loaded {
		// Another goroutine stored a connection first, close ours and use theirs
		conn.Close()
		return actual.(*grpc.ClientConn), nil
	}
	return conn, nil
}

// Forget drops the pooled connection to peerAddr, for peers that have exited.
func (c *Client) Forget(peerAddr string) {
	if val, ok := c.connPool.LoadAndDelete(peerAddr); ok {
		val.(*grpc.ClientConn).Close()
	}
}

// Close closes every pooled connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	select {
	case <-c.closed:
		return nil
	default:
	}
	close(c.closed)

	c.connPool.Range(func(key, value interface{}) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			conn.Close()
		}
		c.connPool.Delete(key)
		return true
	})
	return nil
}

// GRPCTransport implements Transport using gRPC for network communication.
// It is safe for concurrent use by multiple goroutines.
type GRPCTransport struct {
	*Client

	localAddr string
	consumer  chan RPC

	// gRPC server components
	server   *grpc.Server
	listener net.Listener

	// Shutdown coordination
	shutdown   chan struct{}
	shutdownMu sync.Mutex
}

// NewGRPCTransport creates a new GRPCTransport that listens on the given address.
// It starts a gRPC server to handle incoming control requests.
func NewGRPCTransport(listenAddr string) (*GRPCTransport, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	t := &GRPCTransport{
		Client:    NewClient(),
		localAddr: listener.Addr().String(),
		consumer:  make(chan RPC, defaultConsumerBufferSize),
		shutdown:  make(chan struct{}),
		listener:  listener,
	}

	t.server = grpc.NewServer()
	registerControlServer(t.server, t)

	go func() {
		_ = t.server.Serve(listener)
	}()

	return t, nil
}

// Consumer returns a read-only channel for receiving incoming control requests.
func (t *GRPCTransport) Consumer() <-chan RPC {
	return t.consumer
}

// LocalAddr returns the address on which this transport listens.
func (t *GRPCTransport) LocalAddr() string {
	return t.localAddr
}

// Close stops the gRPC server and closes all pooled connections. Requests
// still waiting for the runtime fail with ErrTransportClosed; answered ones
// are given stopGrace to reach the caller. This method is safe to call
// multiple times.
func (t *GRPCTransport) Close() error {
	t.shutdownMu.Lock()
	defer t.shutdownMu.Unlock()

	select {
	case <-t.shutdown:
		return nil
	default:
	}

	close(t.shutdown)

	if t.server != nil {
		stopped := make(chan struct{})
		go func() {
			t.server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(stopGrace):
			t.server.Stop()
		}
	}
	return t.Client.Close()
}

// Compile-time check that GRPCTransport implements Transport interface.
var _ Transport = (*GRPCTransport)(nil)

// dispatch hands req to the consumer and waits for the runtime's answer.
func (t *GRPCTransport) dispatch(ctx context.Context, req interface{}) (interface{}, error) {
	respChan := make(chan RPCResponse, 1)
	rpc := RPC{
		Request:  req,
		RespChan: respChan,
	}

	select {
	case t.consumer <- rpc:
	case <-t.shutdown:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Response, nil
	case <-t.shutdown:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown handles incoming shutdown requests (implements controlServer).
func (t *GRPCTransport) Shutdown(ctx context.Context, req *wrapperspb.Int32Value) (*wrapperspb.BoolValue, error) {
	resp, err := t.dispatch(ctx, ShutdownRequest{From: int16(req.GetValue())})
	if err != nil {
		return nil, err
	}
	r, ok := resp.(ShutdownResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return wrapperspb.Bool(r.Done), nil
}

// Stop handles incoming stop requests (implements controlServer).
func (t *GRPCTransport) Stop(ctx context.Context, req *wrapperspb.Int32Value) (*emptypb.Empty, error) {
	resp, err := t.dispatch(ctx, StopRequest{From: int16(req.GetValue())})
	if err != nil {
		return nil, err
	}
	if _, ok := resp.(StopResponse); !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return &emptypb.Empty{}, nil
}

// Status handles incoming status requests (implements controlServer).
func (t *GRPCTransport) Status(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	resp, err := t.dispatch(ctx, StatusRequest{})
	if err != nil {
		return nil, err
	}
	r, ok := resp.(StatusResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return wrapperspb.Bytes(r.JSON), nil
}
