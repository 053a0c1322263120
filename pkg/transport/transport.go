// Package transport carries control messages between the processes of a
// fleet. Every instance serves the restfleet.Control gRPC service on a
// loopback port published in its instance record; the runtime uses it to
// forward shutdown requests to the secretary, to broadcast Stop and to
// collect status.
//
// Thread Safety: Implementations of Transport must be safe for concurrent use
// by multiple goroutines.
package transport

import (
	"context"
	"errors"
)

// Error variables for transport operations.
var (
	// ErrTransportClosed is returned when operations are attempted on a closed transport.
	ErrTransportClosed = errors.New("transport is closed")
	// ErrConnectionFailed is returned when a connection to a peer cannot be established.
	ErrConnectionFailed = errors.New("failed to connect to peer")
)

// Transport is the control channel of one instance.
type Transport interface {
	// Consumer returns a channel for receiving incoming control requests.
	// The runtime reads from it in its main loop.
	Consumer() <-chan RPC

	// LocalAddr returns the address on which this transport listens.
	LocalAddr() string

	// SendShutdown asks target to shut the fleet down. The reply reports
	// whether the shutdown was carried out by the secretary.
	SendShutdown(ctx context.Context, target string, from int16) (bool, error)

	// SendStop tells target to stop. It returns once target acknowledged.
	SendStop(ctx context.Context, target string, from int16) error

	// SendStatus fetches target's status document (JSON).
	SendStatus(ctx context.Context, target string) ([]byte, error)

	// Close shuts down the transport and releases all resources.
	Close() error
}

// RPC represents an incoming control request with a channel for the
// response. The transport never acts on a request itself; the runtime
// answers on RespChan.
type RPC struct {
	Request  interface{}
	RespChan chan RPCResponse
}

// RPCResponse wraps the response and any error from processing an RPC request.
type RPCResponse struct {
	// Response is ShutdownResponse, StopResponse or StatusResponse.
	Response interface{}

	// Error contains any error that occurred during processing
	Error error
}

// ShutdownRequest asks for a fleet-wide shutdown.
type ShutdownRequest struct {
	From int16 // requesting instance, -1 for an operator command
}

// ShutdownResponse acknowledges a shutdown request.
type ShutdownResponse struct {
	Done bool
}

// StopRequest tells one instance to stop.
type StopRequest struct {
	From int16
}

// StopResponse acknowledges a stop request.
type StopResponse struct{}

// StatusRequest asks for the instance status.
type StatusRequest struct{}

// StatusResponse carries the JSON encoded status document.
type StatusResponse struct {
	JSON []byte
}

// Respond sends resp on rpc's response channel without blocking.
func (rpc RPC) Respond(resp interface{}, err error) {
	select {
	case rpc.RespChan <- RPCResponse{Response: resp, Error: err}:
	default:
	}
}
