// Package routing maps destination federates to outbound channels and moves
// serialized action messages across transport adapters.
//
// A RouteTable owns one bounded transmit queue per route, drained by a
// dedicated worker so callers never block on the network. Adapters guarantee
// in-order delivery per route; cross-route reordering is reconciled upstream
// by (source id, sequence).
package routing

import (
	"errors"
	"fmt"
	"strings"
)

// Transport errors.
var (
	// ErrUnsupportedTransport is returned for endpoint schemes the build does
	// not back with an adapter (zmq, mpi, ipc).
	ErrUnsupportedTransport = errors.New("routing: unsupported transport")

	// ErrConnectionFailure wraps transport-level establishment failures.
	ErrConnectionFailure = errors.New("routing: connection failure")

	// ErrRouteClosed is returned when transmitting on a torn-down route.
	ErrRouteClosed = errors.New("routing: route closed")

	// ErrUnknownRoute is returned for a route id that was never added.
	ErrUnknownRoute = errors.New("routing: unknown route")
)

// Channel is one established outbound connection. Send takes a full on-wire
// frame (length prefix included) and must preserve order; implementations are
// not required to be safe for concurrent Send (the route worker is the only
// sender).
type Channel interface {
	Send(frame []byte) error
	Close() error
}

// ReceiveFunc is invoked by an adapter's receive workers for every inbound
// frame body (length prefix already consumed). Implementations must be safe
// for concurrent use.
type ReceiveFunc func(frame []byte)

// Listener accepts inbound connections on one endpoint until closed.
type Listener interface {
	Close() error
}

// CommsAdapter establishes channels and listeners for one transport scheme.
type CommsAdapter interface {
	// Dial opens an outbound channel to the endpoint address.
	Dial(address string) (Channel, error)

	// Listen binds the endpoint address and delivers every inbound frame to
	// recv from the adapter's own workers.
	Listen(address string, recv ReceiveFunc) (Listener, error)

	// Scheme returns the endpoint scheme this adapter backs, for logs.
	Scheme() string
}

// Endpoint is a parsed transport identifier such as "tcp://host:port" or
// "inproc://broker-id".
type Endpoint struct {
	Scheme  string
	Address string
}

// ParseEndpoint splits a transport identifier into scheme and address. The
// recognized schemes are tcp, zmq, ipc, inproc, and mpi; only tcp and inproc
// are backed by adapters in this build.
func ParseEndpoint(s string) (Endpoint, error) {
	scheme, address, found := strings.Cut(s, "://")
	if !found || scheme == "" || address == "" {
		return Endpoint{}, fmt.Errorf("%w: malformed endpoint %q", ErrConnectionFailure, s)
	}
	switch scheme {
	case "tcp", "inproc":
		return Endpoint{Scheme: scheme, Address: address}, nil
	case "zmq", "ipc", "mpi":
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnsupportedTransport, scheme)
	default:
		return Endpoint{}, fmt.Errorf("%w: unknown scheme %q", ErrUnsupportedTransport, scheme)
	}
}
