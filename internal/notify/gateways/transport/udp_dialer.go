// Package transport provides outbound UDP sockets for notify sessions.
// Sockets are connected to a single target so the kernel discards
// datagrams from any other source address.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DialFunc defines a function type for establishing a network connection.
// It takes a context for cancellation, the network type, and the address
// to connect to, returning a net.Conn and an error if any occurs.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// UDPDialer opens connected UDP sockets toward notify targets. Each call
// to Dial yields a fresh socket with a fresh ephemeral port, which also
// rolls the (address, port) pair an off-path attacker must guess.
type UDPDialer struct {
	dial    DialFunc
	timeout time.Duration
}

// Options defines configuration parameters for the UDP dialer.
type Options struct {
	// Timeout bounds socket establishment. Defaults to 5 seconds.
	Timeout time.Duration
	// Dial can be injected for testing purposes.
	Dial DialFunc
}

// NewUDPDialer creates a UDPDialer with the specified options.
func NewUDPDialer(opts Options) *UDPDialer {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{}).DialContext
	}
	return &UDPDialer{
		dial:    opts.Dial,
		timeout: opts.Timeout,
	}
}

// Dial opens a connected UDP socket to the target address.
func (d *UDPDialer) Dial(addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	conn, err := d.dial(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}
