package socket

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ValentinKolb/dTS/rpc/common"
)

// connector hides the differences between the socket families
type connector interface {
	// Listen creates a listener on endpoint
	Listen(endpoint string) (net.Listener, error)
	// Dial establishes a single connection to endpoint
	Dial(endpoint string, timeout time.Duration) (net.Conn, error)
	// Name returns the name of the socket family (e.g., "unix", "tcp")
	Name() string
}

// connectorFor returns the connector of a transport kind
func connectorFor(kind string) (connector, error) {
	switch kind {
	case common.TransportTCP:
		return tcpConnector{}, nil
	case common.TransportUnix:
		return unixConnector{}, nil
	default:
		return nil, fmt.Errorf("socket transport does not support kind %q", kind)
	}
}

// --------------------------------------------------------------------------
// TCP
// --------------------------------------------------------------------------

type tcpConnector struct{}

func (tcpConnector) Name() string { return "tcp" }

func (tcpConnector) Listen(endpoint string) (net.Listener, error) {
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create tcp socket: %w", err)
	}
	return listener, nil
}

func (tcpConnector) Dial(endpoint string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", endpoint, timeout)
	if err != nil {
		return nil, err
	}

	// writes are small and latency matters more than throughput
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, err
		}
		if err := tcpConn.SetKeepAlivePeriod(30 * time.Second); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// --------------------------------------------------------------------------
// Unix
// --------------------------------------------------------------------------

type unixConnector struct{}

func (unixConnector) Name() string { return "unix" }

func (unixConnector) Listen(endpoint string) (net.Listener, error) {
	// Remove a stale socket file of a previous run
	if err := os.RemoveAll(endpoint); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}
	listener, err := net.Listen("unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create unix socket: %w", err)
	}
	return listener, nil
}

func (unixConnector) Dial(endpoint string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", endpoint, timeout)
}
