// Package portutil provides TCP port allocation helpers.
package portutil

import (
	"fmt"
	"net"
)

// AllocatePort allocates an available loopback port using OS assignment.
// It binds port 0 on 127.0.0.1 and immediately closes the listener; the
// returned port is free at that instant. This approach is thread-safe and
// avoids coordinating a port range between callers.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}
