package flow

import (
	"fmt"
	"net"
	"strconv"
)

// PortAllocator picks the loopback port used in the redirect URI.
type PortAllocator interface {
	Allocate() (int, error)
}

// PortAllocatorFunc adapts a function to PortAllocator.
type PortAllocatorFunc func() (int, error)

func (f PortAllocatorFunc) Allocate() (int, error) { return f() }

// LoopbackPorts asks the OS for an ephemeral port on 127.0.0.1 and releases it
// immediately so the callback listener can bind it.
type LoopbackPorts struct{}

func (LoopbackPorts) Allocate() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate loopback port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, fmt.Errorf("release loopback port %d: %w", port, err)
	}
	return port, nil
}

// RedirectURI is the loopback redirect URI registered with the provider.
func RedirectURI(port int) string {
	return "http://localhost:" + strconv.Itoa(port)
}
