package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort asks the kernel for a free localhost port.
// The port is released before returning, so there is a small window where something else can grab it.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// LocalListenAddr returns a 127.0.0.1 listen address on a free port.
func LocalListenAddr() (string, int, error) {
	port, err := GetEphemeralTCPPort()
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("127.0.0.1:%d", port), port, nil
}
