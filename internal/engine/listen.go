package engine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Listen opens a non-blocking TCP listen socket on addr:port with
// SO_REUSEADDR set and the given backlog, matching the socket setup both
// variants of the I/O engine require.
func Listen(addr string, port uint16, backlog int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("engine: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("engine: setsockopt SO_REUSEADDR: %w", err)
	}

	sa, err := sockaddr(addr, port)
	if err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("engine: resolve bind address: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("engine: bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("engine: listen: %w", err)
	}
	return fd, nil
}

func sockaddr(addr string, port uint16) (unix.Sockaddr, error) {
	ip, err := parseIPv4Bytes(addr)
	if err != nil {
		return nil, err
	}
	return &unix.SockaddrInet4{Port: int(port), Addr: ip}, nil
}

func parseIPv4Bytes(addr string) ([4]byte, error) {
	var out [4]byte
	var a, b, c, d int
	n, err := fmt.Sscanf(addr, "%d.%d.%d.%d", &a, &b, &c, &d)
	if err != nil || n != 4 {
		return out, fmt.Errorf("invalid ipv4 address %q", addr)
	}
	out[0], out[1], out[2], out[3] = byte(a), byte(b), byte(c), byte(d)
	return out, nil
}
