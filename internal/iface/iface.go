// Package iface creates and brings up the TUN device the engine bridges
// peer traffic through. Device creation uses TUNSETIFF via ioctl; address,
// MTU and link configuration and the default-route query shell out to the
// system `ip` utility, matching how the rest of this stack manages
// interfaces.
package iface

import (
	"fmt"
	"os"
)

// Config is the subset of the server configuration the interface layer
// needs: device name, address, netmask, MTU.
type Config struct {
	Dev     string
	IPv4    string
	Netmask string
	MTU     uint16
}

// Commander shells out to external network-configuration tools. It is an
// interface so tests can substitute a recording fake instead of invoking
// a real `ip` binary.
type Commander interface {
	Run(name string, args ...string) (output []byte, err error)
}

// Up creates the TUN device, assigns it cfg.IPv4/cfg.Netmask, sets its
// MTU, and brings the link up. It first queries the existing default route
// with `ip route`; the result is not used and a failed query does not stop
// bring-up. Up adds no route for the tunnel, and Down deletes none.
func Up(cfg Config, cmd Commander, debug bool) (*os.File, error) {
	if _, err := RouteGetDefault(cmd); err != nil && debug {
		// Non-fatal: this is a pre-flight sanity check, not a
		// precondition for bring-up.
		_ = err
	}

	f, err := openTun(cfg.Dev)
	if err != nil {
		return nil, fmt.Errorf("iface: open %s: %w", cfg.Dev, err)
	}

	if _, err := cmd.Run("ip", "addr", "add", cidr(cfg.IPv4, cfg.Netmask), "dev", cfg.Dev); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("iface: assign address: %w", err)
	}
	if _, err := cmd.Run("ip", "link", "set", "dev", cfg.Dev, "mtu", fmt.Sprintf("%d", cfg.MTU)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("iface: set mtu: %w", err)
	}
	if _, err := cmd.Run("ip", "link", "set", "dev", cfg.Dev, "up"); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("iface: bring up: %w", err)
	}
	return f, nil
}

// Down tears the device down. Bring-down is best-effort: errors are
// suppressed, since the server is already shutting down when this runs.
func Down(cfg Config, cmd Commander) {
	_, _ = cmd.Run("ip", "link", "delete", cfg.Dev)
}

// RouteGetDefault resolves the current default route's outbound device,
// the pre-flight check run before adding the tunnel as a new route.
func RouteGetDefault(cmd Commander) (string, error) {
	out, err := cmd.Run("ip", "route")
	if err != nil {
		return "", fmt.Errorf("iface: route query: %w", err)
	}
	return parseDefaultDevice(out)
}

func cidr(ip, netmask string) string {
	return fmt.Sprintf("%s/%d", ip, netmaskToPrefixLen(netmask))
}

func netmaskToPrefixLen(netmask string) int {
	var a, b, c, d int
	if _, err := fmt.Sscanf(netmask, "%d.%d.%d.%d", &a, &b, &c, &d); err != nil {
		return 24
	}
	bits := uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
	n := 0
	for i := 31; i >= 0; i-- {
		if bits&(1<<uint(i)) == 0 {
			break
		}
		n++
	}
	return n
}
