package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// writer serializes a Configuration back to ini format, used by tests
// asserting round-trip fidelity.
type writer struct {
	path string
}

func newWriter(path string) *writer {
	return &writer{path: path}
}

func (w *writer) write(cfg Configuration) error {
	var b strings.Builder
	fmt.Fprintf(&b, "data_dir = %s\n", cfg.DataDir)
	fmt.Fprintf(&b, "thread = %d\n", cfg.Thread)
	fmt.Fprintf(&b, "sock_type = %s\n", cfg.SockType)
	fmt.Fprintf(&b, "io_engine = %s\n", cfg.IOEngine)
	fmt.Fprintf(&b, "bind_addr = %s\n", cfg.BindAddr)
	fmt.Fprintf(&b, "bind_port = %d\n", cfg.BindPort)
	fmt.Fprintf(&b, "max_conn = %d\n", cfg.MaxConn)
	fmt.Fprintf(&b, "backlog = %d\n", cfg.Backlog)
	fmt.Fprintf(&b, "disable_encryption = %s\n", strconv.FormatBool(cfg.DisableEncryption))
	fmt.Fprintf(&b, "ssl_cert = %s\n", cfg.SSLCert)
	fmt.Fprintf(&b, "ssl_priv = %s\n", cfg.SSLPriv)
	fmt.Fprintf(&b, "dev = %s\n", cfg.Dev)
	fmt.Fprintf(&b, "mtu = %d\n", cfg.MTU)
	fmt.Fprintf(&b, "ipv4 = %s\n", cfg.IPv4)
	fmt.Fprintf(&b, "ipv4_netmask = %s\n", cfg.IPv4Netmask)
	fmt.Fprintf(&b, "verbose = %d\n", cfg.Verbosity)

	if err := os.WriteFile(w.path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("config file (%s) could not be written: %w", w.path, err)
	}
	return nil
}
