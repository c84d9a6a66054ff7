package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// reader loads an ini-style `key = value` config file into a
// Configuration, starting from Default() so any key the file omits keeps
// its documented default.
type reader struct {
	path string
}

func newReader(path string) *reader {
	return &reader{path: path}
}

// read parses c.path. A missing file is not an error: --config defaults to
// a path that may not exist, and CLI flags alone are a valid way to run.
func (c *reader) read() (Configuration, error) {
	cfg := Default()
	cfg.ConfigPath = c.path

	f, err := os.Open(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config file (%s) is unreadable: %w", c.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			// section headers are accepted but ignored; the server has a
			// single flat key space
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return cfg, fmt.Errorf("config file (%s) line %d: missing '=': %q", c.path, lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := applyKey(&cfg, key, value); err != nil {
			return cfg, fmt.Errorf("config file (%s) line %d: %w", c.path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, fmt.Errorf("config file (%s) is unreadable: %w", c.path, err)
	}
	return cfg, nil
}

func applyKey(cfg *Configuration, key, value string) error {
	switch key {
	case "data_dir":
		cfg.DataDir = value
	case "thread":
		return setUint16(&cfg.Thread, value)
	case "sock_type":
		cfg.SockType = SockType(strings.ToLower(value))
	case "io_engine":
		cfg.IOEngine = IOEngine(strings.ToLower(value))
	case "bind_addr":
		cfg.BindAddr = value
	case "bind_port":
		return setUint16(&cfg.BindPort, value)
	case "max_conn":
		return setUint16(&cfg.MaxConn, value)
	case "backlog":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("backlog: %w", err)
		}
		cfg.Backlog = n
	case "disable_encryption":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("disable_encryption: %w", err)
		}
		cfg.DisableEncryption = b
	case "ssl_cert":
		cfg.SSLCert = value
	case "ssl_priv":
		cfg.SSLPriv = value
	case "dev":
		cfg.Dev = value
	case "mtu":
		return setUint16(&cfg.MTU, value)
	case "ipv4":
		cfg.IPv4 = value
	case "ipv4_netmask":
		cfg.IPv4Netmask = value
	case "verbose":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("verbose: %w", err)
		}
		cfg.Verbosity = n
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return nil
}

func setUint16(dst *uint16, value string) error {
	n, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return err
	}
	*dst = uint16(n)
	return nil
}
