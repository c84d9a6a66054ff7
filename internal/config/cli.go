package config

import (
	"fmt"
	"strings"

	"github.com/urfave/cli"
)

// Version is populated via build flags when packaging official binaries.
var Version = "SELFBUILD"

// Flags returns the server command's flag surface. Defaults are drawn from
// Default() so `--help` output matches the ini reader's fallback values.
func Flags() []cli.Flag {
	d := Default()
	return []cli.Flag{
		cli.StringFlag{Name: "config, c", Value: d.ConfigPath, Usage: "ini-style config file"},
		cli.StringFlag{Name: "data-dir, d", Usage: "directory for credentials"},
		cli.UintFlag{Name: "thread, t", Value: uint(d.Thread), Usage: "worker thread count"},
		cli.StringFlag{Name: "sock-type, s", Value: string(d.SockType), Usage: `transport: "tcp" or "udp"`},
		cli.StringFlag{Name: "io-engine", Value: string(d.IOEngine), Usage: `TCP I/O engine: "readiness" or "io_uring" (requires a -tags iouring build)`},
		cli.StringFlag{Name: "bind-addr, H", Value: d.BindAddr, Usage: "listen address"},
		cli.UintFlag{Name: "bind-port, P", Value: uint(d.BindPort), Usage: "listen port"},
		cli.UintFlag{Name: "max-conn, C, M", Value: uint(d.MaxConn), Usage: "concurrent peer cap"},
		cli.IntFlag{Name: "backlog, B", Value: d.Backlog, Usage: "listen() backlog"},
		cli.BoolFlag{Name: "disable-encryption, N", Usage: "skip the crypto filter"},
		cli.StringFlag{Name: "ssl-cert, S", Usage: "TLS certificate"},
		cli.StringFlag{Name: "ssl-priv, p", Usage: "TLS private key"},
		cli.StringFlag{Name: "dev, D", Value: d.Dev, Usage: "TUN device name"},
		cli.UintFlag{Name: "mtu, m", Value: uint(d.MTU), Usage: "TUN MTU"},
		cli.StringFlag{Name: "ipv4, 4", Value: d.IPv4, Usage: "TUN address"},
		cli.StringFlag{Name: "ipv4-netmask, n, b", Value: d.IPv4Netmask, Usage: "TUN netmask"},
		cli.IntFlag{Name: "verbose", Value: d.Verbosity, Usage: "log verbosity (>=11 enables per-send accounting)"},
	}
}

// FromContext overlays flags explicitly set on ctx onto base, matching the
// CLI-overrides-file precedence the server requires: ctx values win only
// where the flag was actually supplied on the command line.
func FromContext(ctx *cli.Context, base Configuration) Configuration {
	cfg := base
	if ctx.IsSet("config") {
		cfg.ConfigPath = ctx.String("config")
	}
	if ctx.IsSet("data-dir") {
		cfg.DataDir = ctx.String("data-dir")
	}
	if ctx.IsSet("thread") {
		cfg.Thread = uint16(ctx.Uint("thread"))
	}
	if ctx.IsSet("sock-type") {
		cfg.SockType = SockType(strings.ToLower(ctx.String("sock-type")))
	}
	if ctx.IsSet("io-engine") {
		cfg.IOEngine = IOEngine(strings.ToLower(ctx.String("io-engine")))
	}
	if ctx.IsSet("bind-addr") {
		cfg.BindAddr = ctx.String("bind-addr")
	}
	if ctx.IsSet("bind-port") {
		cfg.BindPort = uint16(ctx.Uint("bind-port"))
	}
	if ctx.IsSet("max-conn") {
		cfg.MaxConn = uint16(ctx.Uint("max-conn"))
	}
	if ctx.IsSet("backlog") {
		cfg.Backlog = ctx.Int("backlog")
	}
	if ctx.IsSet("disable-encryption") {
		cfg.DisableEncryption = ctx.Bool("disable-encryption")
	}
	if ctx.IsSet("ssl-cert") {
		cfg.SSLCert = ctx.String("ssl-cert")
	}
	if ctx.IsSet("ssl-priv") {
		cfg.SSLPriv = ctx.String("ssl-priv")
	}
	if ctx.IsSet("dev") {
		cfg.Dev = ctx.String("dev")
	}
	if ctx.IsSet("mtu") {
		cfg.MTU = uint16(ctx.Uint("mtu"))
	}
	if ctx.IsSet("ipv4") {
		cfg.IPv4 = ctx.String("ipv4")
	}
	if ctx.IsSet("ipv4-netmask") {
		cfg.IPv4Netmask = ctx.String("ipv4-netmask")
	}
	if ctx.IsSet("verbose") {
		cfg.Verbosity = ctx.Int("verbose")
	}
	return cfg
}

// Load reads the ini file named by ctx's --config flag (or its default)
// and applies any flags the caller actually set on top of it.
func Load(ctx *cli.Context) (Configuration, error) {
	path := Default().ConfigPath
	if ctx.IsSet("config") {
		path = ctx.String("config")
	}
	fileCfg, err := newReader(path).read()
	if err != nil {
		return Configuration{}, fmt.Errorf("config: load: %w", err)
	}
	return FromContext(ctx, fileCfg), nil
}
