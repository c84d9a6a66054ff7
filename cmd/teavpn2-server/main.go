// Command teavpn2-server runs the connection and packet dispatch core: it
// terminates peer tunnels, authenticates them, and bridges IP packets
// between peer transports and a TUN interface.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"teavpn2/internal/config"
	"teavpn2/internal/credentials"
	"teavpn2/internal/crypto"
	"teavpn2/internal/engine"
	"teavpn2/internal/iface"
	"teavpn2/internal/logging"
	"teavpn2/internal/protocol"
	"teavpn2/internal/router"
	"teavpn2/internal/session"
	"teavpn2/internal/sessiontable"
)

// Version is populated via build flags when packaging official binaries.
var Version = config.Version

func main() {
	app := cli.NewApp()
	app.Name = "teavpn2-server"
	app.Usage = "VPN concentrator: terminates peer tunnels, authenticates them, bridges TUN traffic"
	app.Version = Version
	app.Flags = config.Flags()
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("teavpn2-server: %w", err)
	}

	logger := logging.New(logging.Options{
		Path:      filepath.Join(cfg.DataDir, "teavpn2-server.log"),
		Verbosity: cfg.Verbosity,
	})

	ifaceCfg := protocol.IfaceConfig{Dev: cfg.Dev, IPv4: cfg.IPv4, Netmask: cfg.IPv4Netmask, MTU: cfg.MTU}
	cmd := iface.NewExecCommander()
	tun, err := iface.Up(iface.Config{Dev: cfg.Dev, IPv4: cfg.IPv4, Netmask: cfg.IPv4Netmask, MTU: cfg.MTU}, cmd, cfg.Verbosity >= 11)
	if err != nil {
		return fmt.Errorf("teavpn2-server: bring up %s: %w", cfg.Dev, err)
	}
	defer func() {
		_ = tun.Close()
		iface.Down(iface.Config{Dev: cfg.Dev}, cmd)
	}()

	auth, err := buildAuthenticator(cfg, ifaceCfg)
	if err != nil {
		return fmt.Errorf("teavpn2-server: %w", err)
	}

	filter, err := buildFilter(cfg)
	if err != nil {
		return fmt.Errorf("teavpn2-server: %w", err)
	}

	pool := session.NewPool(int(cfg.MaxConn), cfg.Verbosity >= 11)
	rt := router.New(tun, pool, logger, filter)
	eng := engine.New(cfg, pool, rt, auth, filter, logger, ifaceCfg)

	workers, err := buildWorkers(cfg, eng, int(tun.Fd()))
	if err != nil {
		return fmt.Errorf("teavpn2-server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	go func() {
		<-sigCh
		logger.Printf("teavpn2-server: shutdown signal received")
		eng.Stop()
		for _, w := range workers {
			w.Wake()
		}
	}()

	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w engine.IOWorker) {
			defer wg.Done()
			if err := w.Run(); err != nil {
				logger.Errorf("teavpn2-server: worker %d: %v", i, err)
			}
		}(i, w)
	}

	logger.Printf("teavpn2-server: listening on %s:%d/%s (%d threads, dev=%s)", cfg.BindAddr, cfg.BindPort, cfg.SockType, cfg.Thread, cfg.Dev)
	wg.Wait()
	for _, w := range workers {
		w.Close()
	}
	logger.Printf("teavpn2-server: shutdown complete")
	return nil
}

func buildWorkers(cfg config.Configuration, eng *engine.Engine, tunFd int) ([]engine.IOWorker, error) {
	workers := make([]engine.IOWorker, cfg.Thread)

	switch cfg.SockType {
	case config.SockUDP:
		sockFd, err := engine.ListenUDP(cfg.BindAddr, cfg.BindPort)
		if err != nil {
			return nil, err
		}
		table := sessiontable.New()
		for i := range workers {
			w, err := engine.NewUDPWorker(i, eng, sockFd, tunFd, table)
			if err != nil {
				return nil, fmt.Errorf("start udp worker %d: %w", i, err)
			}
			workers[i] = w
		}

	default:
		listenFd, err := engine.Listen(cfg.BindAddr, cfg.BindPort, cfg.Backlog)
		if err != nil {
			return nil, err
		}
		for i := range workers {
			w, err := engine.NewTCPEngineWorker(string(cfg.IOEngine), i, eng, listenFd, tunFd)
			if err != nil {
				return nil, fmt.Errorf("start worker %d: %w", i, err)
			}
			workers[i] = w
		}
	}
	return workers, nil
}

func buildAuthenticator(cfg config.Configuration, ifaceCfg protocol.IfaceConfig) (credentials.Authenticator, error) {
	path := filepath.Join(cfg.DataDir, "users.conf")
	store, err := credentials.NewFileStore(path, ifaceCfg)
	if err != nil {
		return nil, fmt.Errorf("load credential store: %w", err)
	}
	return credentials.NewCachedAuthenticator(store, 5*time.Minute, 10*time.Minute), nil
}

func buildFilter(cfg config.Configuration) (crypto.Filter, error) {
	if cfg.DisableEncryption {
		return crypto.NewNoop(), nil
	}
	if cfg.SSLCert == "" || cfg.SSLPriv == "" {
		return nil, fmt.Errorf("ssl-cert and ssl-priv are required unless --disable-encryption is set")
	}
	key, err := os.ReadFile(cfg.SSLPriv)
	if err != nil {
		return nil, fmt.Errorf("read ssl-priv: %w", err)
	}
	return crypto.NewAEAD(key)
}
