//go:build linux && !iouring

package engine

import "fmt"

// NewTCPEngineWorker selects the TCP worker implementation named by kind.
// This build only links the readiness (epoll) engine; requesting
// "io_uring" here means the binary was not built with -tags iouring.
func NewTCPEngineWorker(kind string, idx int, eng *Engine, listenFd, tunFd int) (IOWorker, error) {
	switch kind {
	case "", "readiness":
		return NewWorker(idx, eng, listenFd, tunFd)
	case "io_uring":
		return nil, fmt.Errorf("engine: io_uring I/O engine requires a -tags iouring build")
	default:
		return nil, fmt.Errorf("engine: unknown io-engine %q", kind)
	}
}
