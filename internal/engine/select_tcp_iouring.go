//go:build linux && iouring

package engine

import "fmt"

// completionQueueDepth is the submission/completion queue depth each
// CompletionWorker's ring is sized to.
const completionQueueDepth = 256

// NewTCPEngineWorker selects the TCP worker implementation named by kind.
// This build links both the readiness and completion engines.
func NewTCPEngineWorker(kind string, idx int, eng *Engine, listenFd, tunFd int) (IOWorker, error) {
	switch kind {
	case "", "readiness":
		return NewWorker(idx, eng, listenFd, tunFd)
	case "io_uring":
		return NewCompletionWorker(idx, eng, listenFd, tunFd, completionQueueDepth)
	default:
		return nil, fmt.Errorf("engine: unknown io-engine %q", kind)
	}
}
