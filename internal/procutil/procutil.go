// Package procutil provides the process-handle type shared across the
// zygote, supervisor, and controller: a pid, an idempotent kill, and a
// way to observe the exit status once, the way runsc/sandbox/sandbox.go's
// atomic pid wrapper and statusMu-guarded status field are shared across
// every goroutine that might wait on the sandbox process.
package procutil

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// GracePeriod is how long Kill waits between SIGTERM and SIGKILL
// (SPEC_FULL.md §5 "Cancellation and timeouts").
const GracePeriod = 5 * time.Second

// Handle wraps one live OS process the daemon is responsible for
// terminating and reaping.
type Handle struct {
	Pid int

	proc *os.Process

	mu       sync.Mutex
	killed   bool
	waited   bool
	waitErr  error
	waitDone chan struct{}
}

// NewHandle wraps an already-started process.
func NewHandle(proc *os.Process) *Handle {
	return &Handle{
		Pid:      proc.Pid,
		proc:     proc,
		waitDone: make(chan struct{}),
	}
}

// Wait blocks until the process exits, caching the result so repeated
// calls (from multiple waiters) observe the same outcome — Linux only
// delivers the wait status to one waiter, so every other caller must
// learn it secondhand (SPEC_FULL.md §4.4 note on wait semantics).
func (h *Handle) Wait() error {
	h.mu.Lock()
	if h.waited {
		h.mu.Unlock()
		<-h.waitDone
		return h.waitErr
	}
	h.waited = true
	h.mu.Unlock()

	_, err := h.proc.Wait()
	h.waitErr = err
	close(h.waitDone)
	return err
}

// Done returns a channel closed once Wait has observed the process's
// exit, for callers that want to select on it alongside other events.
func (h *Handle) Done() <-chan struct{} {
	return h.waitDone
}

// Kill sends SIGTERM, then SIGKILL after GracePeriod if the process
// hasn't exited, per SPEC_FULL.md §5. It is safe to call more than once;
// only the first call sends a signal.
func (h *Handle) Kill(ctx context.Context) {
	h.mu.Lock()
	if h.killed {
		h.mu.Unlock()
		return
	}
	h.killed = true
	h.mu.Unlock()

	if err := h.proc.Signal(syscall.SIGTERM); err != nil {
		log.WithField("pid", h.Pid).Debugf("procutil: SIGTERM failed (process may already be gone): %v", err)
	}

	select {
	case <-h.Done():
		return
	case <-time.After(GracePeriod):
	case <-ctx.Done():
	}

	select {
	case <-h.Done():
		return
	default:
	}

	if err := h.proc.Signal(syscall.SIGKILL); err != nil {
		log.WithField("pid", h.Pid).Debugf("procutil: SIGKILL failed (process may already be gone): %v", err)
	}
}
