package ota

import (
	"context"
	"sync"
	"time"
)

// Signal is a single-shot completion flag shared between the serve loop
// and the orchestrator. It can be set once and never reset.
type Signal struct {
	once sync.Once
	done chan struct{}
}

// NewSignal returns an unset signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Set marks the signal. It reports whether this call performed the
// transition; later calls are no-ops.
func (s *Signal) Set() bool {
	set := false
	s.once.Do(func() {
		close(s.done)
		set = true
	})
	return set
}

// IsSet reports whether Set has been called.
func (s *Signal) IsSet() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the signal is set.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the signal is set, the timeout elapses or ctx is
// cancelled. It reports whether the signal was observed set.
func (s *Signal) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return true
	case <-timer.C:
		return s.IsSet()
	case <-ctx.Done():
		return s.IsSet()
	}
}
