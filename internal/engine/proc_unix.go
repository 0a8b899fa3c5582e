//go:build unix

package engine

import (
	"errors"
	"fmt"
	"syscall"
)

// ProcessOracle checks local process liveness by pid with a null signal.
type ProcessOracle struct{}

func (ProcessOracle) IsAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid pid %d", pid)
	}
	err := syscall.Kill(pid, 0)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, syscall.ESRCH):
		return false, nil
	case errors.Is(err, syscall.EPERM):
		// The process exists but belongs to someone else.
		return true, nil
	default:
		return false, fmt.Errorf("signal pid %d: %w", pid, err)
	}
}
