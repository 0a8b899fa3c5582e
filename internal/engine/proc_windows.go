//go:build windows

package engine

import "errors"

// ProcessOracle cannot confirm liveness on this platform. The reclaimer
// treats the error as "unknown" and leaves the lock alone.
type ProcessOracle struct{}

func (ProcessOracle) IsAlive(pid int) (bool, error) {
	return false, errors.New("process liveness not supported on windows")
}
