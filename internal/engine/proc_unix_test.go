//go:build unix

package engine

import (
	"os"
	"testing"
)

func TestProcessOracleSelf(t *testing.T) {
	alive, err := ProcessOracle{}.IsAlive(os.Getpid())
	if err != nil {
		t.Fatalf("own pid: %v", err)
	}
	if !alive {
		t.Error("our own process should be alive")
	}
	if _, err := (ProcessOracle{}).IsAlive(0); err == nil {
		t.Error("pid 0 must be rejected")
	}
}
