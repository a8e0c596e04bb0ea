//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {}

// signalGroup has no group semantics here: SIGKILL maps to Kill and anything
// else to an interrupt.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if sig == syscall.SIGKILL {
		return p.Kill()
	}
	return p.Signal(os.Interrupt)
}

// killGroup is a no-op without process groups.
func killGroup(pgid int) error { return nil }
