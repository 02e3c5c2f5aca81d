//go:build !unix

package executor

import (
	"errors"
	"os"
	"os/exec"
)

// Process groups are a unix concept; elsewhere only the direct child is signalled.
func setProcessGroup(*exec.Cmd) {}

func terminateGroup(p *os.Process) error {
	return killGroup(p)
}

func killGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func exitStatus(state *os.ProcessState) int {
	return state.ExitCode()
}
