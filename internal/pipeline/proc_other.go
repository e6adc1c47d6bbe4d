//go:build !unix

package pipeline

import (
	"os"
	"os/exec"
)

// Process groups are a Unix notion; elsewhere the direct child is killed and
// grandchildren are left to the OS.
func setProcessGroup(*exec.Cmd) {}

func terminateGroup(p *os.Process) {
	if p == nil {
		return
	}
	_ = p.Kill()
}

func killGroup(p *os.Process) {
	if p == nil {
		return
	}
	_ = p.Kill()
}
