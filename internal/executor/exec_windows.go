//go:build windows

package executor

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(_ *exec.Cmd) {}

func setCredential(_ *exec.Cmd, _ string) error {
	return errors.New("executor: work_user is not supported on windows")
}

// killProcessGroup kills only the direct child; grandchildren are left to
// the OS on this platform.
func killProcessGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
