//go:build windows

package localexec

import (
	"errors"
	"os/exec"
)

func configureProc(cmd *exec.Cmd) {
	// Windows has no process groups in the POSIX sense.
}

func interruptProc(cmd *exec.Cmd) error {
	return errors.New("signal interrupts are not supported on windows; use interrupt_mode message")
}

func killProc(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
