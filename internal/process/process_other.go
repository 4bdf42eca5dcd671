//go:build !unix

package process

import (
	"os"
	"os/exec"
	"strconv"
)

// setProcessGroup is a no-op on non-Unix platforms.
func setProcessGroup(cmd *exec.Cmd) {
	// No process group support on this platform
}

// interruptSignal is the cooperative termination signal.
func interruptSignal() os.Signal {
	return os.Interrupt
}

// killProcessGroup sends a signal directly to the process on non-Unix
// platforms.
func killProcessGroup(cmd *exec.Cmd, sig os.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(sig)
}

// killProcessGroupForcefully kills the whole tree via taskkill where
// available, falling back to a direct kill.
func killProcessGroupForcefully(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid))
	if err := kill.Run(); err == nil {
		return nil
	}
	return cmd.Process.Kill()
}
