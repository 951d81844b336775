package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// Spawn starts the daemon as a detached process via self-exec of the
// hidden "daemon" command. The child survives the parent's terminal.
func Spawn() error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(executable, "daemon")

	// New session: detach from the terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	return cmd.Start()
}
