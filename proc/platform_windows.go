//go:build windows

package proc

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// Windows cannot deliver SIGTERM to another process, so the graceful request is a kill.
var gracefulSignal = os.Kill

// prepareCmd marks the write end of the readiness pipe inheritable and passes it to the child.
// Inherited handles keep their value, so the child opens the same number with os.NewFile.
func prepareCmd(cmd *exec.Cmd, ready *os.File) (string, error) {
	h := syscall.Handle(ready.Fd())
	if err := syscall.SetHandleInformation(h, syscall.HANDLE_FLAG_INHERIT, syscall.HANDLE_FLAG_INHERIT); err != nil {
		return "", fmt.Errorf("making readiness pipe inheritable: %w", err)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{AdditionalInheritedHandles: []syscall.Handle{h}}
	return strconv.FormatUint(uint64(h), 10), nil
}

// signalGroup only reaches the child itself; Windows has no process groups to signal.
func signalGroup(p *os.Process, sig os.Signal) error {
	return p.Signal(sig)
}
