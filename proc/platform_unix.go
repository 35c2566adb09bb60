//go:build !windows

package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

var gracefulSignal = syscall.SIGTERM

// readyFD is the descriptor number of the first entry in exec.Cmd.ExtraFiles.
const readyFD = 3

// prepareCmd puts the child in its own process group and hands it the write end of the readiness pipe.
// It returns the value for EnvReadyFD.
func prepareCmd(cmd *exec.Cmd, ready *os.File) (string, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.ExtraFiles = []*os.File{ready}
	return strconv.Itoa(readyFD), nil
}

// signalGroup sends sig to the whole process group led by p, so wrappers like "sh -c" or "go run"
// don't leave the real application behind.
func signalGroup(p *os.Process, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	err := syscall.Kill(-p.Pid, s)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
