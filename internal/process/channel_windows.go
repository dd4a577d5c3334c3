//go:build windows

package process

import (
	"errors"
	"net"
	"os"
	"os/exec"
	"syscall"
)

func newChannel() (net.Conn, *os.File, error) {
	return nil, nil, errors.ErrUnsupported
}

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: 0x00000200} // CREATE_NEW_PROCESS_GROUP
}

func signalGroup(pid int, _ syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
