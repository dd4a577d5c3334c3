//go:build !windows

package process

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// newChannel creates the host/child message pipe: a connected unix socket
// pair. The host keeps a net.Conn; the returned file is handed to the child
// through ExtraFiles and must be closed by the caller after Start.
func newChannel() (net.Conn, *os.File, error) {
	syscall.ForkLock.RLock()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err == nil {
		syscall.CloseOnExec(fds[0])
		syscall.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	hostFile := os.NewFile(uintptr(fds[0]), "kit-ipc")
	childFile := os.NewFile(uintptr(fds[1]), "kit-ipc-child")
	conn, err := net.FileConn(hostFile)
	_ = hostFile.Close() // FileConn dups the descriptor
	if err != nil {
		_ = childFile.Close()
		return nil, nil, fmt.Errorf("ipc conn: %w", err)
	}
	return conn, childFile, nil
}
