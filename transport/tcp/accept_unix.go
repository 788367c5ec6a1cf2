//go:build unix && !linux

package tcp

import "golang.org/x/sys/unix"

func acceptSocket(fd int) (int, error) {
	connFD, _, err := unix.Accept(fd)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(connFD)
	err = unix.SetNonblock(connFD, true)
	if err != nil {
		unix.Close(connFD)
		return -1, err
	}
	return connFD, nil
}
