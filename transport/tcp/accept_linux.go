package tcp

import "golang.org/x/sys/unix"

func acceptSocket(fd int) (int, error) {
	connFD, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	return connFD, err
}
