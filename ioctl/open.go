package ioctl

import "golang.org/x/sys/unix"

func open(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func closeFD(fd int) error {
	return unix.Close(fd)
}
