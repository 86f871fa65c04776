//go:build !windows

// pkg/indexshm/indexshm_unix.go
package indexshm

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func mmapFile(f *os.File, size int) ([]byte, error) {
	return syscall.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
}

func munmapFile(data []byte) error {
	if err := unix.Msync(data, unix.MS_SYNC); err != nil {
		return err
	}
	return syscall.Munmap(data)
}
